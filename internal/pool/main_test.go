package pool

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that every goroutine this package's tests start — the
// release helpers, growth workers, and keep-alive loops a Pool spawns — has
// actually exited by the time the test binary finishes, catching a Shutdown
// that leaves a worker running.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
