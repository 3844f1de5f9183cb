package pool

import (
	"bytes"
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rlavoura/dbpool/internal/config"
	"github.com/rlavoura/dbpool/pkg/rawconn"
)

func testConfig() *config.Config {
	return &config.Config{
		MinConnectionsPerPartition: 1,
		MaxConnectionsPerPartition: 2,
		PartitionCount:             1,
		AcquireIncrement:           1,
		ConnectionTimeout:          100 * time.Millisecond,
		IdleConnectionTestPeriod:   time.Hour,
		AcquireRetryAttempts:       0,
		AcquireRetryDelay:          time.Millisecond,
		ReleaseHelperCount:         1,
	}
}

// TestAcquireTimesOutWhenPartitionExhausted is scenario S1: partitionCount=1,
// min=max=2, timeout=100ms. Two concurrent acquires succeed; a third times
// out after roughly the configured timeout.
func TestAcquireTimesOutWhenPartitionExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 2
	cfg.MaxConnectionsPerPartition = 2

	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, h1, h2)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAcquisitionTimedOut)
	require.GreaterOrEqual(t, elapsed, cfg.ConnectionTimeout)
	require.Less(t, elapsed, cfg.ConnectionTimeout+200*time.Millisecond)
}

// TestAcquireRetriesDialFailures is scenario S3: the dialer fails the first
// two attempts and succeeds on the third; checkout should return a handle
// after waiting at least two retry delays.
func TestAcquireRetriesDialFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 0
	cfg.AcquireRetryAttempts = 3
	cfg.AcquireRetryDelay = 10 * time.Millisecond

	d := &fakeDialer{failCount: 2}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	start := time.Now()
	h, err := p.Acquire(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, h)
	require.GreaterOrEqual(t, elapsed, 2*cfg.AcquireRetryDelay)
	require.EqualValues(t, 3, d.attempts())
}

// TestDatabaseDownTerminatesAllConnections is scenario S4: a handle that
// classifies a commit error as DATABASE_DOWN (SQL state 08S01) should cause
// every other free connection in the pool to be closed, and the handle
// itself should be flagged possibly broken.
func TestDatabaseDownTerminatesAllConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 2
	cfg.MaxConnectionsPerPartition = 2

	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	raw := h.raw.(*fakeConn)
	raw.setCommitErr(&sqlStateErr{state: "08S01", msg: "connection reset"})

	err = h.Commit(context.Background())
	require.ErrorIs(t, err, ErrDatabaseDown)
	require.True(t, h.IsPossiblyBroken())

	// The partition's other free connection should have been drained and
	// closed by TerminateAllConnections.
	require.Eventually(t, func() bool {
		for _, c := range d.conns {
			if c != raw && c.isClosed() {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// TestDatabaseDownMarksCheckedOutHandlesBroken is scenario S4's other half:
// a DATABASE_DOWN classification on one handle must also flag every other
// handle currently checked out by a different goroutine as possibly broken
// — not just the free ones TerminateAllConnections drains directly — so
// that handle is retired rather than silently returned to the pool looking
// healthy on its own next Close.
func TestDatabaseDownMarksCheckedOutHandlesBroken(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 2
	cfg.MaxConnectionsPerPartition = 2

	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, h2.IsPossiblyBroken())

	raw1 := h1.raw.(*fakeConn)
	raw1.setCommitErr(&sqlStateErr{state: "08S01", msg: "connection reset"})

	err = h1.Commit(context.Background())
	require.ErrorIs(t, err, ErrDatabaseDown)

	require.True(t, h2.IsPossiblyBroken(), "a handle checked out elsewhere must be flagged broken too")

	raw2 := h2.raw.(*fakeConn)
	require.NoError(t, h2.Close())
	require.Eventually(t, raw2.isClosed, time.Second, 10*time.Millisecond,
		"a handle flagged broken on release must have its raw connection closed")
}

// TestCloseIsIdempotentAndLogsOnSecondCloseWithWatchdog is scenario S5:
// with CloseConnectionWatch enabled, a second Close logs both stacks and
// never returns an error.
func TestCloseIsIdempotentAndLogsOnSecondCloseWithWatchdog(t *testing.T) {
	cfg := testConfig()
	cfg.CloseConnectionWatch = true

	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	require.Contains(t, buf.String(), "double close of connection")
}

// TestOperationOnClosedHandleFails verifies invariant 5: once closed, any
// further delegated operation fails with ErrOperationOnClosedHandle.
func TestOperationOnClosedHandleFails(t *testing.T) {
	cfg := testConfig()
	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	err = h.Commit(context.Background())
	require.ErrorIs(t, err, ErrOperationOnClosedHandle)

	_, err = h.ExecContext(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, ErrOperationOnClosedHandle)
}

// TestNoHandleCheckedOutTwice exercises invariant 1 under concurrent
// checkout/close: at every instant the number of handles held by goroutines
// never exceeds Max, and no two goroutines ever observe the same handle ID
// concurrently.
func TestNoHandleCheckedOutTwice(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 0
	cfg.MaxConnectionsPerPartition = 4
	cfg.ConnectionTimeout = time.Second

	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	held := 0
	maxHeld := cfg.MaxConnectionsPerPartition * cfg.PartitionCount

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				h, err := p.Acquire(context.Background())
				if err != nil {
					continue
				}

				mu.Lock()
				dup := seen[h.ID()]
				seen[h.ID()] = true
				held++
				tooMany := held > maxHeld
				mu.Unlock()
				require.False(t, dup, "handle %d checked out twice concurrently", h.ID())
				require.False(t, tooMany, "more than %d handles held at once", maxHeld)

				time.Sleep(time.Millisecond)

				mu.Lock()
				seen[h.ID()] = false
				held--
				mu.Unlock()

				h.Close()
			}
		}()
	}
	wg.Wait()
}

// TestShutdownStopsAllWorkers confirms Shutdown returns once every
// background goroutine has exited, per invariant that workers must respond
// to the pool-wide stop signal.
func TestShutdownStopsAllWorkers(t *testing.T) {
	cfg := testConfig()
	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)

	p.Shutdown()

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrShutdownInProgress)
}

func TestIsExpired(t *testing.T) {
	h := &ConnectionHandle{createdAt: time.Now().Add(-time.Hour)}

	require.False(t, h.isExpired(time.Now(), 0))
	require.True(t, h.isExpired(time.Now(), time.Minute))
	require.False(t, h.isExpired(time.Now(), 2*time.Hour))
}

// TestStatementCacheRoundTripsThroughConnectionHandle exercises invariant 3
// against the actual ConnectionHandle/CachedStmt contract rather than the
// bare stmtcache.Cache: preparing the same key twice on the same handle,
// with the first CachedStmt closed in between, must be a cache hit, not a
// second driver prepare.
func TestStatementCacheRoundTripsThroughConnectionHandle(t *testing.T) {
	cfg := testConfig()
	cfg.StatementsCacheSize = 4

	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	raw := h.raw.(*fakeConn)
	key := rawconn.StatementKey{SQL: "SELECT 1"}

	cs1, err := h.PrepareStatement(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, cs1.Close())
	require.Equal(t, 1, raw.prepareCount)

	cs2, err := h.PrepareStatement(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, raw.prepareCount, "second prepare of the same key should be a cache hit")
	require.NoError(t, cs2.Close())

	stats := h.stmtCache.Stats()
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
}

// TestRecoverRemapsHeldStatementOntoFreshConnection is scenario S6's
// statement-remap half: a CachedStmt the client is still holding open when a
// CONNECTION_BROKEN/DATABASE_DOWN failure hits must keep working after
// Pool.Recover swaps in a fresh physical connection, dispatching against the
// statement obtained while replaying rather than the one bound to the
// connection Recover closes.
func TestRecoverRemapsHeldStatementOntoFreshConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 1
	cfg.MaxConnectionsPerPartition = 1
	cfg.TransactionRecoveryEnabled = true

	d := &fakeDialer{}
	p, err := New(context.Background(), cfg, d.dial)
	require.NoError(t, err)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.SetAutoCommit(context.Background(), false))

	cs, err := h.PrepareStatement(context.Background(), rawconn.StatementKey{SQL: "SELECT 1"})
	require.NoError(t, err)

	n, err := cs.ExecContext(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	oldRaw := h.raw.(*fakeConn)
	oldRaw.lastPreparedStmt().setExecErr(&sqlStateErr{state: "08S01", msg: "connection reset"})

	_, err = cs.ExecContext(context.Background())
	require.ErrorIs(t, err, ErrDatabaseDown)
	require.True(t, h.IsPossiblyBroken())

	before := p.Statistics()

	require.NoError(t, p.Recover(context.Background(), h))

	require.True(t, oldRaw.isClosed())
	require.False(t, h.IsPossiblyBroken())
	require.NotSame(t, oldRaw, h.raw.(*fakeConn))

	after := p.Statistics()
	require.Equal(t, before.ConnectionsCreated+1, after.ConnectionsCreated,
		"recovery's fresh dial must be counted as a create")
	require.Equal(t, before.ConnectionsDestroyed+1, after.ConnectionsDestroyed,
		"recovery closing the old connection must be counted as a destroy, or created/destroyed drift apart")

	n, err = cs.ExecContext(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
