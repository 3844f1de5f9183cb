package pool

import "errors"

// Sentinel errors returned by the pool's public API. Callers use errors.Is
// to match them even when they arrive wrapped with additional context.
var (
	// ErrAcquisitionFailed is returned when a new physical connection could
	// not be dialed after exhausting all configured retry attempts.
	ErrAcquisitionFailed = errors.New("dbpool: connection acquisition failed")

	// ErrAcquisitionTimedOut is returned when the configured connection
	// timeout elapses before a connection becomes available. If Acquire's
	// own context ends first, the context's error is returned instead.
	ErrAcquisitionTimedOut = errors.New("dbpool: connection acquisition timed out")

	// ErrOperationOnClosedHandle is returned by any ConnectionHandle method
	// called after the handle has been logically closed.
	ErrOperationOnClosedHandle = errors.New("dbpool: operation attempted on a closed connection handle")

	// ErrDatabaseDown classifies a failure whose SQL state indicates the
	// database itself is unreachable. It triggers termination of every
	// connection in every partition of the pool.
	ErrDatabaseDown = errors.New("dbpool: database appears to be down")

	// ErrConnectionBroken classifies a failure whose SQL state indicates the
	// physical connection, but not necessarily the database, is broken.
	ErrConnectionBroken = errors.New("dbpool: connection is possibly broken")

	// ErrDataError classifies a failure that does not indicate a broken
	// connection at all — a constraint violation or malformed statement,
	// for instance.
	ErrDataError = errors.New("dbpool: statement failed with a data error")

	// ErrShutdownInProgress is returned by Acquire once Pool.Shutdown has
	// been called.
	ErrShutdownInProgress = errors.New("dbpool: pool is shutting down")

	// ErrPartitionExhausted is returned when a partition has reached
	// MaxConnectionsPerPartition and cannot grow further.
	ErrPartitionExhausted = errors.New("dbpool: partition has no room to grow")
)
