package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// sqlStateErr lets tests construct an error carrying an arbitrary SQL state,
// the same contract pkg/sqladapter's sqlStateError fulfills for a real
// driver.
type sqlStateErr struct {
	state string
	msg   string
}

func (e *sqlStateErr) Error() string    { return e.msg }
func (e *sqlStateErr) SQLState() string { return e.state }

var _ rawconn.SQLStater = (*sqlStateErr)(nil)

// fakeDialer counts dial attempts and can be told to fail the first N of
// them before succeeding, for the acquire-retry tests (spec S3).
type fakeDialer struct {
	mu          sync.Mutex
	failCount   int
	dialAttempt int32
	conns       []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context) (rawconn.Conn, error) {
	atomic.AddInt32(&d.dialAttempt, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCount > 0 {
		d.failCount--
		return nil, errors.New("dial: connection refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) attempts() int32 { return atomic.LoadInt32(&d.dialAttempt) }

// fakeConn is a rawconn.Conn test double. Commit, ExecContext and Ping can be
// told to fail by setting commitErr, execErr or pingErr before the call; a
// set error is returned on every call until it is replaced.
type fakeConn struct {
	mu sync.Mutex

	prepareCount int
	closed       bool
	lastStmt     *fakeStmt

	commitErr error
	execErr   error
	pingErr   error
}

func (c *fakeConn) PrepareContext(ctx context.Context, key rawconn.StatementKey) (rawconn.Stmt, error) {
	c.mu.Lock()
	c.prepareCount++
	s := &fakeStmt{}
	c.lastStmt = s
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, sql string, args ...any) (int64, error) {
	c.mu.Lock()
	err := c.execErr
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	err := c.commitErr
	c.mu.Unlock()
	return err
}

func (c *fakeConn) Rollback(ctx context.Context) error                       { return nil }
func (c *fakeConn) RollbackTo(ctx context.Context, savepoint string) error    { return nil }
func (c *fakeConn) Savepoint(ctx context.Context, name string) error          { return nil }
func (c *fakeConn) ReleaseSavepoint(ctx context.Context, name string) error   { return nil }
func (c *fakeConn) SetAutoCommit(ctx context.Context, autocommit bool) error  { return nil }
func (c *fakeConn) SetReadOnly(ctx context.Context, readOnly bool) error      { return nil }
func (c *fakeConn) SetCatalog(ctx context.Context, catalog string) error      { return nil }
func (c *fakeConn) SetTransactionIsolation(ctx context.Context, level int) error {
	return nil
}
func (c *fakeConn) ClearWarnings(ctx context.Context) error { return nil }

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	err := c.pingErr
	c.mu.Unlock()
	return err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setCommitErr(err error) {
	c.mu.Lock()
	c.commitErr = err
	c.mu.Unlock()
}

// lastPreparedStmt returns the most recent statement PrepareContext handed
// out, so a test can inject a failure into it directly.
func (c *fakeConn) lastPreparedStmt() *fakeStmt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStmt
}

type fakeStmt struct {
	mu      sync.Mutex
	closed  atomic.Bool
	execErr error
}

func (s *fakeStmt) ExecContext(ctx context.Context, args ...any) (int64, error) {
	s.mu.Lock()
	err := s.execErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return 1, nil
}
func (s *fakeStmt) QueryContext(ctx context.Context, args ...any) (rawconn.Rows, error) {
	return &fakeRows{}, nil
}
func (s *fakeStmt) Close() error { s.closed.Store(true); return nil }

func (s *fakeStmt) setExecErr(err error) {
	s.mu.Lock()
	s.execErr = err
	s.mu.Unlock()
}

type fakeRows struct{}

func (r *fakeRows) Next() bool             { return false }
func (r *fakeRows) Scan(dest ...any) error { return nil }
func (r *fakeRows) Close() error           { return nil }
func (r *fakeRows) Err() error             { return nil }
