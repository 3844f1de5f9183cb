package replay

import (
	"context"
	"sync/atomic"

	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// Recorder wraps a rawconn.Conn and appends every operation to a Log, except
// while Suspend has been called — which the owning handle does for the
// duration of an actual replay, so replayed operations are not themselves
// re-recorded.
type Recorder struct {
	conn      rawconn.Conn
	log       *Log
	suspended atomic.Bool
}

// NewRecorder wraps conn so every operation performed through the returned
// rawconn.Conn is also appended to log.
func NewRecorder(conn rawconn.Conn, log *Log) *Recorder {
	return &Recorder{conn: conn, log: log}
}

// Suspend stops recording for the duration of a replay pass; Resume restores
// it. Neither is safe to call concurrently with the other or with any Conn
// method — the same single-goroutine-per-handle confinement the rest of the
// pool relies on.
func (r *Recorder) Suspend() { r.suspended.Store(true) }
func (r *Recorder) Resume()  { r.suspended.Store(false) }

func (r *Recorder) recording() bool { return !r.suspended.Load() }

// Wrap adapts stmt — typically one obtained directly against a fresh
// connection while replaying — into a recordedStmt tied to this recorder
// under index, so operations against it are appended to the log exactly as
// if the recorder itself had prepared it. Pool.Recover uses this to splice a
// freshly replayed statement back into a client's already-held CachedStmt.
func (r *Recorder) Wrap(stmt rawconn.Stmt, index int) rawconn.Stmt {
	return &recordedStmt{stmt: stmt, recorder: r, index: index}
}

// IndexedStmt is implemented by statements obtained through a Recorder. It
// exposes the log index execute/query calls against the statement are
// recorded under, so Pool.Recover can find a client's already-held
// CachedStmt and splice in its replayed replacement.
type IndexedStmt interface {
	ReplayIndex() int
}

// ReplayIndex reports the log index s's operations are recorded under.
func (s *recordedStmt) ReplayIndex() int { return s.index }

var _ IndexedStmt = (*recordedStmt)(nil)

func (r *Recorder) PrepareContext(ctx context.Context, key rawconn.StatementKey) (rawconn.Stmt, error) {
	stmt, err := r.conn.PrepareContext(ctx, key)
	if err != nil {
		return nil, err
	}
	rs := &recordedStmt{stmt: stmt, recorder: r}
	if r.recording() {
		rs.index = r.log.NextStmtIndex()
		r.log.Record(Entry{Op: OpPrepare, StmtIndex: rs.index, Key: key})
	}
	return rs, nil
}

func (r *Recorder) ExecContext(ctx context.Context, sql string, args ...any) (int64, error) {
	n, err := r.conn.ExecContext(ctx, sql, args...)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpExec, SQL: sql, Args: args})
	}
	return n, err
}

func (r *Recorder) Commit(ctx context.Context) error {
	err := r.conn.Commit(ctx)
	if err == nil {
		r.log.Clear()
	}
	return err
}

func (r *Recorder) Rollback(ctx context.Context) error {
	err := r.conn.Rollback(ctx)
	if err == nil {
		r.log.Clear()
	}
	return err
}

func (r *Recorder) RollbackTo(ctx context.Context, savepoint string) error {
	err := r.conn.RollbackTo(ctx, savepoint)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpRollbackTo, Savepoint: savepoint})
	}
	return err
}

func (r *Recorder) Savepoint(ctx context.Context, name string) error {
	err := r.conn.Savepoint(ctx, name)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpSavepoint, Savepoint: name})
	}
	return err
}

func (r *Recorder) ReleaseSavepoint(ctx context.Context, name string) error {
	err := r.conn.ReleaseSavepoint(ctx, name)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpReleaseSavepoint, Savepoint: name})
	}
	return err
}

func (r *Recorder) SetAutoCommit(ctx context.Context, autocommit bool) error {
	err := r.conn.SetAutoCommit(ctx, autocommit)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpSetAutoCommit, Bool: autocommit})
	}
	return err
}

func (r *Recorder) SetReadOnly(ctx context.Context, readOnly bool) error {
	err := r.conn.SetReadOnly(ctx, readOnly)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpSetReadOnly, Bool: readOnly})
	}
	return err
}

func (r *Recorder) SetCatalog(ctx context.Context, catalog string) error {
	err := r.conn.SetCatalog(ctx, catalog)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpSetCatalog, SQL: catalog})
	}
	return err
}

func (r *Recorder) SetTransactionIsolation(ctx context.Context, level int) error {
	err := r.conn.SetTransactionIsolation(ctx, level)
	if err == nil && r.recording() {
		r.log.Record(Entry{Op: OpSetTransactionIsolation, Int: level})
	}
	return err
}

func (r *Recorder) ClearWarnings(ctx context.Context) error { return r.conn.ClearWarnings(ctx) }
func (r *Recorder) Ping(ctx context.Context) error          { return r.conn.Ping(ctx) }
func (r *Recorder) Close() error                            { return r.conn.Close() }

var _ rawconn.Conn = (*Recorder)(nil)

// recordedStmt wraps a prepared statement obtained through a Recorder so
// executions against it are appended under the statement's recorded index.
type recordedStmt struct {
	stmt     rawconn.Stmt
	recorder *Recorder
	index    int
}

func (s *recordedStmt) ExecContext(ctx context.Context, args ...any) (int64, error) {
	n, err := s.stmt.ExecContext(ctx, args...)
	if err == nil && s.recorder.recording() {
		s.recorder.log.Record(Entry{Op: OpStmtExec, StmtIndex: s.index, Args: args})
	}
	return n, err
}

func (s *recordedStmt) QueryContext(ctx context.Context, args ...any) (rawconn.Rows, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err == nil && s.recorder.recording() {
		s.recorder.log.Record(Entry{Op: OpStmtQuery, StmtIndex: s.index, Args: args})
	}
	return rows, err
}

func (s *recordedStmt) Close() error { return s.stmt.Close() }

var _ rawconn.Stmt = (*recordedStmt)(nil)
