package replay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// fakeConn is a minimal rawconn.Conn test double recording calls made
// against it.
type fakeConn struct {
	execs     []string
	committed bool
	failExec  bool
}

func (f *fakeConn) PrepareContext(ctx context.Context, key rawconn.StatementKey) (rawconn.Stmt, error) {
	return &fakeStmt{}, nil
}
func (f *fakeConn) ExecContext(ctx context.Context, sql string, args ...any) (int64, error) {
	if f.failExec {
		return 0, errors.New("boom")
	}
	f.execs = append(f.execs, sql)
	return 1, nil
}
func (f *fakeConn) Commit(ctx context.Context) error                             { f.committed = true; return nil }
func (f *fakeConn) Rollback(ctx context.Context) error                           { return nil }
func (f *fakeConn) RollbackTo(ctx context.Context, savepoint string) error       { return nil }
func (f *fakeConn) Savepoint(ctx context.Context, name string) error             { return nil }
func (f *fakeConn) ReleaseSavepoint(ctx context.Context, name string) error      { return nil }
func (f *fakeConn) SetAutoCommit(ctx context.Context, autocommit bool) error     { return nil }
func (f *fakeConn) SetReadOnly(ctx context.Context, readOnly bool) error         { return nil }
func (f *fakeConn) SetCatalog(ctx context.Context, catalog string) error         { return nil }
func (f *fakeConn) SetTransactionIsolation(ctx context.Context, level int) error { return nil }
func (f *fakeConn) ClearWarnings(ctx context.Context) error                      { return nil }
func (f *fakeConn) Ping(ctx context.Context) error                               { return nil }
func (f *fakeConn) Close() error                                                 { return nil }

type fakeStmt struct{}

func (s *fakeStmt) ExecContext(ctx context.Context, args ...any) (int64, error) { return 1, nil }
func (s *fakeStmt) QueryContext(ctx context.Context, args ...any) (rawconn.Rows, error) {
	return &fakeRows{}, nil
}
func (s *fakeStmt) Close() error { return nil }

type fakeRows struct{}

func (r *fakeRows) Next() bool             { return false }
func (r *fakeRows) Scan(dest ...any) error { return nil }
func (r *fakeRows) Close() error           { return nil }
func (r *fakeRows) Err() error             { return nil }

func TestReplaySucceedsAndCommits(t *testing.T) {
	log := NewLog()
	log.Record(Entry{Op: OpExec, SQL: "INSERT INTO t VALUES (1)"})
	log.Record(Entry{Op: OpExec, SQL: "INSERT INTO t VALUES (2)"})
	log.Record(Entry{Op: OpCommit})

	fresh := &fakeConn{}
	_, err := NewReplayer().Replay(context.Background(), log, fresh)
	require.NoError(t, err)
	require.Len(t, fresh.execs, 2)
	require.True(t, fresh.committed)
}

func TestReplayAbortsOnFirstFailure(t *testing.T) {
	log := NewLog()
	log.Record(Entry{Op: OpExec, SQL: "INSERT INTO t VALUES (1)"})
	log.Record(Entry{Op: OpCommit})

	fresh := &fakeConn{failExec: true}
	_, err := NewReplayer().Replay(context.Background(), log, fresh)
	require.Error(t, err)

	var brokenErr *BrokenError
	require.ErrorAs(t, err, &brokenErr)
	require.Equal(t, 0, brokenErr.EntryIndex)
	require.False(t, fresh.committed)
}

func TestReplayPrepareAndExecuteRemapsStatementIndex(t *testing.T) {
	log := NewLog()
	idx := log.NextStmtIndex()
	log.Record(Entry{Op: OpPrepare, StmtIndex: idx, Key: rawconn.StatementKey{SQL: "SELECT 1"}})
	log.Record(Entry{Op: OpStmtExec, StmtIndex: idx})

	fresh := &fakeConn{}
	result, err := NewReplayer().Replay(context.Background(), log, fresh)
	require.NoError(t, err)
	_, ok := result.Get(idx)
	require.True(t, ok)
}

func TestLogClearResetsState(t *testing.T) {
	log := NewLog()
	log.Record(Entry{Op: OpExec, SQL: "x"})
	require.Equal(t, 1, log.Len())
	log.Clear()
	require.Equal(t, 0, log.Len())
}
