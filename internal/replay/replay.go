// Package replay implements transaction recording and replay: while a
// transaction is open, every operation issued against a connection's raw
// connection is appended to a log; if the connection dies mid-transaction,
// the failure is still returned to the caller, who may then have the pool
// (Pool.Recover) obtain a fresh physical connection and replay the log
// against it so the transaction can continue there.
package replay

import (
	"context"
	"fmt"

	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// Op identifies which rawconn.Conn or rawconn.Stmt method an Entry recorded.
type Op int

const (
	OpExec Op = iota
	OpPrepare
	OpStmtExec
	OpStmtQuery
	OpCommit
	OpRollback
	OpRollbackTo
	OpSavepoint
	OpReleaseSavepoint
	OpSetAutoCommit
	OpSetReadOnly
	OpSetCatalog
	OpSetTransactionIsolation
)

// Entry is one recorded operation: which method, against which statement (by
// index into the log's own statement table, 0 meaning "the connection
// itself"), with what arguments.
type Entry struct {
	Op        Op
	StmtIndex int
	SQL       string
	Key       rawconn.StatementKey
	Args      []any
	Savepoint string
	Bool      bool
	Int       int
}

// Log is the ordered sequence of operations recorded for one open
// transaction. It is cleared on commit or rollback and is only ever touched
// by the goroutine holding the owning handle checked out, so it needs no
// locking of its own.
type Log struct {
	entries    []Entry
	stmtCount  int
}

// NewLog returns an empty replay log.
func NewLog() *Log {
	return &Log{}
}

// Record appends an entry to the log.
func (l *Log) Record(e Entry) {
	l.entries = append(l.entries, e)
}

// NextStmtIndex reserves and returns the index a newly prepared statement
// should be recorded under.
func (l *Log) NextStmtIndex() int {
	l.stmtCount++
	return l.stmtCount
}

// Clear empties the log, called on commit or rollback.
func (l *Log) Clear() {
	l.entries = l.entries[:0]
	l.stmtCount = 0
}

// Len reports the number of recorded operations.
func (l *Log) Len() int {
	return len(l.entries)
}

// TransactionRecoveryResult remaps statement indices recorded against the
// dead connection to the freshly prepared statements obtained while
// replaying against a new one.
type TransactionRecoveryResult struct {
	stmts map[int]rawconn.Stmt
}

// NewTransactionRecoveryResult returns an empty remap.
func NewTransactionRecoveryResult() *TransactionRecoveryResult {
	return &TransactionRecoveryResult{stmts: make(map[int]rawconn.Stmt)}
}

func (r *TransactionRecoveryResult) put(index int, stmt rawconn.Stmt) {
	r.stmts[index] = stmt
}

// Get looks up the fresh statement replayed under index, for a caller that
// holds a reference to the statement as it existed on the dead connection
// and needs to remap it onto the live one.
func (r *TransactionRecoveryResult) Get(index int) (rawconn.Stmt, bool) {
	s, ok := r.stmts[index]
	return s, ok
}

// BrokenError is returned by Replay when an operation in the log itself
// fails while replaying against the fresh connection, meaning recovery could
// not complete and the caller must surface the original failure.
type BrokenError struct {
	EntryIndex int
	Err        error
}

func (e *BrokenError) Error() string {
	return fmt.Sprintf("replay: operation %d failed: %v", e.EntryIndex, e.Err)
}

func (e *BrokenError) Unwrap() error { return e.Err }

// Replayer walks a Log against a freshly obtained rawconn.Conn, substituting
// statement references via a TransactionRecoveryResult as it goes. Replay
// succeeds iff every recorded operation replays without error; the first
// failure aborts and is reported as a *BrokenError.
type Replayer struct{}

// NewReplayer returns a Replayer. It holds no state of its own; a value
// receiver would do just as well, but the type exists so call sites read as
// "construct a replayer, then use it" the same way the pool's other
// collaborators are constructed.
func NewReplayer() *Replayer { return &Replayer{} }

// Replay applies every entry in log against fresh in order, returning the
// TransactionRecoveryResult built up so the caller's already-held statement
// references can be remapped afterward.
func (r *Replayer) Replay(ctx context.Context, log *Log, fresh rawconn.Conn) (*TransactionRecoveryResult, error) {
	result := NewTransactionRecoveryResult()

	for i, e := range log.entries {
		if err := r.replayOne(ctx, e, fresh, result); err != nil {
			return nil, &BrokenError{EntryIndex: i, Err: err}
		}
	}

	return result, nil
}

func (r *Replayer) replayOne(ctx context.Context, e Entry, fresh rawconn.Conn, result *TransactionRecoveryResult) error {
	switch e.Op {
	case OpExec:
		_, err := fresh.ExecContext(ctx, e.SQL, e.Args...)
		return err
	case OpPrepare:
		stmt, err := fresh.PrepareContext(ctx, e.Key)
		if err != nil {
			return err
		}
		result.put(e.StmtIndex, stmt)
		return nil
	case OpStmtExec:
		stmt, ok := result.Get(e.StmtIndex)
		if !ok {
			return fmt.Errorf("replay: no statement recorded for index %d", e.StmtIndex)
		}
		_, err := stmt.ExecContext(ctx, e.Args...)
		return err
	case OpStmtQuery:
		stmt, ok := result.Get(e.StmtIndex)
		if !ok {
			return fmt.Errorf("replay: no statement recorded for index %d", e.StmtIndex)
		}
		rows, err := stmt.QueryContext(ctx, e.Args...)
		if err != nil {
			return err
		}
		return rows.Close()
	case OpCommit:
		return fresh.Commit(ctx)
	case OpRollback:
		return fresh.Rollback(ctx)
	case OpRollbackTo:
		return fresh.RollbackTo(ctx, e.Savepoint)
	case OpSavepoint:
		return fresh.Savepoint(ctx, e.Savepoint)
	case OpReleaseSavepoint:
		return fresh.ReleaseSavepoint(ctx, e.Savepoint)
	case OpSetAutoCommit:
		return fresh.SetAutoCommit(ctx, e.Bool)
	case OpSetReadOnly:
		return fresh.SetReadOnly(ctx, e.Bool)
	case OpSetCatalog:
		return fresh.SetCatalog(ctx, e.SQL)
	case OpSetTransactionIsolation:
		return fresh.SetTransactionIsolation(ctx, e.Int)
	default:
		return fmt.Errorf("replay: unknown op %d", e.Op)
	}
}
