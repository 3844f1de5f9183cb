// Package sqladapter bridges database/sql to pkg/rawconn so the pool can sit
// on top of any database/sql driver without ever importing it directly. Each
// rawconn.Conn wraps one *sql.DB pinned to exactly one physical connection via
// SetMaxOpenConns(1)/SetMaxIdleConns(1) and SetConnMaxLifetime(0), so
// database/sql's own pooling never gets a chance to multiplex or recycle
// underneath us — lifetime management belongs entirely to the caller's Pool.
package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// Dial opens one physical connection through driverName/dsn and returns it as
// a rawconn.Conn. It is meant to be partially applied into a rawconn.Dialer:
//
//	dialer := func(ctx context.Context) (rawconn.Conn, error) {
//		return sqladapter.Dial(ctx, "mysql", dsn)
//	}
func Dial(ctx context.Context, driverName, dsn string) (rawconn.Conn, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", classify(err))
	}

	return &conn{db: db}, nil
}

// conn is the database/sql-backed rawconn.Conn. Transaction control is
// issued as raw SQL against the single physical connection, the same way a
// JDBC Connection's commit()/rollback()/setAutoCommit() operate directly on
// the connection rather than through a side object — database/sql's *sql.Tx
// has no equivalent for a pool that owns connection lifetime itself.
type conn struct {
	db *sql.DB
}

func (c *conn) PrepareContext(ctx context.Context, key rawconn.StatementKey) (rawconn.Stmt, error) {
	stmt, err := c.db.PrepareContext(ctx, key.SQL)
	if err != nil {
		return nil, classify(err)
	}
	return &preparedStmt{stmt: stmt}, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *conn) Commit(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "COMMIT")
	return classify(err)
}

func (c *conn) Rollback(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "ROLLBACK")
	return classify(err)
}

func (c *conn) RollbackTo(ctx context.Context, savepoint string) error {
	_, err := c.db.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(savepoint))
	return classify(err)
}

func (c *conn) Savepoint(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name))
	return classify(err)
}

func (c *conn) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
	return classify(err)
}

func (c *conn) SetAutoCommit(ctx context.Context, autocommit bool) error {
	val := "0"
	if autocommit {
		val = "1"
	}
	_, err := c.db.ExecContext(ctx, "SET autocommit = "+val)
	return classify(err)
}

func (c *conn) SetReadOnly(ctx context.Context, readOnly bool) error {
	mode := "READ WRITE"
	if readOnly {
		mode = "READ ONLY"
	}
	_, err := c.db.ExecContext(ctx, "SET SESSION TRANSACTION "+mode)
	return classify(err)
}

func (c *conn) SetCatalog(ctx context.Context, catalog string) error {
	_, err := c.db.ExecContext(ctx, "USE "+quoteIdent(catalog))
	return classify(err)
}

// isolationLevels mirrors the JDBC TRANSACTION_* constants the pool's
// ConnectionHandle accepts, so callers porting tuning values need no
// translation table of their own.
var isolationLevels = map[int]string{
	1: "READ UNCOMMITTED",
	2: "READ COMMITTED",
	4: "REPEATABLE READ",
	8: "SERIALIZABLE",
}

func (c *conn) SetTransactionIsolation(ctx context.Context, level int) error {
	name, ok := isolationLevels[level]
	if !ok {
		return fmt.Errorf("sqladapter: unknown isolation level %d", level)
	}
	_, err := c.db.ExecContext(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL "+name)
	return classify(err)
}

func (c *conn) ClearWarnings(ctx context.Context) error {
	// database/sql has no native warning buffer to clear; MySQL accumulates
	// per-statement warnings that the next statement implicitly supersedes,
	// so there is nothing to do here.
	return nil
}

func (c *conn) Ping(ctx context.Context) error {
	return classify(c.db.PingContext(ctx))
}

func (c *conn) Close() error {
	return c.db.Close()
}

// preparedStmt wraps *sql.Stmt as a rawconn.Stmt.
type preparedStmt struct {
	stmt *sql.Stmt
}

func (s *preparedStmt) ExecContext(ctx context.Context, args ...any) (int64, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *preparedStmt) QueryContext(ctx context.Context, args ...any) (rawconn.Rows, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, classify(err)
	}
	return &sqlRows{rows: rows}, nil
}

func (s *preparedStmt) Close() error {
	return s.stmt.Close()
}

// sqlRows wraps *sql.Rows as a rawconn.Rows.
type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return classify(r.rows.Scan(dest...)) }
func (r *sqlRows) Close() error           { return r.rows.Close() }
func (r *sqlRows) Err() error             { return classify(r.rows.Err()) }

// sqlStateError exposes a driver error's SQL state to the pool's failure
// classifier through rawconn.SQLStater.
type sqlStateError struct {
	err   error
	state string
}

func (e *sqlStateError) Error() string    { return e.err.Error() }
func (e *sqlStateError) Unwrap() error    { return e.err }
func (e *sqlStateError) SQLState() string { return e.state }

// mysqlSQLStates maps the handful of *mysql.MySQLError.Number codes the
// pool's failure classifier cares about onto ANSI SQL-state codes.
// go-sql-driver/mysql's MySQLError carries only a numeric Number, not an
// ANSI SQL state, so this is a deliberately small table rather than a
// general CR_*/ER_* translation; codes not listed here fall through and the
// classifier applies its "08999" safety default.
var mysqlSQLStates = map[uint16]string{
	2006: "08S01", // CR_SERVER_GONE_ERROR
	2013: "08S01", // CR_SERVER_LOST
	1053: "08S01", // ER_SERVER_SHUTDOWN
	1040: "08004", // ER_CON_COUNT_ERROR
	1042: "08S01", // ER_BAD_HOST_ERROR
	1205: "40001", // ER_LOCK_WAIT_TIMEOUT
}

// classify wraps a driver error so the pool's classifier can recover a SQL
// state from it, when the error number maps to one. Errors from other
// drivers, or unmapped mysql error numbers, pass through unchanged and the
// classifier falls back to its "08999" safety default.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if me, ok := err.(*mysql.MySQLError); ok {
		if state, ok := mysqlSQLStates[me.Number]; ok {
			return &sqlStateError{err: err, state: state}
		}
	}
	return err
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
