// Package rawconn defines the boundary between the pool CORE and the database
// driver it sits on top of. The driver itself is an external collaborator: the
// pool never parses a connection string, never imports a specific driver, and
// never inspects driver-native types. It only ever talks to a Conn.
package rawconn

import "context"

// Stmt is a prepared or callable statement handle obtained from a Conn. It is
// opaque to the pool beyond the ability to execute it again and close it.
type Stmt interface {
	// ExecContext runs the statement and reports rows affected, matching the
	// database/sql.Result shape callers already expect.
	ExecContext(ctx context.Context, args ...any) (rowsAffected int64, err error)
	// QueryContext runs the statement and returns an opaque row cursor.
	QueryContext(ctx context.Context, args ...any) (Rows, error)
	// Close releases the driver-side resources for this statement. It is
	// called by the statement cache on eviction, never by client code
	// directly once a statement has been handed to the cache.
	Close() error
}

// Rows is the opaque cursor returned by Stmt.QueryContext.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Conn is the capability set the pool assumes a physical database connection
// provides. A concrete implementation (see pkg/sqladapter) bridges this to a
// real driver; the pool CORE never sees anything but this interface.
type Conn interface {
	PrepareContext(ctx context.Context, key StatementKey) (Stmt, error)
	ExecContext(ctx context.Context, sql string, args ...any) (rowsAffected int64, err error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	RollbackTo(ctx context.Context, savepoint string) error
	Savepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error

	SetAutoCommit(ctx context.Context, autocommit bool) error
	SetReadOnly(ctx context.Context, readOnly bool) error
	SetCatalog(ctx context.Context, catalog string) error
	SetTransactionIsolation(ctx context.Context, level int) error
	ClearWarnings(ctx context.Context) error

	// Ping is the keep-alive probe the pool's maintenance worker calls on
	// idle handles. Implementations may run a configured test query instead
	// of a native validity check.
	Ping(ctx context.Context) error

	Close() error
}

// StatementKey is the canonical key the pool's statement cache uses, derived
// from everything that changes the identity of a prepared statement. See
// internal/stmtcache for the derivation rules.
type StatementKey struct {
	SQL                   string
	ResultSetType         int
	ResultSetConcurrency  int
	ResultSetHoldability  int
	AutoGeneratedKeys     int
	ColumnIndexesKey      string
	ColumnNamesKey        string
	Callable              bool
}

// SQLStater is optionally implemented by errors returned from a Conn or Stmt
// method. When present, the pool's failure classifier uses it to extract a
// SQL-state code; this mirrors how go-sql-driver/mysql and lib/pq attach
// error codes to the errors they return. An error that does not implement it
// is treated as SQL-state "08999" (see internal/pool's classifier).
type SQLStater interface {
	SQLState() string
}

// Dialer obtains one new physical connection. It is the pool's only means of
// creating connections — the pool never owns a connection string, username,
// password, or driver name.
type Dialer func(ctx context.Context) (Conn, error)
