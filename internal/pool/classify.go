package pool

import (
	"github.com/rlavoura/dbpool/pkg/hooks"
	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// failureClass is the outcome of classifying a driver error against its SQL
// state, ported from ConnectionHandle.markPossiblyBroken's decision table.
type failureClass int

const (
	// classDataError means the statement failed but the connection itself
	// is presumed healthy — a constraint violation, for instance.
	classDataError failureClass = iota
	// classConnectionBroken means this one physical connection should be
	// discarded rather than returned to its partition.
	classConnectionBroken
	// classDatabaseDown means every connection in every partition should be
	// terminated, since the database itself is presumed unreachable.
	classDatabaseDown
)

// safetyDefaultSQLState is substituted when an error carries no SQL state at
// all — ConnectionHandle treats a null SQLException.getSQLState() this way.
const safetyDefaultSQLState = "08999"

// dbFailureCodes are SQL states that indicate the database itself, not just
// this connection, is unreachable.
var dbFailureCodes = map[string]bool{
	"08001": true,
	"08007": true,
	"08S01": true,
	"57P01": true,
}

// sqlState recovers a SQL state from err, falling back to the safety default
// when err does not implement rawconn.SQLStater.
func sqlState(err error) string {
	if ss, ok := err.(rawconn.SQLStater); ok {
		if s := ss.SQLState(); s != "" {
			return s
		}
	}
	return safetyDefaultSQLState
}

// looksBroken reports whether a SQL state, independent of any hook opinion,
// indicates the connection is possibly broken: the original table matches
// "40001", "HY000", anything starting with "08", or any code whose first
// character is between '5' and '9'.
func looksBroken(state string) bool {
	if state == "40001" || state == "HY000" {
		return true
	}
	if len(state) == 0 {
		return false
	}
	if len(state) >= 2 && state[:2] == "08" {
		return true
	}
	c := state[0]
	return c >= '5' && c <= '9'
}

// classifyFailure ports ConnectionHandle.markPossiblyBroken: the hook's
// OnMarkPossiblyBroken is consulted first and can force a database-down or
// connection-broken verdict regardless of the SQL-state table; whichever way
// the "this looks broken" verdict was reached, OnConnectionException then
// gets a chance to veto it — including for a database-down verdict, per the
// Java source, where terminateAllConnections still fires unconditionally but
// whether this particular handle is flagged possibly-broken remains
// vetoable. The second return value reports the post-veto broken flag.
func classifyFailure(hook hooks.Hook, handle any, err error) (failureClass, bool) {
	state := sqlState(err)

	markResult := hooks.NOP
	if hook != nil {
		markResult = hook.OnMarkPossiblyBroken(handle, state, err)
	}

	terminateAll := dbFailureCodes[state] || markResult == hooks.TerminateAllConnections
	broken := looksBroken(state) || markResult == hooks.ConnectionPossiblyBroken

	if broken && hook != nil {
		broken = hook.OnConnectionException(handle, state, err)
	}

	switch {
	case terminateAll:
		return classDatabaseDown, broken
	case broken:
		return classConnectionBroken, true
	default:
		return classDataError, false
	}
}
