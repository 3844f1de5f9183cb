package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rlavoura/dbpool/pkg/hooks"
)

func TestClassifyFailureSQLStateTable(t *testing.T) {
	cases := []struct {
		name  string
		state string
		want  failureClass
	}{
		{"database down - connection refused", "08001", classDatabaseDown},
		{"database down - network failure during execute", "08007", classDatabaseDown},
		{"database down - communication link failure", "08S01", classDatabaseDown},
		{"database down - admin shutdown", "57P01", classDatabaseDown},
		{"connection broken - serialization failure", "40001", classConnectionBroken},
		{"connection broken - generic driver error", "HY000", classConnectionBroken},
		{"connection broken - 08 prefix not in down table", "08999", classConnectionBroken},
		{"connection broken - high first digit", "58030", classConnectionBroken},
		{"data error - constraint violation", "23000", classDataError},
		{"connection broken - no sql state at all falls back to 08999", "", classConnectionBroken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := &sqlStateErr{state: tc.state, msg: "boom"}
			got, _ := classifyFailure(nil, nil, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyFailureNilSQLStateUsesSafetyDefault(t *testing.T) {
	// An error with no SQLState() method at all should be treated as the
	// 08999 safety default, which classifies as connection-broken.
	got, broken := classifyFailure(nil, nil, errors.New("opaque driver error"))
	require.Equal(t, classConnectionBroken, got)
	require.True(t, broken)
}

// hookStub lets tests steer classification without implementing the full
// hooks.Hook interface inline at every call site.
type hookStub struct {
	hooks.NopHook
	markResult    hooks.ConnectionState
	vetoException bool
}

func (h *hookStub) OnMarkPossiblyBroken(handle any, sqlState string, err error) hooks.ConnectionState {
	return h.markResult
}

func (h *hookStub) OnConnectionException(handle any, sqlState string, err error) bool {
	return !h.vetoException
}

func TestClassifyFailureHookCanForceTerminateAll(t *testing.T) {
	hook := &hookStub{markResult: hooks.TerminateAllConnections}
	err := &sqlStateErr{state: "23000", msg: "would otherwise be a data error"}

	got, broken := classifyFailure(hook, nil, err)
	require.Equal(t, classDatabaseDown, got)
	require.False(t, broken)
}

func TestClassifyFailureHookCanVetoConnectionBroken(t *testing.T) {
	hook := &hookStub{markResult: hooks.NOP, vetoException: true}
	err := &sqlStateErr{state: "40001", msg: "serialization failure"}

	got, broken := classifyFailure(hook, nil, err)
	require.Equal(t, classDataError, got)
	require.False(t, broken)
}

// TestClassifyFailureHookCanVetoDatabaseDownBrokenFlag exercises the Java
// source's two-phase check: a SQL state that also triggers DATABASE_DOWN
// (every entry in dbFailureCodes also satisfies looksBroken, by the "08"
// prefix or, for 57P01, a first character of '5') still runs through
// OnConnectionException before this handle is
// flagged possibly-broken, even though terminateAllConnections fires either
// way.
func TestClassifyFailureHookCanVetoDatabaseDownBrokenFlag(t *testing.T) {
	hook := &hookStub{markResult: hooks.NOP, vetoException: true}
	err := &sqlStateErr{state: "08001", msg: "connection refused"}

	got, broken := classifyFailure(hook, nil, err)
	require.Equal(t, classDatabaseDown, got)
	require.False(t, broken)
}

func TestClassifyFailureDatabaseDownBrokenFlagSurvivesWithoutVeto(t *testing.T) {
	hook := &hookStub{markResult: hooks.NOP, vetoException: false}
	err := &sqlStateErr{state: "08001", msg: "connection refused"}

	got, broken := classifyFailure(hook, nil, err)
	require.Equal(t, classDatabaseDown, got)
	require.True(t, broken)
}
