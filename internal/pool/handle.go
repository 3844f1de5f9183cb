package pool

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rlavoura/dbpool/internal/replay"
	"github.com/rlavoura/dbpool/internal/stmtcache"
	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// watchdogThreshold is how long a checked-out handle may go unreturned
// before the optional watchdog logs a warning. closeConnectionWatch carries
// no separate timeout knob in the configuration surface, so this constant
// stands in for it.
const watchdogThreshold = 5 * time.Minute

// ConnectionHandle is the logical wrapper client code actually holds. It
// forwards every operation to a raw connection (optionally through a replay
// recorder), intercepting failures for classification and routing statement
// preparation through a per-handle cache. A handle is confined to the
// goroutine that currently has it checked out; the pool never hands the same
// handle to two goroutines concurrently.
type ConnectionHandle struct {
	pool      *Pool
	partition *partition
	id        uint64

	raw      rawconn.Conn
	recorder *replay.Recorder
	client   rawconn.Conn // raw, or recorder when transaction recovery is enabled

	stmtCache     *stmtcache.Cache
	callableCache *stmtcache.Cache
	replayLog     *replay.Log

	// openStmts tracks statements this handle has prepared but the client
	// has not yet closed. Only consulted when Config.CloseConnectionWatch
	// is on, to audit for statement leaks at release time; confined to the
	// owning goroutine like the caches themselves.
	openStmts map[*CachedStmt]struct{}

	// liveStmts tracks statements currently held open by the client, keyed
	// by their replay-log index, so Pool.Recover can splice the freshly
	// replayed statement back into the client's existing CachedStmt instead
	// of leaving it bound to the connection Recover is about to close. Only
	// populated when Config.TransactionRecoveryEnabled is on.
	liveStmts map[int]*CachedStmt

	createdAt   time.Time
	lastUsedAt  atomic.Int64
	lastResetAt atomic.Int64

	logicallyClosed atomic.Bool
	possiblyBroken  atomic.Bool
	inReplayMode    atomic.Bool

	closeStack []byte

	// debugHandle is an opaque value a caller may attach via SetDebugHandle,
	// surfaced back to it through DebugHandle; the pool never interprets it.
	debugHandle atomic.Pointer[any]

	watchdogCancel context.CancelFunc
}

func newConnectionHandle(id uint64, p *Pool, part *partition, raw rawconn.Conn) *ConnectionHandle {
	h := &ConnectionHandle{
		pool:          p,
		partition:     part,
		id:            id,
		raw:           raw,
		stmtCache:     stmtcache.New(p.cfg.StatementsCacheSize),
		callableCache: stmtcache.New(p.cfg.StatementsCacheSize),
		openStmts:     make(map[*CachedStmt]struct{}),
		createdAt:     time.Now(),
	}
	h.logicallyClosed.Store(true) // starts life not checked out to anyone

	if p.cfg.TransactionRecoveryEnabled {
		h.replayLog = replay.NewLog()
		h.recorder = replay.NewRecorder(raw, h.replayLog)
		h.client = h.recorder
		h.liveStmts = make(map[int]*CachedStmt)
	} else {
		h.client = raw
	}

	return h
}

// ID returns the handle's pool-assigned identifier, for logging.
func (h *ConnectionHandle) ID() uint64 { return h.id }

// SetDebugHandle attaches an opaque value a caller wants to retrieve later
// via DebugHandle; the pool never inspects it.
func (h *ConnectionHandle) SetDebugHandle(v any) { h.debugHandle.Store(&v) }

// DebugHandle returns whatever was last attached via SetDebugHandle, or nil.
func (h *ConnectionHandle) DebugHandle() any {
	p := h.debugHandle.Load()
	if p == nil {
		return nil
	}
	return *p
}

// IsClosed reports whether the handle has been logically closed.
func (h *ConnectionHandle) IsClosed() bool { return h.logicallyClosed.Load() }

// IsPossiblyBroken reports whether a prior operation classified this
// handle's underlying connection as possibly broken.
func (h *ConnectionHandle) IsPossiblyBroken() bool { return h.possiblyBroken.Load() }

// checkNotClosed is the guard every delegated operation runs first.
func (h *ConnectionHandle) checkNotClosed() error {
	if h.logicallyClosed.Load() {
		return ErrOperationOnClosedHandle
	}
	return nil
}

// classify wraps a delegated-call error per the failure classification
// table: DATABASE_DOWN terminates every partition's connections,
// CONNECTION_BROKEN flags this handle for retirement on release, DATA_ERROR
// passes through untouched apart from annotation. Classification never
// swallows the original error.
func (h *ConnectionHandle) classify(err error) error {
	if err == nil {
		return nil
	}

	class, broken := classifyFailure(h.pool.hook, h, err)
	switch class {
	case classDatabaseDown:
		h.possiblyBroken.Store(broken)
		h.pool.metrics.connectionErrors(h.partition.index, "database_down")
		h.pool.TerminateAllConnections()
		return fmt.Errorf("%w: %w", ErrDatabaseDown, err)
	case classConnectionBroken:
		h.possiblyBroken.Store(broken)
		h.pool.metrics.connectionErrors(h.partition.index, "connection_broken")
		return fmt.Errorf("%w: %w", ErrConnectionBroken, err)
	default:
		h.pool.metrics.connectionErrors(h.partition.index, "data_error")
		return fmt.Errorf("%w: %w", ErrDataError, err)
	}
}

// Close logically closes the handle and hands it to the pool's release
// queue; the underlying physical connection is not touched here. Close is
// idempotent. When Config.CloseConnectionWatch is enabled, a second call
// logs both the stack captured at the first close and the stack of the
// second call, but never returns an error for it.
func (h *ConnectionHandle) Close() error {
	first := h.logicallyClosed.CompareAndSwap(false, true)
	if !first {
		if h.pool.cfg.CloseConnectionWatch {
			log.Printf("dbpool: double close of connection %d\nfirst close:\n%s\nsecond close:\n%s",
				h.id, h.closeStack, debug.Stack())
		}
		return nil
	}

	if h.pool.cfg.CloseConnectionWatch {
		h.closeStack = debug.Stack()
		h.auditOpenStatements()
	}
	if h.watchdogCancel != nil {
		h.watchdogCancel()
		h.watchdogCancel = nil
	}
	if h.pool.hook != nil {
		h.pool.hook.OnCheckIn(h)
	}

	h.pool.enqueueRelease(h)
	return nil
}

// renewConnection is called by the Pool at checkout: it reopens the handle
// for use, records the checkout time, and — when closeConnectionWatch is on
// — starts a watchdog goroutine that advisorially warns about long-lived
// checkouts.
func (h *ConnectionHandle) renewConnection() {
	h.logicallyClosed.Store(false)
	h.closeStack = nil
	now := time.Now()
	h.lastUsedAt.Store(now.UnixNano())

	if h.recorder != nil {
		h.recorder.Resume()
	}

	if h.pool.cfg.CloseConnectionWatch {
		ctx, cancel := context.WithCancel(context.Background())
		h.watchdogCancel = cancel
		go h.watchdog(ctx)
	}

	if h.pool.hook != nil {
		h.pool.hook.OnCheckOut(h)
	}
}

// auditOpenStatements logs every statement this handle prepared that the
// client never closed, each alongside the stack captured at the call site
// that prepared it. Only runs when Config.CloseConnectionWatch is on; it is
// the "walks the cache on release and logs any statement whose
// corresponding client handle is still marked open" leak audit.
func (h *ConnectionHandle) auditOpenStatements() {
	for cs := range h.openStmts {
		log.Printf("dbpool: connection %d released with statement still open, prepared at:\n%s", h.id, cs.openStack)
	}
}

func (h *ConnectionHandle) watchdog(ctx context.Context) {
	timer := time.NewTimer(watchdogThreshold)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		log.Printf("dbpool: connection %d has been checked out for over %s", h.id, watchdogThreshold)
	}
}

// internalClose physically retires the handle: it clears both statement
// caches (closing every cached statement), closes the raw connection, and
// marks the handle closed. Called by the pool, never by client code. reason
// labels why the handle is being retired, for the Prometheus destruction
// counter.
func (h *ConnectionHandle) internalClose(reason string) error {
	h.stmtCache.Clear()
	h.callableCache.Clear()
	h.openStmts = make(map[*CachedStmt]struct{})
	if h.liveStmts != nil {
		h.liveStmts = make(map[int]*CachedStmt)
	}
	h.logicallyClosed.Store(true)

	err := h.raw.Close()

	if h.pool.hook != nil {
		h.pool.hook.OnDestroy(h)
	}
	h.pool.stats.recordConnectionDestroyed()
	h.pool.metrics.connectionDestroyed(h.partition.index, reason)

	return err
}

// isExpired reports whether maxAge is enabled and this handle has outlived
// it.
func (h *ConnectionHandle) isExpired(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(h.createdAt) > maxAge
}

// idleDuration reports how long this handle has sat unused, for the
// keep-alive worker's retirement decision.
func (h *ConnectionHandle) idleDuration(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastUsedAt.Load()))
}

// sinceLastReset reports how long it has been since the last keep-alive
// probe, for the keep-alive worker's probing decision.
func (h *ConnectionHandle) sinceLastReset(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastResetAt.Load()))
}

// IsConnectionAlive runs the pool's keep-alive probe against the raw
// connection and records the attempt as a reset, regardless of outcome.
func (h *ConnectionHandle) IsConnectionAlive(ctx context.Context) bool {
	h.lastResetAt.Store(time.Now().UnixNano())
	return h.raw.Ping(ctx) == nil
}

func (h *ConnectionHandle) Commit(ctx context.Context) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	err := h.client.Commit(ctx)
	if err == nil && h.replayLog != nil {
		h.replayLog.Clear()
	}
	return h.classify(err)
}

func (h *ConnectionHandle) Rollback(ctx context.Context) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	err := h.client.Rollback(ctx)
	if err == nil && h.replayLog != nil {
		h.replayLog.Clear()
	}
	return h.classify(err)
}

func (h *ConnectionHandle) RollbackTo(ctx context.Context, savepoint string) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.RollbackTo(ctx, savepoint))
}

func (h *ConnectionHandle) Savepoint(ctx context.Context, name string) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.Savepoint(ctx, name))
}

func (h *ConnectionHandle) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.ReleaseSavepoint(ctx, name))
}

func (h *ConnectionHandle) SetAutoCommit(ctx context.Context, autocommit bool) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.SetAutoCommit(ctx, autocommit))
}

func (h *ConnectionHandle) SetReadOnly(ctx context.Context, readOnly bool) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.SetReadOnly(ctx, readOnly))
}

func (h *ConnectionHandle) SetCatalog(ctx context.Context, catalog string) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.SetCatalog(ctx, catalog))
}

func (h *ConnectionHandle) SetTransactionIsolation(ctx context.Context, level int) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.SetTransactionIsolation(ctx, level))
}

func (h *ConnectionHandle) ClearWarnings(ctx context.Context) error {
	if err := h.checkNotClosed(); err != nil {
		return err
	}
	return h.classify(h.client.ClearWarnings(ctx))
}

// ExecContext runs sql directly against the connection, outside of the
// statement cache.
func (h *ConnectionHandle) ExecContext(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := h.checkNotClosed(); err != nil {
		return 0, err
	}
	n, err := h.client.ExecContext(ctx, sql, args...)
	return n, h.classify(err)
}

// PrepareStatement prepares sql as a regular statement, consulting and
// populating the per-handle statement cache.
func (h *ConnectionHandle) PrepareStatement(ctx context.Context, key rawconn.StatementKey) (*CachedStmt, error) {
	return h.prepare(ctx, key, h.stmtCache)
}

// PrepareCall prepares sql as a callable statement, consulting and
// populating the separate per-handle callable-statement cache.
func (h *ConnectionHandle) PrepareCall(ctx context.Context, key rawconn.StatementKey) (*CachedStmt, error) {
	key.Callable = true
	return h.prepare(ctx, key, h.callableCache)
}

func (h *ConnectionHandle) prepare(ctx context.Context, key rawconn.StatementKey, cache *stmtcache.Cache) (*CachedStmt, error) {
	if err := h.checkNotClosed(); err != nil {
		return nil, err
	}

	cacheKey := stmtcache.Key(key)

	var stmt rawconn.Stmt
	if cache.Enabled() {
		if s, ok := cache.Get(cacheKey); ok {
			h.pool.stats.recordCacheHit()
			h.pool.metrics.cacheHit(h.partition.index)
			stmt = s
		} else {
			h.pool.stats.recordCacheMiss()
			h.pool.metrics.cacheMiss(h.partition.index)
		}
	}

	if stmt == nil {
		start := time.Now()
		var err error
		stmt, err = h.client.PrepareContext(ctx, key)
		if err != nil {
			return nil, h.classify(err)
		}
		h.pool.stats.recordPrepare(time.Since(start).Nanoseconds())
	}

	cs := &CachedStmt{handle: h, cache: cache, key: cacheKey, stmt: stmt}

	if h.liveStmts != nil {
		if ix, ok := stmt.(replay.IndexedStmt); ok {
			cs.replayIndex = ix.ReplayIndex()
			h.liveStmts[cs.replayIndex] = cs
		}
	}

	if h.pool.cfg.CloseConnectionWatch {
		cs.openStack = debug.Stack()
		h.openStmts[cs] = struct{}{}
	}
	return cs, nil
}

// CachedStmt is the client-facing statement handle returned by
// PrepareStatement/PrepareCall. Closing it does not close the underlying
// driver statement; instead it offers the statement back to its owning
// handle's cache, which closes it physically only if the cache is disabled.
// When the cache is full, its least recently used entry is evicted and
// closed to make room.
type CachedStmt struct {
	handle *ConnectionHandle
	cache  *stmtcache.Cache
	key    string
	stmt   rawconn.Stmt
	closed atomic.Bool

	// replayIndex is the replay log index this statement was prepared under,
	// or 0 if transaction recovery is disabled. Pool.Recover uses it to find
	// this CachedStmt in the owning handle's liveStmts and splice in the
	// statement obtained while replaying onto a fresh connection.
	replayIndex int

	openStack []byte
}

func (s *CachedStmt) ExecContext(ctx context.Context, args ...any) (int64, error) {
	if s.closed.Load() {
		return 0, ErrOperationOnClosedHandle
	}
	n, err := s.stmt.ExecContext(ctx, args...)
	return n, s.handle.classify(err)
}

func (s *CachedStmt) QueryContext(ctx context.Context, args ...any) (rawconn.Rows, error) {
	if s.closed.Load() {
		return nil, ErrOperationOnClosedHandle
	}
	rows, err := s.stmt.QueryContext(ctx, args...)
	return rows, s.handle.classify(err)
}

// Close offers the statement back to the cache rather than closing it. Safe
// to call more than once.
func (s *CachedStmt) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	delete(s.handle.openStmts, s)
	if s.handle.liveStmts != nil && s.replayIndex != 0 {
		delete(s.handle.liveStmts, s.replayIndex)
	}
	s.cache.Put(s.key, s.stmt)
	return nil
}
