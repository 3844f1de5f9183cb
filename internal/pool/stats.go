package pool

import "sync/atomic"

// Statistics holds the pool-wide atomic counters exposed to callers via
// Pool.Statistics and mirrored into the Prometheus collectors in
// internal/metrics when Config.StatisticsEnabled is true.
type Statistics struct {
	statementsPrepared    atomic.Int64
	prepareTimeTotalNanos atomic.Int64
	cacheHits             atomic.Int64
	cacheMisses           atomic.Int64
	connectionsRequested  atomic.Int64
	waitTimeTotalNanos    atomic.Int64
	connectionsCreated    atomic.Int64
	connectionsDestroyed  atomic.Int64
}

// StatisticsSnapshot is a point-in-time copy of Statistics, safe to read
// without further synchronization.
type StatisticsSnapshot struct {
	StatementsPrepared    int64
	PrepareTimeTotalNanos int64
	CacheHits             int64
	CacheMisses           int64
	ConnectionsRequested  int64
	WaitTimeTotalNanos    int64
	ConnectionsCreated    int64
	ConnectionsDestroyed  int64
}

func (s *Statistics) recordPrepare(durationNanos int64) {
	s.statementsPrepared.Add(1)
	s.prepareTimeTotalNanos.Add(durationNanos)
}

func (s *Statistics) recordCacheHit() {
	s.cacheHits.Add(1)
}

func (s *Statistics) recordCacheMiss() {
	s.cacheMisses.Add(1)
}

func (s *Statistics) recordAcquire(waitNanos int64) {
	s.connectionsRequested.Add(1)
	s.waitTimeTotalNanos.Add(waitNanos)
}

func (s *Statistics) recordConnectionCreated() {
	s.connectionsCreated.Add(1)
}

func (s *Statistics) recordConnectionDestroyed() {
	s.connectionsDestroyed.Add(1)
}

// Snapshot returns a consistent-enough copy of the current counters. Because
// each field is an independent atomic, the snapshot is not a single atomic
// transaction across fields — a best-effort view is all callers need from
// statistics.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		StatementsPrepared:    s.statementsPrepared.Load(),
		PrepareTimeTotalNanos: s.prepareTimeTotalNanos.Load(),
		CacheHits:             s.cacheHits.Load(),
		CacheMisses:           s.cacheMisses.Load(),
		ConnectionsRequested:  s.connectionsRequested.Load(),
		WaitTimeTotalNanos:    s.waitTimeTotalNanos.Load(),
		ConnectionsCreated:    s.connectionsCreated.Load(),
		ConnectionsDestroyed:  s.connectionsDestroyed.Load(),
	}
}
