// Package metrics defines the Prometheus collectors the pool exposes. Every
// vector is labeled by partition_index so a caller running several
// partitions can see skew between them; this mirrors the Statistics struct
// in internal/pool/stats.go, which the pool updates in lockstep with these
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of checked-out connections per
	// partition.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_active",
		Help: "Number of connections currently checked out, per partition",
	}, []string{"partition_index"})

	// ConnectionsIdle tracks the number of free connections per partition.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbpool_connections_idle",
		Help: "Number of idle connections in the free queue, per partition",
	}, []string{"partition_index"})

	// ConnectionsCreated counts physical connections dialed per partition.
	ConnectionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_connections_created_total",
		Help: "Total physical connections dialed, per partition",
	}, []string{"partition_index"})

	// ConnectionsDestroyed counts physical connections closed per partition,
	// broken out by the reason they were retired.
	ConnectionsDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_connections_destroyed_total",
		Help: "Total physical connections closed, per partition",
	}, []string{"partition_index", "reason"})

	// AcquireTotal counts acquire attempts by outcome.
	AcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_acquire_total",
		Help: "Total acquire attempts",
	}, []string{"partition_index", "outcome"})

	// AcquireWaitDuration tracks the time callers spend waiting for a free
	// connection.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbpool_acquire_wait_seconds",
		Help:    "Time spent waiting in Acquire for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"partition_index"})

	// StatementCacheHits and StatementCacheMisses count statement cache
	// lookups.
	StatementCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_statement_cache_hits_total",
		Help: "Total statement cache hits",
	}, []string{"partition_index"})

	StatementCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_statement_cache_misses_total",
		Help: "Total statement cache misses",
	}, []string{"partition_index"})

	// ConnectionErrors counts classified failures by the classification the
	// pool assigned them.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_connection_errors_total",
		Help: "Total connection errors by classification",
	}, []string{"partition_index", "classification"})

	// PossiblyBroken counts handles flagged possibly-broken.
	PossiblyBroken = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_possibly_broken_total",
		Help: "Total handles flagged possibly broken",
	}, []string{"partition_index"})

	// TerminateAllEvents counts pool-wide terminations triggered by a
	// DATABASE_DOWN classification.
	TerminateAllEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_terminate_all_total",
		Help: "Total times all connections in a partition were terminated",
	}, []string{"partition_index"})

	// TransactionReplays counts transaction replays attempted through
	// Pool.Recover after connection loss, by outcome.
	TransactionReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbpool_transaction_replays_total",
		Help: "Total transaction replays attempted after connection loss",
	}, []string{"partition_index", "outcome"})
)
