package pool

import (
	"strconv"

	"github.com/rlavoura/dbpool/internal/metrics"
)

// metricsRecorder fans Pool-internal events out to the Prometheus collectors
// in internal/metrics, when enabled. It exists mainly to avoid scattering
// strconv.Itoa(partitionIndex) calls and enabled-checks across handle.go and
// partition.go.
type metricsRecorder struct {
	enabled bool
}

func newMetricsRecorder(enabled bool) *metricsRecorder {
	return &metricsRecorder{enabled: enabled}
}

// occupancy sets the active/idle gauges for one partition, matching the
// teacher's own periodic bp.updateMetrics pattern.
func (m *metricsRecorder) occupancy(partitionIndex, free, created int) {
	if !m.enabled {
		return
	}
	idx := strconv.Itoa(partitionIndex)
	metrics.ConnectionsIdle.WithLabelValues(idx).Set(float64(free))
	metrics.ConnectionsActive.WithLabelValues(idx).Set(float64(created - free))
}

func (m *metricsRecorder) connectionCreated(partitionIndex int) {
	if !m.enabled {
		return
	}
	metrics.ConnectionsCreated.WithLabelValues(strconv.Itoa(partitionIndex)).Inc()
}

func (m *metricsRecorder) connectionDestroyed(partitionIndex int, reason string) {
	if !m.enabled {
		return
	}
	metrics.ConnectionsDestroyed.WithLabelValues(strconv.Itoa(partitionIndex), reason).Inc()
}

func (m *metricsRecorder) acquire(partitionIndex int, outcome string) {
	if !m.enabled {
		return
	}
	metrics.AcquireTotal.WithLabelValues(strconv.Itoa(partitionIndex), outcome).Inc()
}

func (m *metricsRecorder) acquireWait(partitionIndex int, seconds float64) {
	if !m.enabled {
		return
	}
	metrics.AcquireWaitDuration.WithLabelValues(strconv.Itoa(partitionIndex)).Observe(seconds)
}

func (m *metricsRecorder) cacheHit(partitionIndex int) {
	if !m.enabled {
		return
	}
	metrics.StatementCacheHits.WithLabelValues(strconv.Itoa(partitionIndex)).Inc()
}

func (m *metricsRecorder) cacheMiss(partitionIndex int) {
	if !m.enabled {
		return
	}
	metrics.StatementCacheMisses.WithLabelValues(strconv.Itoa(partitionIndex)).Inc()
}

func (m *metricsRecorder) connectionErrors(partitionIndex int, classification string) {
	if !m.enabled {
		return
	}
	metrics.ConnectionErrors.WithLabelValues(strconv.Itoa(partitionIndex), classification).Inc()
}

func (m *metricsRecorder) possiblyBroken(partitionIndex int) {
	if !m.enabled {
		return
	}
	metrics.PossiblyBroken.WithLabelValues(strconv.Itoa(partitionIndex)).Inc()
}

func (m *metricsRecorder) terminateAll(partitionIndex int) {
	if !m.enabled {
		return
	}
	metrics.TerminateAllEvents.WithLabelValues(strconv.Itoa(partitionIndex)).Inc()
}

func (m *metricsRecorder) transactionReplay(partitionIndex int, outcome string) {
	if !m.enabled {
		return
	}
	metrics.TransactionReplays.WithLabelValues(strconv.Itoa(partitionIndex), outcome).Inc()
}
