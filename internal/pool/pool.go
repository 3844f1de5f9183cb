// Package pool implements the partitioned connection pool: sharded
// partitions of physical connections, the logical ConnectionHandle wrapper
// that mediates every database operation, and the background workers that
// keep the pool healthy.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rlavoura/dbpool/internal/config"
	"github.com/rlavoura/dbpool/internal/replay"
	"github.com/rlavoura/dbpool/pkg/hooks"
	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// Pool shards connections across partitions and coordinates their lifecycle:
// checkout, asynchronous release, growth, keep-alive, and shutdown.
type Pool struct {
	cfg    *config.Config
	dialer rawconn.Dialer
	hook   hooks.Hook

	partitions []*partition
	nextPart   atomic.Uint64 // round-robin counter; Go has no stable per-goroutine ID to hash on

	nextHandleID atomic.Uint64

	releaseQueue chan *ConnectionHandle

	stats   Statistics
	metrics *metricsRecorder

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Pool, eagerly fills every partition to its configured
// minimum, and starts the background release, growth, and keep-alive
// workers. The caller is responsible for calling Shutdown.
func New(ctx context.Context, cfg *config.Config, dialer rawconn.Dialer) (*Pool, error) {
	p := &Pool{
		cfg:          cfg,
		dialer:       dialer,
		hook:         hooks.NopHook{},
		releaseQueue: make(chan *ConnectionHandle, cfg.MaxConnectionsPerPartition*cfg.PartitionCount),
		metrics:      newMetricsRecorder(cfg.StatisticsEnabled),
		stopCh:       make(chan struct{}),
	}

	p.partitions = make([]*partition, cfg.PartitionCount)
	for i := range p.partitions {
		p.partitions[i] = newPartition(i, p)
	}

	for _, part := range p.partitions {
		if err := part.fillToMin(ctx); err != nil {
			p.closePartial()
			return nil, fmt.Errorf("dbpool: initial fill: %w", err)
		}
	}

	p.startWorkers()

	return p, nil
}

// closePartial tears down whatever partitions were already filled, for
// construction failure.
func (p *Pool) closePartial() {
	for _, part := range p.partitions {
		if part == nil {
			continue
		}
		part.terminateAll()
	}
}

// SetHook installs the pool's single extension point. Not safe to call
// concurrently with Acquire/Release; intended to be set once at startup.
func (p *Pool) SetHook(hook hooks.Hook) {
	if hook == nil {
		hook = hooks.NopHook{}
	}
	p.hook = hook
}

// Acquire selects a partition by round-robin and checks out a free handle
// from it, growing the partition on demand and blocking up to
// Config.ConnectionTimeout.
func (p *Pool) Acquire(ctx context.Context) (*ConnectionHandle, error) {
	select {
	case <-p.stopCh:
		return nil, ErrShutdownInProgress
	default:
	}

	idx := int(p.nextPart.Add(1) % uint64(len(p.partitions)))
	part := p.partitions[idx]

	start := time.Now()
	h, err := part.checkOut(ctx)
	waited := time.Since(start)

	p.stats.recordAcquire(waited.Nanoseconds())
	p.metrics.acquireWait(idx, waited.Seconds())

	if err != nil {
		p.metrics.acquire(idx, "failed")
		return nil, err
	}

	h.renewConnection()
	p.metrics.acquire(idx, "succeeded")
	return h, nil
}

// enqueueRelease is called by ConnectionHandle.Close; it hands the handle to
// the pool-wide release queue for an asynchronous release-helper worker to
// pick up.
func (p *Pool) enqueueRelease(h *ConnectionHandle) {
	select {
	case <-p.stopCh:
	default:
		select {
		case p.releaseQueue <- h:
			return
		case <-p.stopCh:
		}
	}
	// Pool is shutting down: no worker may be left to drain the release
	// queue, and Shutdown empties the free queues only once, so retire the
	// handle here instead of returning it to its partition.
	h.partition.checkedOut.Delete(h.id)
	h.partition.retire(h, "shutdown")
}

// releaseOne is the actual release-helper body: return the handle to its
// partition, or retire it if broken or expired.
func (p *Pool) releaseOne(h *ConnectionHandle) {
	h.partition.release(h, p.cfg.MaxConnectionAge)
}

// TerminateAllConnections retires every free connection in every partition,
// flags every still-checked-out connection possibly broken, and signals each
// partition to regrow. It is the pool-wide reaction to a DATABASE_DOWN
// classification — the whole database is presumed unreachable, not
// just the partition that observed the failure — and is also exposed
// directly so a caller's own health check can trigger the same recovery
// path. A handle still checked out is closed once its caller eventually
// calls Close, since release always re-checks IsPossiblyBroken — but only
// because terminatePartition flagged it here; nothing else would.
func (p *Pool) TerminateAllConnections() {
	for _, part := range p.partitions {
		p.terminatePartition(part)
	}
}

// terminatePartition is the single-partition primitive TerminateAllConnections
// fans out over.
func (p *Pool) terminatePartition(part *partition) {
	log.Printf("dbpool: terminating all connections in partition %d", part.index)
	p.metrics.terminateAll(part.index)
	part.terminateAll()
	part.signalGrowth()
}

// Statistics returns a snapshot of the pool-wide counters.
func (p *Pool) Statistics() StatisticsSnapshot {
	return p.stats.Snapshot()
}

// PartitionStats is one partition's instantaneous occupancy, returned by
// Pool.PartitionStatistics.
type PartitionStats struct {
	Index        int
	Free         int
	Created      int
	Max          int
	UnableToGrow bool
}

// PartitionStatistics reports per-partition occupancy, useful for exposing
// alongside the Prometheus gauges in internal/metrics.
func (p *Pool) PartitionStatistics() []PartitionStats {
	out := make([]PartitionStats, len(p.partitions))
	for i, part := range p.partitions {
		free, created, unableToGrow := part.snapshot()
		out[i] = PartitionStats{
			Index:        i,
			Free:         free,
			Created:      created,
			Max:          p.cfg.MaxConnectionsPerPartition,
			UnableToGrow: unableToGrow,
		}
	}
	return out
}

// Recover attempts transaction replay for h after a DATABASE_DOWN or
// CONNECTION_BROKEN classification: it dials a fresh physical connection,
// suspends h's recorder, replays the recorded log against the fresh
// connection, and on success swaps h onto it. On failure h's broken flag is
// left as it was and the dial or replay error is returned, wrapped; the
// caller must still roll back its own view of the transaction.
func (p *Pool) Recover(ctx context.Context, h *ConnectionHandle) error {
	if !p.cfg.TransactionRecoveryEnabled || h.replayLog == nil {
		return fmt.Errorf("dbpool: transaction recovery is not enabled")
	}
	if h.replayLog.Len() == 0 {
		return nil
	}

	h.inReplayMode.Store(true)
	h.recorder.Suspend()
	defer func() {
		h.recorder.Resume()
		h.inReplayMode.Store(false)
	}()

	// fresh is a throwaway ConnectionHandle wrapper: dialOnce's bookkeeping
	// (the created counter, OnAcquire, statistics) is built for handing out a
	// full logical handle, but recovery only wants the raw connection inside
	// it — h keeps its own slot in the partition's accounting throughout.
	// h.partition.created is decremented in both branches below to undo
	// dialOnce's increment for this wrapper.
	fresh, err := h.partition.dialOnce(ctx)
	if err != nil {
		p.metrics.transactionReplay(h.partition.index, "dial_failed")
		return fmt.Errorf("dbpool: recovery dial failed: %w", err)
	}

	result, err := replay.NewReplayer().Replay(ctx, h.replayLog, fresh.raw)
	if err != nil {
		fresh.internalClose("replay_failed")
		h.partition.created.Add(-1)
		p.metrics.transactionReplay(h.partition.index, "replay_failed")
		return fmt.Errorf("dbpool: replay failed: %w", err)
	}

	oldRaw := h.raw
	h.raw = fresh.raw
	h.recorder = replay.NewRecorder(h.raw, h.replayLog)
	h.client = h.recorder
	h.possiblyBroken.Store(false)
	h.partition.created.Add(-1)

	// Any statement cached but not currently held by the client is bound to
	// oldRaw and about to be useless; drop it rather than hand it out again
	// on a future cache hit. Statements the client is still holding open are
	// spliced onto the replayed statement obtained under the same log index,
	// so a retried call against one of them dispatches through the new
	// recorder onto the fresh connection instead of the one being closed.
	h.stmtCache.Clear()
	h.callableCache.Clear()
	for index, cs := range h.liveStmts {
		if newStmt, ok := result.Get(index); ok {
			cs.stmt = h.recorder.Wrap(newStmt, index)
		}
	}

	oldRaw.Close()
	p.stats.recordConnectionDestroyed()
	p.metrics.connectionDestroyed(h.partition.index, "recovered")

	p.metrics.transactionReplay(h.partition.index, "succeeded")
	return nil
}

// Shutdown stops every background worker, refuses further Acquire calls,
// and closes every handle currently free in every partition. Handles still
// checked out by callers are closed as they are eventually released.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	for _, part := range p.partitions {
		part.terminateAll()
	}
}
