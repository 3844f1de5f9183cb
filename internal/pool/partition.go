package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rlavoura/dbpool/pkg/hooks"
)

// partition is one shard of the pool: a bounded free queue of handles plus
// the counters needed to decide when to grow. Many of its operations are
// lock-free; growth is serialized by growMu so two goroutines never both
// decide there's room to create the same slot.
type partition struct {
	index int
	pool  *Pool

	free chan *ConnectionHandle

	// checkedOut tracks every handle currently checked out by a caller,
	// keyed by ConnectionHandle.id, so terminateAll can flag handles a
	// different goroutine is holding right now as possibly broken too —
	// not just the ones already sitting in free. Populated in checkOut,
	// cleared in release.
	checkedOut sync.Map

	created    atomic.Int32 // total handles currently allocated to this partition (free + checked out)
	growMu     sync.Mutex
	growNeeded chan struct{} // buffered cap 1; signals the growth worker

	// unableToGrow is set once created has reached the partition's max and
	// cleared again as soon as a retirement opens up room.
	unableToGrow atomic.Bool
}

func newPartition(index int, p *Pool) *partition {
	part := &partition{
		index:      index,
		pool:       p,
		free:       make(chan *ConnectionHandle, p.cfg.MaxConnectionsPerPartition),
		growNeeded: make(chan struct{}, 1),
	}
	return part
}

// fillToMin eagerly creates MinConnectionsPerPartition handles, matching
// ConnectionPartition's "total count == min at initialization" invariant.
func (part *partition) fillToMin(ctx context.Context) error {
	for i := 0; i < part.pool.cfg.MinConnectionsPerPartition; i++ {
		h, err := part.dial(ctx)
		if err != nil {
			return err
		}
		part.free <- h
	}
	return nil
}

// checkOut removes a free handle, blocking up to the pool's connection
// timeout. If the partition has room to grow and the free queue is
// currently empty, it signals the growth worker before waiting.
func (part *partition) checkOut(ctx context.Context) (*ConnectionHandle, error) {
	select {
	case h := <-part.free:
		part.checkedOut.Store(h.id, h)
		return h, nil
	default:
	}

	if int(part.created.Load()) < part.pool.cfg.MaxConnectionsPerPartition {
		part.signalGrowth()
	}

	timer := time.NewTimer(part.pool.cfg.ConnectionTimeout)
	defer timer.Stop()

	select {
	case h := <-part.free:
		part.checkedOut.Store(h.id, h)
		return h, nil
	case <-timer.C:
		if part.unableToGrow.Load() {
			return nil, fmt.Errorf("%w: %w", ErrAcquisitionTimedOut, ErrPartitionExhausted)
		}
		return nil, ErrAcquisitionTimedOut
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-part.pool.stopCh:
		return nil, ErrShutdownInProgress
	}
}

// release returns a handle to the free queue, unless it is broken or
// expired, in which case it is retired and — if there is now room — a
// replacement is requested from the growth worker.
func (part *partition) release(h *ConnectionHandle, maxAge time.Duration) {
	part.checkedOut.Delete(h.id)

	switch {
	case h.IsPossiblyBroken():
		part.retire(h, "broken")
		part.signalGrowth()
		return
	case h.isExpired(time.Now(), maxAge):
		part.retire(h, "expired")
		part.signalGrowth()
		return
	}

	select {
	case part.free <- h:
	default:
		// Free queue is at capacity (created == max and every other handle
		// is also idle); this should not happen under the checkOut/release
		// invariants, but retiring rather than blocking keeps release
		// non-blocking under every condition.
		part.retire(h, "free_queue_full")
	}
}

// retire physically closes a handle and decrements this partition's created
// count. reason labels the Prometheus destruction counter and is one of
// "broken", "expired", "idle_max_age", "free_queue_full", "probe_failed",
// "terminate_all", "replay_failed", or "shutdown".
func (part *partition) retire(h *ConnectionHandle, reason string) {
	if err := h.internalClose(reason); err != nil {
		log.Printf("dbpool: error closing connection %d during retirement (%s): %v", h.id, reason, err)
	}
	part.created.Add(-1)
	part.unableToGrow.Store(false)
}

// signalGrowth requests the growth worker run once; redundant signals while
// one is already pending are dropped.
func (part *partition) signalGrowth() {
	select {
	case part.growNeeded <- struct{}{}:
	default:
	}
}

// dial obtains one new physical connection, running InitSQL once, retrying
// per the configured acquire-retry policy. AcquireRetryAttempts == -1 means
// retry indefinitely.
func (part *partition) dial(ctx context.Context) (*ConnectionHandle, error) {
	attemptsLeft := part.pool.cfg.AcquireRetryAttempts

	for {
		h, err := part.dialOnce(ctx)
		if err == nil {
			return h, nil
		}

		if part.pool.hook != nil {
			cfg := hooks.AcquireFailConfig{AttemptsLeft: attemptsLeft, LogMessage: err.Error()}
			if !part.pool.hook.OnAcquireFail(err, cfg) {
				return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
			}
		}

		if attemptsLeft == 0 {
			return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
		}
		if attemptsLeft > 0 {
			attemptsLeft--
		}

		select {
		case <-time.After(part.pool.cfg.AcquireRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-part.pool.stopCh:
			return nil, ErrShutdownInProgress
		}
	}
}

// dialOnce performs a single dial attempt, running InitSQL once against the
// freshly opened connection if configured.
func (part *partition) dialOnce(ctx context.Context) (*ConnectionHandle, error) {
	raw, err := part.pool.dialer(ctx)
	if err != nil {
		return nil, err
	}

	if part.pool.cfg.InitSQL != "" {
		if _, err := raw.ExecContext(ctx, part.pool.cfg.InitSQL); err != nil {
			raw.Close()
			return nil, fmt.Errorf("running init SQL: %w", err)
		}
	}

	id := part.pool.nextHandleID.Add(1)
	h := newConnectionHandle(id, part.pool, part, raw)

	part.created.Add(1)
	part.pool.stats.recordConnectionCreated()
	part.pool.metrics.connectionCreated(part.index)
	if part.pool.hook != nil {
		part.pool.hook.OnAcquire(h)
	}
	return h, nil
}

// growBy dials up to n additional handles (never exceeding
// MaxConnectionsPerPartition) and pushes them onto the free queue.
func (part *partition) growBy(ctx context.Context, n int) {
	part.growMu.Lock()
	defer part.growMu.Unlock()

	room := part.pool.cfg.MaxConnectionsPerPartition - int(part.created.Load())
	if room <= 0 {
		part.unableToGrow.Store(true)
		return
	}
	part.unableToGrow.Store(false)
	if n > room {
		n = room
	}

	for i := 0; i < n; i++ {
		h, err := part.dial(ctx)
		if err != nil {
			log.Printf("dbpool: partition %d failed to grow: %v", part.index, err)
			return
		}
		select {
		case part.free <- h:
		default:
			part.retire(h, "free_queue_full")
			return
		}
	}
}

// terminateAll drains and closes every currently-free handle, then flags
// every still-checked-out handle possibly broken so release catches and
// retires it once its caller eventually calls Close — a handle a different
// goroutine is holding right now would otherwise be returned to the pool
// looking healthy with no mechanism left to catch it.
func (part *partition) terminateAll() {
	for {
		select {
		case h := <-part.free:
			part.retire(h, "terminate_all")
		default:
			part.markCheckedOutBroken()
			return
		}
	}
}

// markCheckedOutBroken flags every handle currently checked out by another
// goroutine as possibly broken, per spec.md's "mark every handle broken"
// half of Terminate all — distinct from draining the free queue, which only
// reaches handles nobody is holding.
func (part *partition) markCheckedOutBroken() {
	part.checkedOut.Range(func(_, v any) bool {
		h := v.(*ConnectionHandle)
		if h.possiblyBroken.CompareAndSwap(false, true) {
			part.pool.metrics.possiblyBroken(part.index)
		}
		return true
	})
}

// snapshot reports the instantaneous free/created counts and the
// unable-to-grow flag for Pool.PartitionStatistics.
func (part *partition) snapshot() (free, created int, unableToGrow bool) {
	return len(part.free), int(part.created.Load()), part.unableToGrow.Load()
}
