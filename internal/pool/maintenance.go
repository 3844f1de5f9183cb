package pool

import (
	"context"
	"log"
	"time"
)

// releaseHelperCount and friends come from Config; startWorkers launches all
// of the pool's background goroutines: N release helpers, one growth worker
// per partition, and one keep-alive/eviction worker per partition.
func (p *Pool) startWorkers() {
	for i := 0; i < p.cfg.ReleaseHelperCount; i++ {
		p.wg.Add(1)
		go p.releaseHelperLoop()
	}

	for _, part := range p.partitions {
		p.wg.Add(1)
		go p.growthLoop(part)

		p.wg.Add(1)
		go p.keepAliveLoop(part)
	}
}

// releaseHelperLoop drains the pool-wide release queue. Unlike the source
// this was ported from, a failure while releasing one handle is logged and
// the worker keeps running rather than terminating permanently — the
// original's silent-exit-on-exception behavior was flagged as a bug, not a
// feature, and is not reproduced here. On shutdown the worker drains
// whatever is left in the queue before exiting.
func (p *Pool) releaseHelperLoop() {
	defer p.wg.Done()

	for {
		select {
		case h := <-p.releaseQueue:
			p.safeReleaseOne(h)
		case <-p.stopCh:
			p.drainReleaseQueue()
			return
		}
	}
}

func (p *Pool) drainReleaseQueue() {
	for {
		select {
		case h := <-p.releaseQueue:
			p.safeReleaseOne(h)
		default:
			return
		}
	}
}

// safeReleaseOne isolates one release from a panicking hook or driver call
// so it cannot take down the worker that is supposed to keep draining the
// queue for everyone else.
func (p *Pool) safeReleaseOne(h *ConnectionHandle) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dbpool: release of connection %d panicked: %v", h.id, r)
		}
	}()
	p.releaseOne(h)
}

// growthLoop waits for part to signal it needs more connections and dials
// Config.AcquireIncrement of them, respecting the partition's max.
func (p *Pool) growthLoop(part *partition) {
	defer p.wg.Done()

	for {
		select {
		case <-part.growNeeded:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
			part.growBy(ctx, p.cfg.AcquireIncrement)
			cancel()
		case <-p.stopCh:
			return
		}
	}
}

// keepAliveLoop periodically walks part's free queue, retiring expired
// handles, probing handles that have gone unreset for
// Config.IdleConnectionTestPeriod, and retiring any that fail the probe.
func (p *Pool) keepAliveLoop(part *partition) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.IdleConnectionTestPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepPartition(part)
		case <-p.stopCh:
			return
		}
	}
}

// sweepPartition drains part's current free queue, deciding per handle
// between retire, probe, or return-to-queue, then pushes survivors back.
func (p *Pool) sweepPartition(part *partition) {
	now := time.Now()
	n := len(part.free)

	survivors := make([]*ConnectionHandle, 0, n)

	for i := 0; i < n; i++ {
		var h *ConnectionHandle
		select {
		case h = <-part.free:
		default:
			break
		}
		if h == nil {
			break
		}

		if h.isExpired(now, p.cfg.MaxConnectionAge) {
			part.retire(h, "expired")
			continue
		}

		if p.cfg.IdleMaxAge > 0 && h.idleDuration(now) >= p.cfg.IdleMaxAge {
			part.retire(h, "idle_max_age")
			continue
		}

		if h.sinceLastReset(now) >= p.cfg.IdleConnectionTestPeriod {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
			alive := h.IsConnectionAlive(ctx)
			cancel()
			if !alive {
				h.possiblyBroken.Store(true)
				p.metrics.possiblyBroken(part.index)
				part.retire(h, "probe_failed")
				continue
			}
		}

		survivors = append(survivors, h)
	}

	for _, h := range survivors {
		select {
		case part.free <- h:
		default:
			part.retire(h, "free_queue_full")
		}
	}

	if len(survivors) < p.cfg.MinConnectionsPerPartition {
		part.signalGrowth()
	}

	free, created, _ := part.snapshot()
	p.metrics.occupancy(part.index, free, created)
}
