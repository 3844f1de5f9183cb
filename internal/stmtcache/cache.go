// Package stmtcache implements the per-handle bounded statement cache.
// Eviction is LRU, via hashicorp/golang-lru/v2 — the Open Question in the
// original design ("implementers MUST pick one... LRU recommended") is
// resolved in favor of LRU, the same choice already made by the retrieval
// pack's idodod-scdb for its own block cache.
package stmtcache

import (
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rlavoura/dbpool/pkg/rawconn"
)

// Entry is the value stored in the cache: a prepared statement plus the key
// it was prepared under, so a victim can be identified on eviction.
type Entry struct {
	Stmt rawconn.Stmt
	Key  string
}

// Stats are the cumulative cache-hit/miss counts of one Cache. The pool keeps
// its own Statistics counters separately and does not read these.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is a bounded, per-connection K→V map from statement key to a reusable
// statement handle. It is only ever touched by the goroutine that currently
// holds the owning ConnectionHandle checked out, so it needs no internal
// synchronization for that access pattern — the mutex here exists solely to
// let the pool's release and maintenance goroutines Clear the cache when they
// retire the owning handle without racing a concurrent Get/Put from the owner,
// which would itself be a caller bug (a handle must not be used by two
// goroutines at once) but should not corrupt memory if it happens.
type Cache struct {
	mu   sync.Mutex
	lru  *lru.Cache[string, Entry]
	size int

	hits   int64
	misses int64

	// handingOut is set while Get removes a hit from the LRU, so the evict
	// callback does not close a statement that is being handed back out.
	handingOut bool
}

// New creates a bounded statement cache holding up to size entries. size <= 0
// disables caching entirely: Get always misses and Put is a no-op that
// closes the statement immediately.
func New(size int) *Cache {
	if size <= 0 {
		return &Cache{size: 0}
	}
	c := &Cache{size: size}
	// onEvict closes the victim statement physically — the cache owns
	// exactly this responsibility.
	l, _ := lru.NewWithEvict[string, Entry](size, func(_ string, v Entry) {
		if c.handingOut {
			return
		}
		_ = v.Stmt.Close()
	})
	c.lru = l
	return c
}

// Enabled reports whether caching is active for this handle.
func (c *Cache) Enabled() bool {
	return c.size > 0
}

// Get looks up a statement by key. A hit removes it from the cache (the
// caller now owns it again, logically open) — a statement is never shared
// between two concurrent users even though the cache and the handle are
// confined to one goroutine at a time.
func (c *Cache) Get(key string) (rawconn.Stmt, bool) {
	if c.lru == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.handingOut = true
	c.lru.Remove(key)
	c.handingOut = false
	c.hits++
	return entry.Stmt, true
}

// Put offers a closed-by-the-client statement back to the cache under key.
// If the cache is full, golang-lru evicts and closes the LRU victim via the
// callback installed in New. If caching is disabled, the statement is closed
// immediately instead of being retained.
func (c *Cache) Put(key string, stmt rawconn.Stmt) {
	if c.lru == nil {
		_ = stmt.Close()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, Entry{Stmt: stmt, Key: key})
}

// Clear closes every cached statement and empties the cache. Called when the
// owning ConnectionHandle is retired (internalClose).
func (c *Cache) Clear() {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok {
			_ = entry.Stmt.Close()
		}
	}
	c.lru.Purge()
}

// Len reports the number of statements currently cached.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cumulative hit/miss counts for this cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}

// Key renders a rawconn.StatementKey into the canonical cache key: a string
// derived from SQL text plus every variant argument that changes statement
// identity.
func Key(k rawconn.StatementKey) string {
	var b strings.Builder
	b.WriteString(k.SQL)
	b.WriteByte('\x00')
	b.WriteString(strconv.Itoa(k.ResultSetType))
	b.WriteByte('\x00')
	b.WriteString(strconv.Itoa(k.ResultSetConcurrency))
	b.WriteByte('\x00')
	b.WriteString(strconv.Itoa(k.ResultSetHoldability))
	b.WriteByte('\x00')
	b.WriteString(strconv.Itoa(k.AutoGeneratedKeys))
	b.WriteByte('\x00')
	b.WriteString(k.ColumnIndexesKey)
	b.WriteByte('\x00')
	b.WriteString(k.ColumnNamesKey)
	b.WriteByte('\x00')
	if k.Callable {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	return b.String()
}
