// Package cache provides small in-process caches that are injected where needed
// instead of living in package globals.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	found    bool
	storedAt time.Time
}

// TTL is a concurrency-safe map whose entries expire a fixed duration after they were
// stored. Expiry is checked on read; there is no background eviction. Negative results
// (found=false) are cached the same way as positive ones.
type TTL[K comparable, V any] struct {
	ttl   time.Duration
	grace time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[K]entry[V]
}

// NewTTL creates a cache whose entries live for ttl
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
}

// WithClock replaces the time source, for tests
func (c *TTL[K, V]) WithClock(now func() time.Time) *TTL[K, V] {
	c.now = now
	return c
}

// WithStaleGrace keeps expired entries readable through Peek for d past their TTL
func (c *TTL[K, V]) WithStaleGrace(d time.Duration) *TTL[K, V] {
	c.grace = d
	return c
}

// Get returns the cached value, whether it was a positive hit, and whether the key is
// cached at all. An expired entry is dropped and reported as not cached.
func (c *TTL[K, V]) Get(key K) (value V, found bool, cached bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return value, false, false
	}

	if c.now().Sub(e.storedAt) >= c.ttl {
		c.evict(key, e.storedAt)
		return value, false, false
	}
	return e.value, e.found, true
}

// Peek is Get for callers that refresh in the background. An entry past its TTL but
// within the stale grace is still returned with stale set; older entries are dropped.
func (c *TTL[K, V]) Peek(key K) (value V, found, stale, cached bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return value, false, false, false
	}

	age := c.now().Sub(e.storedAt)
	switch {
	case age < c.ttl:
		return e.value, e.found, false, true
	case age < c.ttl+c.grace:
		return e.value, e.found, true, true
	}
	c.evict(key, e.storedAt)
	return value, false, false, false
}

// evict drops key unless someone refreshed it after storedAt
func (c *TTL[K, V]) evict(key K, storedAt time.Time) {
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur.storedAt.Equal(storedAt) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Set stores a positive entry
func (c *TTL[K, V]) Set(key K, value V) {
	c.store(key, entry[V]{value: value, found: true})
}

// SetMissing stores a negative entry so repeated misses skip the backing lookup
func (c *TTL[K, V]) SetMissing(key K) {
	c.store(key, entry[V]{})
}

// Add stores a positive entry only if the key is not already cached and live.
// It reports whether the entry was added, which makes it usable as a dedupe set.
func (c *TTL[K, V]) Add(key K, value V) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now.Sub(e.storedAt) < c.ttl {
		return false
	}
	c.entries[key] = entry[V]{value: value, found: true, storedAt: now}
	return true
}

func (c *TTL[K, V]) store(key K, e entry[V]) {
	e.storedAt = c.now()
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Invalidate drops one key
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Reset drops every entry
func (c *TTL[K, V]) Reset() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
