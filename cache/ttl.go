package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is how long an entry is remembered when no TTL is given.
const DefaultTTL = 5 * time.Minute

// TTLCache remembers keys for a fixed duration after they were first seen.
type TTLCache[K comparable] struct {
	entries sync.Map // K -> time.Time
	ttl     time.Duration
	size    atomic.Int64
}

// NewTTLCache creates a cache. A non-positive ttl uses DefaultTTL.
func NewTTLCache[K comparable](ttl time.Duration) *TTLCache[K] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTLCache[K]{ttl: ttl}
}

// CheckAndAdd records key as seen at now. It returns true if the key was not
// already live in the cache. Concurrent callers racing on the same key get
// exactly one true.
func (c *TTLCache[K]) CheckAndAdd(key K, now time.Time) bool {
	for {
		prev, loaded := c.entries.LoadOrStore(key, now)
		if !loaded {
			c.size.Add(1)
			return true
		}
		seen := prev.(time.Time)
		if now.Sub(seen) < c.ttl {
			return false
		}
		// Expired but not yet swept: take it over.
		if c.entries.CompareAndSwap(key, prev, now) {
			return true
		}
	}
}

// Remove forgets key. It reports whether the key was present.
func (c *TTLCache[K]) Remove(key K) bool {
	if _, ok := c.entries.LoadAndDelete(key); ok {
		c.size.Add(-1)
		return true
	}
	return false
}

// Sweep removes entries older than the TTL and returns how many were removed.
func (c *TTLCache[K]) Sweep(now time.Time) int {
	removed := 0
	c.entries.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) >= c.ttl {
			if c.entries.CompareAndDelete(key, value) {
				c.size.Add(-1)
				removed++
			}
		}
		return true
	})
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *TTLCache[K]) Len() int {
	return int(c.size.Load())
}
