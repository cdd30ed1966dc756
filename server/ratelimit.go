package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateGuard keeps one token bucket per source address.
type rateGuard struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateGuard(limit rate.Limit, burst int) *rateGuard {
	return &rateGuard{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a datagram from addr may be processed. A zero limit
// disables the guard.
func (g *rateGuard) Allow(addr string, now time.Time) bool {
	if g.limit <= 0 {
		return true
	}

	g.mu.Lock()
	b, ok := g.buckets[addr]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[addr] = b
	}
	b.lastSeen = now
	g.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Prune drops buckets not used since cutoff.
func (g *rateGuard) Prune(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for addr, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, addr)
			removed++
		}
	}
	return removed
}

func (g *rateGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
