package routing

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Route is one routing table entry.
type Route struct {
	Destination uuid.UUID `json:"destination"`
	NextHop     uuid.UUID `json:"next_hop"`
	Distance    uint32    `json:"distance"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Table maps destination node ids to the next hop with the fewest hops.
type Table struct {
	mu     sync.RWMutex
	routes map[uuid.UUID]Route
	now    func() time.Time
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		routes: make(map[uuid.UUID]Route),
		now:    time.Now,
	}
}

// Update offers a route. It is installed if no route to dest exists or its
// distance is strictly smaller than the current one. An equal-distance offer
// from the current next hop only refreshes UpdatedAt. It returns true if the
// table changed.
func (t *Table) Update(dest, nextHop uuid.UUID, distance uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cur, ok := t.routes[dest]
	switch {
	case !ok || distance < cur.Distance:
		t.routes[dest] = Route{Destination: dest, NextHop: nextHop, Distance: distance, UpdatedAt: now}
		return true
	case distance == cur.Distance && nextHop == cur.NextHop:
		cur.UpdatedAt = now
		t.routes[dest] = cur
		return false
	default:
		return false
	}
}

// Lookup returns the route to dest.
func (t *Table) Lookup(dest uuid.UUID) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[dest]
	return r, ok
}

// Remove deletes the route to dest.
func (t *Table) Remove(dest uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[dest]; !ok {
		return false
	}
	delete(t.routes, dest)
	return true
}

// RemoveVia deletes every route whose next hop or destination is node and
// returns how many were removed.
func (t *Table) RemoveVia(node uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for dest, r := range t.routes {
		if r.NextHop == node || dest == node {
			delete(t.routes, dest)
			removed++
		}
	}
	return removed
}

// Expire deletes routes with distance >= minDistance that were not refreshed
// within maxAge.
func (t *Table) Expire(maxAge time.Duration, minDistance uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	removed := 0
	for dest, r := range t.routes {
		if r.Distance >= minDistance && r.UpdatedAt.Before(cutoff) {
			delete(t.routes, dest)
			removed++
		}
	}
	return removed
}

// Snapshot returns all routes ordered by distance, then destination.
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return bytes.Compare(out[i].Destination[:], out[j].Destination[:]) < 0
	})
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
