package reliability

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultWindowSize is the number of received sequence numbers remembered per peer.
const DefaultWindowSize = 1024

// Window remembers the most recent received (sequence, message id) pairs.
// The oldest pair is evicted once the window is full.
type Window struct {
	mu    sync.Mutex
	seen  map[uint32]uuid.UUID
	ring  []uint32
	next  int
	count int
}

// NewWindow creates a window holding up to size entries.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		seen: make(map[uint32]uuid.UUID, size),
		ring: make([]uint32, size),
	}
}

// Observe records seq and reports whether the same message was already seen.
// A sequence number reused by a different message id (a restarted sender)
// replaces the old entry and is not a duplicate.
func (w *Window) Observe(seq uint32, id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.seen[seq]; ok {
		if prev == id {
			return true
		}
		w.seen[seq] = id
		return false
	}

	if w.count == len(w.ring) {
		delete(w.seen, w.ring[w.next])
	} else {
		w.count++
	}
	w.ring[w.next] = seq
	w.next = (w.next + 1) % len(w.ring)
	w.seen[seq] = id
	return false
}

// Len returns the number of remembered entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
