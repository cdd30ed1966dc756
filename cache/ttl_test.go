package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCheckAndAdd(t *testing.T) {
	c := NewTTLCache[uuid.UUID](time.Minute)
	id := uuid.New()
	now := time.Now()

	if !c.CheckAndAdd(id, now) {
		t.Fatal("First sighting should be new")
	}
	if c.CheckAndAdd(id, now.Add(30*time.Second)) {
		t.Error("Second sighting within TTL should be a duplicate")
	}
	if c.CheckAndAdd(id, now.Add(59*time.Second)) {
		t.Error("Entry should be live before TTL")
	}
	if !c.CheckAndAdd(id, now.Add(time.Minute)) {
		t.Error("Sighting after TTL should be new again")
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", c.Len())
	}
}

func TestCheckAndAddConcurrent(t *testing.T) {
	c := NewTTLCache[string](time.Minute)
	now := time.Now()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.CheckAndAdd("route", now) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins.Load())
	}
}

func TestSweep(t *testing.T) {
	c := NewTTLCache[int](time.Second)
	now := time.Now()

	c.CheckAndAdd(1, now.Add(-2*time.Second))
	c.CheckAndAdd(2, now.Add(-500*time.Millisecond))
	c.CheckAndAdd(3, now)

	if removed := c.Sweep(now); removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 entries after sweep, got %d", c.Len())
	}
	if !c.CheckAndAdd(1, now) {
		t.Error("Swept entry still present")
	}
}

func TestDefaultTTL(t *testing.T) {
	c := NewTTLCache[int](0)
	now := time.Now()

	c.CheckAndAdd(1, now)
	if c.CheckAndAdd(1, now.Add(DefaultTTL-time.Second)) {
		t.Error("Entry expired before the default TTL")
	}
	if !c.CheckAndAdd(1, now.Add(DefaultTTL)) {
		t.Errorf("Entry still live after the default TTL %v", DefaultTTL)
	}
}

func TestRemove(t *testing.T) {
	c := NewTTLCache[string](time.Minute)
	now := time.Now()

	c.CheckAndAdd("route", now)
	if !c.Remove("route") {
		t.Fatal("Remove of a live key should report true")
	}
	if c.Remove("route") {
		t.Error("Second Remove should report false")
	}
	if c.Len() != 0 {
		t.Errorf("Expected 0 entries, got %d", c.Len())
	}
	if !c.CheckAndAdd("route", now) {
		t.Error("Removed key should be new again")
	}
}
