package main

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by the cache and typing tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestExpiringStorePutGet(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[string](10, clock.Now)

	store.put("a", "alpha", time.Minute)
	got, ok := store.get("a")
	if !ok || got != "alpha" {
		t.Fatalf("get(a) = %q, %v; want alpha, true", got, ok)
	}
	if _, ok := store.get("missing"); ok {
		t.Error("get(missing) reported present")
	}
}

func TestExpiringStoreTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[string](10, clock.Now)

	store.put("a", "alpha", time.Minute)
	clock.Advance(59 * time.Second)
	if _, ok := store.get("a"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	clock.Advance(2 * time.Second)
	if _, ok := store.get("a"); ok {
		t.Fatal("entry still present after its TTL")
	}
	// The lazy read removed it, not just hid it.
	if store.size() != 0 {
		t.Errorf("size = %d after expired read, want 0", store.size())
	}
}

func TestExpiringStoreCapacityEviction(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[int](3, clock.Now)

	store.put("a", 1, time.Minute)
	store.put("b", 2, time.Minute)
	store.put("c", 3, time.Minute)
	store.put("d", 4, time.Minute)

	if _, ok := store.get("a"); ok {
		t.Error("oldest entry survived a full store")
	}
	for _, key := range []string{"b", "c", "d"} {
		if _, ok := store.get(key); !ok {
			t.Errorf("entry %q was evicted, want kept", key)
		}
	}
	if store.size() != 3 {
		t.Errorf("size = %d, want 3", store.size())
	}
	if store.evictionCount() != 1 {
		t.Errorf("evictionCount = %d, want 1", store.evictionCount())
	}
}

func TestExpiringStoreOverwriteRepositions(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[int](2, clock.Now)

	store.put("a", 1, time.Minute)
	store.put("b", 2, time.Minute)
	store.put("a", 10, time.Minute) // now "b" is oldest
	store.put("c", 3, time.Minute)

	if _, ok := store.get("b"); ok {
		t.Error("oldest entry b survived, overwrite did not reposition a")
	}
	if got, ok := store.get("a"); !ok || got != 10 {
		t.Errorf("get(a) = %d, %v; want 10, true", got, ok)
	}
}

func TestExpiringStorePrefersExpiredEviction(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[int](2, clock.Now)

	store.put("short", 1, time.Second)
	store.put("long", 2, time.Hour)
	clock.Advance(2 * time.Second)

	store.put("new", 3, time.Hour)

	if _, ok := store.get("long"); !ok {
		t.Error("live entry evicted while an expired one was available")
	}
	if _, ok := store.get("short"); ok {
		t.Error("expired entry survived capacity pressure")
	}
	if store.evictionCount() != 0 {
		t.Errorf("evictionCount = %d, want 0 (expiry is not a capacity eviction)", store.evictionCount())
	}
}

func TestExpiringStoreMutateKeepsExpiry(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[int](10, clock.Now)

	store.put("a", 1, time.Minute)
	clock.Advance(40 * time.Second)
	if ok := store.mutate("a", func(v *int) { *v = 2 }); !ok {
		t.Fatal("mutate on live entry returned false")
	}
	if got, _ := store.get("a"); got != 2 {
		t.Errorf("value = %d after mutate, want 2", got)
	}

	// mutate did not push the expiry out.
	clock.Advance(30 * time.Second)
	if _, ok := store.get("a"); ok {
		t.Error("mutate extended the entry's TTL")
	}

	if ok := store.mutate("missing", func(v *int) { *v = 9 }); ok {
		t.Error("mutate on absent key returned true")
	}
}

func TestExpiringStoreEvictExpired(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[int](10, clock.Now)

	store.put("a", 1, time.Second)
	store.put("b", 2, time.Second)
	store.put("c", 3, time.Hour)
	clock.Advance(2 * time.Second)

	if removed := store.evictExpired(); removed != 2 {
		t.Errorf("evictExpired = %d, want 2", removed)
	}
	if store.size() != 1 {
		t.Errorf("size = %d after sweep, want 1", store.size())
	}
}

func TestExpiringStoreForEachSkipsExpired(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[int](10, clock.Now)

	store.put("stale", 1, time.Second)
	store.put("live", 2, time.Hour)
	clock.Advance(2 * time.Second)

	visited := map[string]int{}
	store.forEach(func(key string, value int) { visited[key] = value })

	if len(visited) != 1 || visited["live"] != 2 {
		t.Errorf("forEach visited %v, want only live", visited)
	}
	if store.size() != 1 {
		t.Errorf("size = %d, want 1 (expired entry removed during walk)", store.size())
	}
}

func TestExpiringStoreClear(t *testing.T) {
	clock := newFakeClock()
	store := newExpiringStore[int](10, clock.Now)

	store.put("a", 1, time.Minute)
	store.put("b", 2, time.Minute)
	store.clear()

	if store.size() != 0 {
		t.Errorf("size = %d after clear, want 0", store.size())
	}
	if _, ok := store.get("a"); ok {
		t.Error("entry survived clear")
	}
}
