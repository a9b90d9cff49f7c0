package main

import (
	"container/list"
	"sync"
	"time"
)

// expiringStore is a bounded key→value store with per-entry TTL.
// Reads are lazily safe: an expired entry is removed and reported absent the
// moment it is observed, so correctness never depends on sweep timing. When
// the store is full and nothing has expired, entries are evicted in insertion
// order, oldest first: presence data skews toward "most recently active
// matters most".
type expiringStore[V any] struct {
	mu                sync.Mutex
	capacity          int
	clock             func() time.Time
	entries           map[string]*storeEntry[V]
	order             *list.List // insertion order: front = newest, back = oldest
	capacityEvictions int64
}

type storeEntry[V any] struct {
	value     V
	cachedAt  time.Time
	expiresAt time.Time
	elem      *list.Element
}

func newExpiringStore[V any](capacity int, clock func() time.Time) *expiringStore[V] {
	if clock == nil {
		clock = time.Now
	}
	return &expiringStore[V]{
		capacity: capacity,
		clock:    clock,
		entries:  make(map[string]*storeEntry[V]),
		order:    list.New(),
	}
}

// put inserts or overwrites the entry for key with expiry now+ttl. An
// overwrite counts as a fresh insert: it moves the key to the newest position.
// If the store is at capacity it evicts expired entries first, then falls back
// to insertion-order eviction until there is room.
func (s *expiringStore[V]) put(key string, value V, ttl time.Duration) V {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		s.order.Remove(existing.elem)
		delete(s.entries, key)
	}

	if len(s.entries) >= s.capacity {
		s.evictExpiredLocked(now)
	}
	for len(s.entries) >= s.capacity {
		back := s.order.Back()
		if back == nil {
			break
		}
		s.deleteLocked(back.Value.(string))
		s.capacityEvictions++
	}

	entry := &storeEntry[V]{
		value:     value,
		cachedAt:  now,
		expiresAt: now.Add(ttl),
	}
	entry.elem = s.order.PushFront(key)
	s.entries[key] = entry
	return value
}

// get returns the live value for key. An expired entry is removed as a side
// effect and reported absent.
func (s *expiringStore[V]) get(key string) (V, bool) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !now.Before(entry.expiresAt) {
		s.deleteLocked(key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// mutate applies fn to the live value for key in place, without resetting its
// expiry or insertion position. Returns false if the key is absent or expired.
func (s *expiringStore[V]) mutate(key string, fn func(*V)) bool {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	if !now.Before(entry.expiresAt) {
		s.deleteLocked(key)
		return false
	}
	fn(&entry.value)
	return true
}

// forEach visits every live entry. Expired entries encountered during the walk
// are removed, not visited.
func (s *expiringStore[V]) forEach(fn func(key string, value V)) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		key := elem.Value.(string)
		entry := s.entries[key]
		if !now.Before(entry.expiresAt) {
			s.deleteLocked(key)
		} else {
			fn(key, entry.value)
		}
		elem = next
	}
}

// evictExpired removes every expired entry and returns how many were removed.
// Called by the periodic sweep; put also runs it under capacity pressure.
func (s *expiringStore[V]) evictExpired() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked(now)
}

func (s *expiringStore[V]) evictExpiredLocked(now time.Time) int {
	removed := 0
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		key := elem.Value.(string)
		if !now.Before(s.entries[key].expiresAt) {
			s.deleteLocked(key)
			removed++
		}
		elem = next
	}
	return removed
}

func (s *expiringStore[V]) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
}

func (s *expiringStore[V]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*storeEntry[V])
	s.order.Init()
}

func (s *expiringStore[V]) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *expiringStore[V]) evictionCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacityEvictions
}

func (s *expiringStore[V]) deleteLocked(key string) {
	if entry, ok := s.entries[key]; ok {
		s.order.Remove(entry.elem)
		delete(s.entries, key)
	}
}
