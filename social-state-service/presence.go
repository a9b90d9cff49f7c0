package main

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	statusOnline  = "online"
	statusAway    = "away"
	statusOffline = "offline"
)

var validStatuses = map[string]bool{
	statusOnline: true, statusAway: true, statusOffline: true,
}

// CachedUser is a cached user profile snapshot. Expiry lives in the owning
// store; CachedAt is carried for diagnostics.
type CachedUser struct {
	UserId    string `json:"userId"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatarUrl,omitempty"`
	Status    string `json:"status"`
	LastSeen  int64  `json:"lastSeen"`
	CachedAt  int64  `json:"cachedAt"`
}

// PresenceEntry is one user's presence within one room.
type PresenceEntry struct {
	UserId   string `json:"userId"`
	Room     string `json:"room"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// CacheStats is the diagnostic snapshot served on social.stats.
type CacheStats struct {
	TotalCachedUsers  int   `json:"totalCachedUsers"`
	OnlineUsers       int   `json:"onlineUsers"`
	TotalRooms        int   `json:"totalRooms"`
	ApproxMemoryBytes int64 `json:"approxMemoryBytes"`
	CapacityEvictions int64 `json:"capacityEvictions"`
}

// presenceCache owns the two expiring stores for social state: user profiles
// keyed by userId and room presence sets keyed by room. Each store has its own
// lock so presence updates for different concerns never serialize against
// each other.
type presenceCache struct {
	ttl   time.Duration
	clock func() time.Time
	users *expiringStore[CachedUser]
	rooms *expiringStore[[]PresenceEntry]
}

func newPresenceCache(maxUsers int, ttl time.Duration, clock func() time.Time) *presenceCache {
	if clock == nil {
		clock = time.Now
	}
	return &presenceCache{
		ttl:   ttl,
		clock: clock,
		users: newExpiringStore[CachedUser](maxUsers, clock),
		rooms: newExpiringStore[[]PresenceEntry](maxUsers, clock),
	}
}

// cacheUser upserts a profile snapshot with the cache TTL. May trigger
// store-level eviction under capacity pressure.
func (c *presenceCache) cacheUser(user CachedUser) CachedUser {
	if user.Status == "" {
		user.Status = statusOffline
	}
	user.CachedAt = c.clock().UnixMilli()
	return c.users.put(user.UserId, user, c.ttl)
}

func (c *presenceCache) getUser(userId string) (CachedUser, bool) {
	return c.users.get(userId)
}

// cacheUsers bulk-upserts profiles, preserving input order in the returned
// slice.
func (c *presenceCache) cacheUsers(users []CachedUser) []CachedUser {
	cached := make([]CachedUser, 0, len(users))
	for _, user := range users {
		cached = append(cached, c.cacheUser(user))
	}
	return cached
}

// updateStatus mutates a cached user's status and lastSeen in place, without
// resetting the entry's expiry. Returns false if the user is not cached:
// routine status churn must never implicitly (re)populate the cache.
func (c *presenceCache) updateStatus(userId, status string) bool {
	now := c.clock().UnixMilli()
	return c.users.mutate(userId, func(user *CachedUser) {
		user.Status = status
		user.LastSeen = now
	})
}

// cacheRoomPresence replaces a room's entire presence set (the bulk snapshot
// path). Entries without a lastSeen default to now; duplicate userIds collapse
// to the last occurrence.
func (c *presenceCache) cacheRoomPresence(room string, entries []PresenceEntry) {
	now := c.clock().UnixMilli()
	set := make([]PresenceEntry, 0, len(entries))
	for _, entry := range entries {
		entry.Room = room
		if entry.LastSeen == 0 {
			entry.LastSeen = now
		}
		set = upsertEntry(set, entry)
	}
	c.rooms.put(room, set, c.ttl)
}

func (c *presenceCache) getRoomPresence(room string) []PresenceEntry {
	set, ok := c.rooms.get(room)
	if !ok {
		return nil
	}
	out := make([]PresenceEntry, len(set))
	copy(out, set)
	return out
}

// upsertPresence applies a single-user presence delta (the push-event path):
// replace in place when the user already has an entry, append otherwise.
// Applying the same delta twice is a no-op.
func (c *presenceCache) upsertPresence(room, userId, status string) {
	entry := PresenceEntry{
		UserId:   userId,
		Room:     room,
		Status:   status,
		LastSeen: c.clock().UnixMilli(),
	}
	updated := c.rooms.mutate(room, func(set *[]PresenceEntry) {
		*set = upsertEntry(*set, entry)
	})
	if !updated {
		c.rooms.put(room, []PresenceEntry{entry}, c.ttl)
	}
}

// removePresence drops one user from a room's presence set.
func (c *presenceCache) removePresence(room, userId string) {
	empty := false
	c.rooms.mutate(room, func(set *[]PresenceEntry) {
		kept := (*set)[:0]
		for _, entry := range *set {
			if entry.UserId != userId {
				kept = append(kept, entry)
			}
		}
		*set = kept
		empty = len(kept) == 0
	})
	if empty {
		c.rooms.remove(room)
	}
}

func (c *presenceCache) getOnline(room string) []PresenceEntry {
	var online []PresenceEntry
	for _, entry := range c.getRoomPresence(room) {
		if entry.Status == statusOnline {
			online = append(online, entry)
		}
	}
	return online
}

// search returns non-expired users whose username contains query
// (case-insensitive), online users first, then username ascending. Ties on
// username break on userId so the order is deterministic.
func (c *presenceCache) search(query string) []CachedUser {
	needle := strings.ToLower(query)
	var matches []CachedUser
	c.users.forEach(func(_ string, user CachedUser) {
		if strings.Contains(strings.ToLower(user.Username), needle) {
			matches = append(matches, user)
		}
	})
	sort.Slice(matches, func(i, j int) bool {
		iOnline := matches[i].Status == statusOnline
		jOnline := matches[j].Status == statusOnline
		if iOnline != jOnline {
			return iOnline
		}
		if matches[i].Username != matches[j].Username {
			return matches[i].Username < matches[j].Username
		}
		return matches[i].UserId < matches[j].UserId
	})
	return matches
}

// stats returns a read-only diagnostic snapshot.
func (c *presenceCache) stats() CacheStats {
	stats := CacheStats{
		CapacityEvictions: c.users.evictionCount() + c.rooms.evictionCount(),
	}
	c.users.forEach(func(_ string, user CachedUser) {
		stats.TotalCachedUsers++
		if user.Status == statusOnline {
			stats.OnlineUsers++
		}
		stats.ApproxMemoryBytes += approxUserBytes(user)
	})
	c.rooms.forEach(func(_ string, set []PresenceEntry) {
		stats.TotalRooms++
		for _, entry := range set {
			stats.ApproxMemoryBytes += approxEntryBytes(entry)
		}
	})
	return stats
}

// clearRoom drops one room's presence set; other rooms are untouched.
func (c *presenceCache) clearRoom(room string) {
	c.rooms.remove(room)
}

// clearUser drops one user's cached profile.
func (c *presenceCache) clearUser(userId string) {
	c.users.remove(userId)
}

// clearAll wipes both stores; used on logout/teardown.
func (c *presenceCache) clearAll() {
	c.users.clear()
	c.rooms.clear()
}

// runSweeper evicts expired entries every interval until ctx is cancelled.
// Housekeeping only; reads are lazily safe without it.
func (c *presenceCache) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.users.evictExpired() + c.rooms.evictExpired()
			if removed > 0 {
				slog.Debug("Presence cache sweep", "removed", removed)
			}
		}
	}
}

func upsertEntry(set []PresenceEntry, entry PresenceEntry) []PresenceEntry {
	for i := range set {
		if set[i].UserId == entry.UserId {
			set[i] = entry
			return set
		}
	}
	return append(set, entry)
}

func approxUserBytes(user CachedUser) int64 {
	return int64(len(user.UserId)+len(user.Username)+len(user.AvatarUrl)+len(user.Status)) + 48
}

func approxEntryBytes(entry PresenceEntry) int64 {
	return int64(len(entry.UserId)+len(entry.Room)+len(entry.Status)) + 32
}
