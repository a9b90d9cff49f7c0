package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const typingSweepGrace = time.Second

// TypingUser is one visible entry in a room's "X is typing…" set.
type TypingUser struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

type typingEntry struct {
	username string
	since    time.Time
	gen      uint64
	timer    *time.Timer
}

type roomTyping struct {
	entries map[string]*typingEntry
	order   []string // insertion order for rendering
}

// typingCoordinator tracks who is typing in which room. Outgoing start
// broadcasts are throttled per (room, user); a suppressed broadcast still
// refreshes the local visible state. Every visible entry carries a timeout
// timer that removes it when no refresh or stop arrives, and a periodic sweep
// catches entries whose timer handle was lost.
type typingCoordinator struct {
	timeout  time.Duration
	throttle time.Duration
	clock    func() time.Time
	origin   string // this instance's id, for self-filtering on applyRemote

	broadcast func(event TypingEvent) // outgoing push, best-effort; may be nil
	onChange  func(room string)       // visible-set change hook; may be nil

	mu            sync.Mutex
	rooms         map[string]*roomTyping
	lastBroadcast map[string]time.Time // (room, user) -> last outgoing start broadcast
	gen           uint64
	broadcasts    int64
	suppressed    int64
	closed        bool
}

func newTypingCoordinator(timeout, throttle time.Duration, origin string, clock func() time.Time) *typingCoordinator {
	if clock == nil {
		clock = time.Now
	}
	return &typingCoordinator{
		timeout:       timeout,
		throttle:      throttle,
		clock:         clock,
		origin:        origin,
		rooms:         make(map[string]*roomTyping),
		lastBroadcast: make(map[string]time.Time),
	}
}

func throttleKey(room, user string) string {
	return room + "\x00" + user
}

// startTyping handles a local "user is composing" signal: the visible state is
// always refreshed, and a start event is broadcast unless one already went out
// for this (room, user) within the throttle window.
func (t *typingCoordinator) startTyping(room, userId, username string) {
	now := t.clock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.applyStartLocked(room, userId, username, now)

	key := throttleKey(room, userId)
	last, seen := t.lastBroadcast[key]
	allowed := !seen || now.Sub(last) >= t.throttle
	if allowed {
		t.lastBroadcast[key] = now
		t.broadcasts++
	} else {
		t.suppressed++
	}
	t.mu.Unlock()

	if changed {
		t.notify(room)
	}
	if allowed {
		t.emit(TypingEvent{
			UserId: userId, Username: username, Room: room,
			Action: "start", Origin: t.origin,
		})
	}
}

// stopTyping removes the user immediately, cancels their pending timeout, and
// broadcasts a stop event. Stops are never throttled, and the throttle stamp
// is cleared so the next start broadcasts right away.
func (t *typingCoordinator) stopTyping(room, userId string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.removeLocked(room, userId)
	delete(t.lastBroadcast, throttleKey(room, userId))
	t.mu.Unlock()

	if changed {
		t.notify(room)
	}
	t.emit(TypingEvent{UserId: userId, Room: room, Action: "stop", Origin: t.origin})
}

// applyRemote applies a typing event from the push channel. Events published
// by this instance come back on the same subject and are skipped by origin id;
// duplicate deliveries are harmless because the transitions are idempotent.
func (t *typingCoordinator) applyRemote(event TypingEvent) {
	if event.Origin != "" && event.Origin == t.origin {
		return
	}
	now := t.clock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	var changed bool
	switch event.Action {
	case "start":
		changed = t.applyStartLocked(event.Room, event.UserId, event.Username, now)
	case "stop":
		changed = t.removeLocked(event.Room, event.UserId)
	}
	t.mu.Unlock()

	if changed {
		t.notify(event.Room)
	}
}

// typingUsers returns the room's visible typing set in insertion order.
// Entries older than the typing timeout are treated as absent even if the
// sweep has not caught them yet, and the requesting user never appears in
// their own view.
func (t *typingCoordinator) typingUsers(room, exceptUserId string) []TypingUser {
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	rt, ok := t.rooms[room]
	if !ok {
		return nil
	}
	users := make([]TypingUser, 0, len(rt.order))
	for _, userId := range rt.order {
		if userId == exceptUserId {
			continue
		}
		entry := rt.entries[userId]
		if now.Sub(entry.since) > t.timeout {
			continue
		}
		users = append(users, TypingUser{UserId: userId, Username: entry.username})
	}
	return users
}

// sweep force-removes entries older than timeout+grace. The per-entry timers
// normally get there first; this covers lost timer handles (e.g. after a
// suspend/resume cycle). Returns the number of entries removed.
func (t *typingCoordinator) sweep() int {
	now := t.clock()

	t.mu.Lock()
	removed := 0
	var changedRooms []string
	for room, rt := range t.rooms {
		roomRemoved := 0
		for userId, entry := range rt.entries {
			if now.Sub(entry.since) > t.timeout+typingSweepGrace {
				if t.removeLocked(room, userId) {
					roomRemoved++
				}
			}
		}
		if roomRemoved > 0 {
			removed += roomRemoved
			changedRooms = append(changedRooms, room)
		}
	}
	t.mu.Unlock()

	for _, room := range changedRooms {
		t.notify(room)
	}
	return removed
}

// runSweeper runs the safety-net sweep every interval until ctx is cancelled.
func (t *typingCoordinator) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.sweep(); removed > 0 {
				slog.Debug("Typing sweep removed stale entries", "removed", removed)
			}
		}
	}
}

// clearRoom tears down one room: drops its typing set and cancels every
// pending timeout. Other rooms are untouched.
func (t *typingCoordinator) clearRoom(room string) {
	t.mu.Lock()
	rt, ok := t.rooms[room]
	if ok {
		for _, entry := range rt.entries {
			entry.timer.Stop()
		}
		delete(t.rooms, room)
	}
	for key := range t.lastBroadcast {
		if len(key) > len(room) && key[:len(room)] == room && key[len(room)] == '\x00' {
			delete(t.lastBroadcast, key)
		}
	}
	t.mu.Unlock()

	if ok {
		t.notify(room)
	}
}

// close tears down every room and stops accepting transitions.
func (t *typingCoordinator) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, rt := range t.rooms {
		for _, entry := range rt.entries {
			entry.timer.Stop()
		}
	}
	t.rooms = make(map[string]*roomTyping)
	t.lastBroadcast = make(map[string]time.Time)
}

// counts reports how many start broadcasts went out and how many were
// throttled away.
func (t *typingCoordinator) counts() (broadcasts, suppressed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broadcasts, t.suppressed
}

func (t *typingCoordinator) applyStartLocked(room, userId, username string, now time.Time) bool {
	rt, ok := t.rooms[room]
	if !ok {
		rt = &roomTyping{entries: make(map[string]*typingEntry)}
		t.rooms[room] = rt
	}
	entry, exists := rt.entries[userId]
	if exists {
		if username != "" {
			entry.username = username
		}
		entry.since = now
		t.armTimerLocked(room, userId, entry)
		return false
	}
	entry = &typingEntry{username: username, since: now}
	rt.entries[userId] = entry
	rt.order = append(rt.order, userId)
	t.armTimerLocked(room, userId, entry)
	return true
}

// armTimerLocked (re)arms the per-user timeout. Each arming gets a fresh
// generation so a timer that already fired cannot remove a refreshed entry.
func (t *typingCoordinator) armTimerLocked(room, userId string, entry *typingEntry) {
	t.gen++
	gen := t.gen
	entry.gen = gen
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(t.timeout, func() {
		t.expire(room, userId, gen)
	})
}

func (t *typingCoordinator) expire(room, userId string, gen uint64) {
	t.mu.Lock()
	rt, ok := t.rooms[room]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry, ok := rt.entries[userId]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	t.removeLocked(room, userId)
	t.mu.Unlock()

	t.notify(room)
}

func (t *typingCoordinator) removeLocked(room, userId string) bool {
	rt, ok := t.rooms[room]
	if !ok {
		return false
	}
	entry, ok := rt.entries[userId]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(rt.entries, userId)
	for i, id := range rt.order {
		if id == userId {
			rt.order = append(rt.order[:i], rt.order[i+1:]...)
			break
		}
	}
	if len(rt.entries) == 0 {
		delete(t.rooms, room)
	}
	return true
}

// notify and emit run outside the coordinator lock: both hooks may call back
// into the coordinator or block on the network.
func (t *typingCoordinator) notify(room string) {
	if t.onChange != nil {
		t.onChange(room)
	}
}

func (t *typingCoordinator) emit(event TypingEvent) {
	if t.broadcast != nil {
		t.broadcast(event)
	}
}
