package main

import (
	"sync"
	"testing"
	"time"
)

// typingRecorder captures broadcasts and change notifications from a
// coordinator under test.
type typingRecorder struct {
	mu      sync.Mutex
	events  []TypingEvent
	changes []string
}

func (r *typingRecorder) broadcast(event TypingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *typingRecorder) onChange(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, room)
}

func (r *typingRecorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *typingRecorder) lastEvent() TypingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *typingRecorder) changeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func newTestCoordinator(clock *fakeClock) (*typingCoordinator, *typingRecorder) {
	rec := &typingRecorder{}
	// A large timeout keeps real timers from firing during clock-driven tests.
	tc := newTypingCoordinator(time.Hour, time.Second, "origin-self", clock.Now)
	tc.broadcast = rec.broadcast
	tc.onChange = rec.onChange
	return tc, rec
}

func TestStartTypingThrottle(t *testing.T) {
	clock := newFakeClock()
	tc, rec := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	if rec.eventCount() != 1 {
		t.Fatalf("broadcasts = %d after first start, want 1", rec.eventCount())
	}
	if event := rec.lastEvent(); event.Action != "start" || event.Origin != "origin-self" {
		t.Errorf("event = %+v, want start with origin id", event)
	}

	// Repeats inside the throttle window refresh local state silently.
	clock.Advance(300 * time.Millisecond)
	tc.startTyping("general", "u1", "ann")
	clock.Advance(300 * time.Millisecond)
	tc.startTyping("general", "u1", "ann")
	if rec.eventCount() != 1 {
		t.Errorf("broadcasts = %d inside throttle window, want 1", rec.eventCount())
	}
	if users := tc.typingUsers("general", ""); len(users) != 1 {
		t.Errorf("typing users = %d, suppressed start lost local state", len(users))
	}

	clock.Advance(time.Second)
	tc.startTyping("general", "u1", "ann")
	if rec.eventCount() != 2 {
		t.Errorf("broadcasts = %d after throttle window, want 2", rec.eventCount())
	}

	broadcasts, suppressed := tc.counts()
	if broadcasts != 2 || suppressed != 2 {
		t.Errorf("counts = %d broadcast, %d suppressed; want 2 and 2", broadcasts, suppressed)
	}
}

func TestThrottleIsPerRoomAndUser(t *testing.T) {
	clock := newFakeClock()
	tc, rec := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	tc.startTyping("general", "u2", "bob")
	tc.startTyping("random", "u1", "ann")
	if rec.eventCount() != 3 {
		t.Errorf("broadcasts = %d, want 3 (throttle keyed per room and user)", rec.eventCount())
	}
}

func TestStopTypingClearsThrottle(t *testing.T) {
	clock := newFakeClock()
	tc, rec := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	tc.stopTyping("general", "u1")
	if event := rec.lastEvent(); event.Action != "stop" {
		t.Fatalf("event = %+v, want stop", event)
	}
	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Errorf("typing users = %d after stop, want 0", len(users))
	}

	// A start right after a stop broadcasts immediately.
	tc.startTyping("general", "u1", "ann")
	if event := rec.lastEvent(); event.Action != "start" {
		t.Errorf("start after stop was throttled")
	}
	if rec.eventCount() != 3 {
		t.Errorf("broadcasts = %d, want 3", rec.eventCount())
	}
}

func TestTypingTimeout(t *testing.T) {
	rec := &typingRecorder{}
	tc := newTypingCoordinator(50*time.Millisecond, 10*time.Millisecond, "origin-self", nil)
	tc.broadcast = rec.broadcast
	tc.onChange = rec.onChange
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	if users := tc.typingUsers("general", ""); len(users) != 1 {
		t.Fatalf("typing users = %d, want 1", len(users))
	}

	time.Sleep(120 * time.Millisecond)
	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Errorf("typing users = %d after timeout, want 0", len(users))
	}
	if rec.changeCount() < 2 {
		t.Errorf("changes = %d, want start and timeout notifications", rec.changeCount())
	}
}

func TestTypingRefreshDefersTimeout(t *testing.T) {
	rec := &typingRecorder{}
	tc := newTypingCoordinator(80*time.Millisecond, time.Millisecond, "origin-self", nil)
	tc.broadcast = rec.broadcast
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		tc.startTyping("general", "u1", "ann")
	}
	// 150ms elapsed, well past the timeout, but refreshes kept it alive.
	if users := tc.typingUsers("general", ""); len(users) != 1 {
		t.Errorf("typing users = %d, refresh did not defer the timeout", len(users))
	}

	time.Sleep(160 * time.Millisecond)
	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Errorf("typing users = %d after last refresh timed out, want 0", len(users))
	}
}

func TestApplyRemote(t *testing.T) {
	clock := newFakeClock()
	tc, rec := newTestCoordinator(clock)
	defer tc.close()

	// Own broadcasts come back on the shared subject and are skipped.
	tc.applyRemote(TypingEvent{UserId: "u1", Username: "ann", Room: "general", Action: "start", Origin: "origin-self"})
	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Fatal("coordinator applied its own broadcast")
	}

	tc.applyRemote(TypingEvent{UserId: "u1", Username: "ann", Room: "general", Action: "start", Origin: "origin-other"})
	if users := tc.typingUsers("general", ""); len(users) != 1 || users[0].Username != "ann" {
		t.Fatalf("typing users = %+v, want remote ann", users)
	}

	// Duplicate delivery is a no-op.
	tc.applyRemote(TypingEvent{UserId: "u1", Username: "ann", Room: "general", Action: "start", Origin: "origin-other"})
	if users := tc.typingUsers("general", ""); len(users) != 1 {
		t.Errorf("typing users = %d after duplicate start, want 1", len(users))
	}
	if rec.changeCount() != 1 {
		t.Errorf("changes = %d, want 1 (duplicates do not notify)", rec.changeCount())
	}

	// Remote transitions never rebroadcast.
	if rec.eventCount() != 0 {
		t.Errorf("broadcasts = %d from remote events, want 0", rec.eventCount())
	}

	tc.applyRemote(TypingEvent{UserId: "u1", Room: "general", Action: "stop", Origin: "origin-other"})
	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Errorf("typing users = %d after remote stop, want 0", len(users))
	}
	// Stop for an absent user is harmless.
	tc.applyRemote(TypingEvent{UserId: "u9", Room: "general", Action: "stop", Origin: "origin-other"})
}

func TestTypingUsersExcludesRequester(t *testing.T) {
	clock := newFakeClock()
	tc, _ := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	tc.startTyping("general", "u2", "bob")

	users := tc.typingUsers("general", "u1")
	if len(users) != 1 || users[0].UserId != "u2" {
		t.Errorf("typing users = %+v, requester not excluded", users)
	}
	if users := tc.typingUsers("general", ""); len(users) != 2 {
		t.Errorf("typing users = %d without requester filter, want 2", len(users))
	}
}

func TestTypingUsersInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	tc, _ := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u2", "bob")
	tc.startTyping("general", "u1", "ann")
	clock.Advance(2 * time.Second)
	tc.startTyping("general", "u2", "bob") // refresh keeps original position

	users := tc.typingUsers("general", "")
	if len(users) != 2 || users[0].UserId != "u2" || users[1].UserId != "u1" {
		t.Errorf("typing users = %+v, want insertion order u2, u1", users)
	}
}

func TestTypingUsersLazyTimeout(t *testing.T) {
	clock := newFakeClock()
	tc, _ := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	clock.Advance(2 * time.Hour)

	// The real timer has not fired, but the entry is past the timeout.
	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Errorf("typing users = %d past timeout, want 0", len(users))
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	tc, _ := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	tc.startTyping("general", "u2", "bob")
	clock.Advance(30 * time.Minute)
	tc.startTyping("random", "u3", "carol")
	clock.Advance(time.Hour) // general's entries past timeout+grace, random's not

	if removed := tc.sweep(); removed != 2 {
		t.Errorf("sweep removed %d, want 2", removed)
	}
	if users := tc.typingUsers("random", ""); len(users) != 1 {
		t.Errorf("sweep touched a room with live entries")
	}
	if removed := tc.sweep(); removed != 0 {
		t.Errorf("second sweep removed %d, want 0", removed)
	}
}

func TestClearRoom(t *testing.T) {
	clock := newFakeClock()
	tc, rec := newTestCoordinator(clock)
	defer tc.close()

	tc.startTyping("general", "u1", "ann")
	tc.startTyping("random", "u2", "bob")
	tc.clearRoom("general")

	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Errorf("typing users = %d in cleared room, want 0", len(users))
	}
	if users := tc.typingUsers("random", ""); len(users) != 1 {
		t.Errorf("clearRoom touched an unrelated room")
	}

	// Throttle stamps for the cleared room are gone too.
	before := rec.eventCount()
	tc.startTyping("general", "u1", "ann")
	if rec.eventCount() != before+1 {
		t.Error("start after clearRoom was throttled")
	}
}

func TestCloseStopsTransitions(t *testing.T) {
	clock := newFakeClock()
	tc, rec := newTestCoordinator(clock)

	tc.startTyping("general", "u1", "ann")
	tc.close()

	before := rec.eventCount()
	tc.startTyping("general", "u2", "bob")
	tc.stopTyping("general", "u1")
	tc.applyRemote(TypingEvent{UserId: "u3", Room: "general", Action: "start", Origin: "origin-other"})

	if rec.eventCount() != before {
		t.Errorf("broadcasts after close, want none")
	}
	if users := tc.typingUsers("general", ""); len(users) != 0 {
		t.Errorf("typing users = %d after close, want 0", len(users))
	}
}
