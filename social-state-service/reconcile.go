package main

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrStoreUnavailable is surfaced when the authoritative store cannot be
	// reached. It is never masked as a cache miss or an empty result.
	ErrStoreUnavailable = errors.New("authoritative store unavailable")
	// ErrProfileNotFound means the store answered and the user does not exist.
	ErrProfileNotFound = errors.New("profile not found")
)

// authoritativeStore is the boundary to durable social data. Failures of
// either call surface as ErrStoreUnavailable.
type authoritativeStore interface {
	fetchProfile(ctx context.Context, userId string) (CachedUser, error)
	fetchRoomPresence(ctx context.Context, room string) ([]PresenceEntry, error)
}

// reconciler is the single entry point for "give me current presence/profile
// data": cache-first, store-fallback, populate-on-miss. It owns no state of
// its own and performs no retries; a failed resolve is fatal to that one
// request and retry policy belongs to the caller.
type reconciler struct {
	cache *presenceCache
	store authoritativeStore

	hitCounter  metric.Int64Counter // optional, set by the composition root
	missCounter metric.Int64Counter
}

func newReconciler(cache *presenceCache, store authoritativeStore) *reconciler {
	return &reconciler{cache: cache, store: store}
}

// resolveProfile returns the cached profile when live, otherwise fetches from
// the authoritative store and populates the cache.
func (r *reconciler) resolveProfile(ctx context.Context, userId string) (CachedUser, error) {
	if user, ok := r.cache.getUser(userId); ok {
		r.count(ctx, r.hitCounter, "profile")
		return user, nil
	}
	r.count(ctx, r.missCounter, "profile")

	user, err := r.store.fetchProfile(ctx, userId)
	if err != nil {
		return CachedUser{}, err
	}
	return r.cache.cacheUser(user), nil
}

// resolvePresence returns the cached room presence set when live, otherwise
// bulk-loads the snapshot from the authoritative store and populates the
// cache. A cold room costs exactly one store fetch; a warm one costs none.
func (r *reconciler) resolvePresence(ctx context.Context, room string) ([]PresenceEntry, error) {
	if cached := r.cache.getRoomPresence(room); cached != nil {
		r.count(ctx, r.hitCounter, "presence")
		return cached, nil
	}
	r.count(ctx, r.missCounter, "presence")

	entries, err := r.store.fetchRoomPresence(ctx, room)
	if err != nil {
		return nil, err
	}
	r.cache.cacheRoomPresence(room, entries)
	return r.cache.getRoomPresence(room), nil
}

// invalidateUser busts one user's cached profile; the next resolve refetches.
func (r *reconciler) invalidateUser(userId string) {
	r.cache.clearUser(userId)
}

// invalidateRoom busts one room's cached presence set.
func (r *reconciler) invalidateRoom(room string) {
	r.cache.clearRoom(room)
}

func (r *reconciler) count(ctx context.Context, counter metric.Int64Counter, kind string) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
