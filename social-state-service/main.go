package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	otelhelper "github.com/example/nats-chat-social-state/pkg/otelhelper"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const queueGroup = "social-state-workers"

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()
	slog.Info("Starting Social State Service",
		"nats_url", cfg.natsURL,
		"cache_ttl", cfg.cacheTTL,
		"max_cached_users", cfg.maxCachedUsers,
		"typing_timeout", cfg.typingTimeout,
		"typing_throttle", cfg.typingThrottle,
	)

	meter := otel.Meter("social-state-service")
	cacheHits, _ := meter.Int64Counter("social_cache_hits_total",
		metric.WithDescription("Resolves answered from the cache"))
	cacheMisses, _ := meter.Int64Counter("social_cache_misses_total",
		metric.WithDescription("Resolves that fell through to the authoritative store"))
	eventCounter, _ := meter.Int64Counter("social_events_total",
		metric.WithDescription("Push events applied, by subject family"))
	queryCounter, _ := meter.Int64Counter("social_queries_total",
		metric.WithDescription("Request/reply queries served, by kind"))
	queryDuration, _ := otelhelper.NewDurationHistogram(meter,
		"social_query_duration_seconds", "Duration of request/reply queries")

	// Connect to PostgreSQL with otelsql for automatic query tracing
	db, err := otelsql.Open("postgres", cfg.dbURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	store, err := newPostgresStore(db)
	if err != nil {
		slog.Error("Failed to prepare store queries", "error", err)
		os.Exit(1)
	}
	defer store.close()

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.natsURL,
			nats.UserInfo(cfg.natsUser, cfg.natsPass),
			nats.Name("social-state-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	instanceId := uuid.NewString()
	cache := newPresenceCache(cfg.maxCachedUsers, cfg.cacheTTL, nil)
	typing := newTypingCoordinator(cfg.typingTimeout, cfg.typingThrottle, instanceId, nil)

	typing.broadcast = func(event TypingEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			slog.Error("Failed to marshal typing event", "error", err)
			return
		}
		if err := otelhelper.TracedPublish(context.Background(), nc, "typing.event."+event.Room, data); err != nil {
			slog.Warn("Typing broadcast failed", "room", event.Room, "action", event.Action, "error", err)
		}
	}
	typing.onChange = func(room string) {
		users := typing.typingUsers(room, "")
		if users == nil {
			users = []TypingUser{}
		}
		data, err := json.Marshal(users)
		if err != nil {
			return
		}
		if err := nc.Publish("typing.changed."+room, data); err != nil {
			slog.Warn("Failed to publish typing change", "room", room, "error", err)
		}
	}

	rec := newReconciler(cache, store)
	rec.hitCounter = cacheHits
	rec.missCounter = cacheMisses

	_, err = meter.Int64ObservableGauge("social_cached_users",
		metric.WithDescription("Live cached user profiles"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(cache.stats().TotalCachedUsers))
			return nil
		}))
	if err != nil {
		slog.Warn("Failed to register cached-users gauge", "error", err)
	}
	_, err = meter.Int64ObservableCounter("social_typing_broadcasts_total",
		metric.WithDescription("Typing start broadcasts actually published"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			broadcasts, _ := typing.counts()
			o.Observe(broadcasts)
			return nil
		}))
	if err != nil {
		slog.Warn("Failed to register typing-broadcasts counter", "error", err)
	}
	_, err = meter.Int64ObservableCounter("social_typing_suppressed_total",
		metric.WithDescription("Typing start broadcasts suppressed by the throttle"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			_, suppressed := typing.counts()
			o.Observe(suppressed)
			return nil
		}))
	if err != nil {
		slog.Warn("Failed to register typing-suppressed counter", "error", err)
	}

	// --- push-event subscriptions ---

	// Presence events: full member snapshots replace the room's set, bare
	// events apply as single-user deltas.
	_, err = nc.Subscribe("presence.event.*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "apply presence event")
		defer span.End()

		room := subjectToken(msg.Subject, 2)
		var event PresenceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.WarnContext(ctx, "Invalid presence event", "room", room, "error", err)
			span.RecordError(err)
			return
		}
		if event.Room != "" {
			room = event.Room
		}
		if room == "" {
			return
		}
		span.SetAttributes(
			attribute.String("chat.room", room),
			attribute.String("presence.type", event.Type),
		)

		switch event.Type {
		case "join", "status_change":
			if len(event.Members) > 0 {
				cache.cacheRoomPresence(room, membersToEntries(room, event.Members))
			} else if event.UserId != "" {
				status := event.Status
				if !validStatuses[status] {
					status = statusOnline
				}
				cache.upsertPresence(room, event.UserId, status)
				cache.updateStatus(event.UserId, status)
			}
		case "leave":
			if len(event.Members) > 0 {
				cache.cacheRoomPresence(room, membersToEntries(room, event.Members))
			} else if event.UserId != "" {
				cache.removePresence(room, event.UserId)
			}
		default:
			slog.DebugContext(ctx, "Ignoring presence event", "type", event.Type, "room", room)
			return
		}
		eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("family", "presence")))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.event.*", "error", err)
		os.Exit(1)
	}

	// Profile updates refresh the cached profile. An update without a username
	// is a bare status change and must not repopulate an evicted entry.
	_, err = nc.Subscribe("profile.updated", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "apply profile update")
		defer span.End()

		var update ProfileUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			slog.WarnContext(ctx, "Invalid profile update", "error", err)
			span.RecordError(err)
			return
		}
		if update.UserId == "" {
			return
		}
		span.SetAttributes(attribute.String("chat.user", update.UserId))

		if update.Username != "" {
			cache.cacheUser(CachedUser{
				UserId:    update.UserId,
				Username:  update.Username,
				AvatarUrl: update.AvatarUrl,
				Status:    update.Status,
				LastSeen:  update.LastSeen,
			})
		} else if update.Status != "" {
			cache.updateStatus(update.UserId, update.Status)
		}
		eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("family", "profile")))
	})
	if err != nil {
		slog.Error("Failed to subscribe to profile.updated", "error", err)
		os.Exit(1)
	}

	// Typing events from other instances.
	_, err = nc.Subscribe("typing.event.*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "apply typing event")
		defer span.End()

		var event TypingEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.WarnContext(ctx, "Invalid typing event", "error", err)
			span.RecordError(err)
			return
		}
		if event.Room == "" {
			event.Room = subjectToken(msg.Subject, 2)
		}
		if event.Room == "" || event.UserId == "" {
			return
		}
		typing.applyRemote(event)
		eventCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("family", "typing"),
			attribute.String("typing.action", event.Action),
		))
	})
	if err != nil {
		slog.Error("Failed to subscribe to typing.event.*", "error", err)
		os.Exit(1)
	}

	// Client typing signals. Queue group so one instance owns each signal.
	_, err = nc.QueueSubscribe("typing.start", queueGroup, func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, "typing start")
		defer span.End()

		var req TypingRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" || req.Room == "" {
			return
		}
		span.SetAttributes(
			attribute.String("chat.room", req.Room),
			attribute.String("chat.user", req.UserId),
		)
		typing.startTyping(req.Room, req.UserId, req.Username)
	})
	if err != nil {
		slog.Error("Failed to subscribe to typing.start", "error", err)
		os.Exit(1)
	}

	_, err = nc.QueueSubscribe("typing.stop", queueGroup, func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, "typing stop")
		defer span.End()

		var req TypingRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" || req.Room == "" {
			return
		}
		span.SetAttributes(
			attribute.String("chat.room", req.Room),
			attribute.String("chat.user", req.UserId),
		)
		typing.stopTyping(req.Room, req.UserId)
	})
	if err != nil {
		slog.Error("Failed to subscribe to typing.stop", "error", err)
		os.Exit(1)
	}

	// Room teardown.
	_, err = nc.Subscribe("room.deleted.*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "room deleted")
		defer span.End()

		room := subjectToken(msg.Subject, 2)
		if room == "" {
			return
		}
		cache.clearRoom(room)
		typing.clearRoom(room)
		slog.InfoContext(ctx, "Cleared room state", "room", room)
	})
	if err != nil {
		slog.Error("Failed to subscribe to room.deleted.*", "error", err)
		os.Exit(1)
	}

	// --- request/reply queries ---

	respondJSON := func(msg *nats.Msg, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Error("Failed to marshal reply", "subject", msg.Subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("Failed to respond", "subject", msg.Subject, "error", err)
		}
	}
	respondError := func(ctx context.Context, msg *nats.Msg, err error) {
		code := errStoreUnavailable
		if errors.Is(err, ErrProfileNotFound) {
			code = errNotFound
		} else {
			slog.ErrorContext(ctx, "Store lookup failed", "subject", msg.Subject, "error", err)
		}
		respondJSON(msg, ErrorReply{Error: code})
	}
	recordQuery := func(ctx context.Context, kind string, start time.Time) {
		queryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
		queryDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("kind", kind)))
	}

	_, err = nc.Subscribe("social.profile.*", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "resolve profile")
		defer span.End()

		userId := subjectToken(msg.Subject, 2)
		if userId == "" {
			respondJSON(msg, ErrorReply{Error: errBadRequest})
			return
		}
		span.SetAttributes(attribute.String("chat.user", userId))

		user, err := rec.resolveProfile(ctx, userId)
		if err != nil {
			span.RecordError(err)
			respondError(ctx, msg, err)
			return
		}
		respondJSON(msg, user)
		recordQuery(ctx, "profile", start)
	})
	if err != nil {
		slog.Error("Failed to subscribe to social.profile.*", "error", err)
		os.Exit(1)
	}

	_, err = nc.Subscribe("social.presence.room.*", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "resolve room presence")
		defer span.End()

		room := subjectToken(msg.Subject, 3)
		if room == "" {
			respondJSON(msg, ErrorReply{Error: errBadRequest})
			return
		}
		span.SetAttributes(attribute.String("chat.room", room))

		entries, err := rec.resolvePresence(ctx, room)
		if err != nil {
			span.RecordError(err)
			respondError(ctx, msg, err)
			return
		}
		if entries == nil {
			entries = []PresenceEntry{}
		}
		respondJSON(msg, entries)
		recordQuery(ctx, "presence", start)
	})
	if err != nil {
		slog.Error("Failed to subscribe to social.presence.room.*", "error", err)
		os.Exit(1)
	}

	// Online-filtered view, cache only. An uncached room answers empty here;
	// callers who need the authoritative set use social.presence.room.
	_, err = nc.Subscribe("social.online.*", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "list online users")
		defer span.End()

		room := subjectToken(msg.Subject, 2)
		if room == "" {
			respondJSON(msg, ErrorReply{Error: errBadRequest})
			return
		}
		span.SetAttributes(attribute.String("chat.room", room))

		online := cache.getOnline(room)
		if online == nil {
			online = []PresenceEntry{}
		}
		respondJSON(msg, online)
		recordQuery(ctx, "online", start)
	})
	if err != nil {
		slog.Error("Failed to subscribe to social.online.*", "error", err)
		os.Exit(1)
	}

	_, err = nc.Subscribe("social.typing.*", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "list typing users")
		defer span.End()

		room := subjectToken(msg.Subject, 2)
		if room == "" {
			respondJSON(msg, ErrorReply{Error: errBadRequest})
			return
		}
		var query TypingQuery
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &query)
		}
		span.SetAttributes(attribute.String("chat.room", room))

		users := typing.typingUsers(room, query.UserId)
		if users == nil {
			users = []TypingUser{}
		}
		respondJSON(msg, users)
		recordQuery(ctx, "typing", start)
	})
	if err != nil {
		slog.Error("Failed to subscribe to social.typing.*", "error", err)
		os.Exit(1)
	}

	_, err = nc.Subscribe("social.search", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "search cached users")
		defer span.End()

		var req SearchRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				// Bare-string queries are accepted for convenience.
				req.Query = strings.TrimSpace(string(msg.Data))
			}
		}
		span.SetAttributes(attribute.String("search.query", req.Query))

		results := cache.search(req.Query)
		if results == nil {
			results = []CachedUser{}
		}
		respondJSON(msg, results)
		span.SetAttributes(attribute.Int("search.result_count", len(results)))
		recordQuery(ctx, "search", start)
	})
	if err != nil {
		slog.Error("Failed to subscribe to social.search", "error", err)
		os.Exit(1)
	}

	_, err = nc.Subscribe("social.stats", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "cache stats")
		defer span.End()

		respondJSON(msg, cache.stats())
		recordQuery(ctx, "stats", start)
	})
	if err != nil {
		slog.Error("Failed to subscribe to social.stats", "error", err)
		os.Exit(1)
	}

	// Background sweeps.
	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	go cache.runSweeper(sweepCtx, cfg.cacheSweepInterval)
	go typing.runSweeper(sweepCtx, cfg.typingSweepInterval)

	slog.Info("Social state service ready", "instance", instanceId)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down social state service")
	cancelSweeps()
	typing.close()
	nc.Drain()
}

// subjectToken returns the dot-separated token at index i, or "".
func subjectToken(subject string, i int) string {
	parts := strings.Split(subject, ".")
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}

func membersToEntries(room string, members []PresenceMember) []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(members))
	for _, m := range members {
		status := m.Status
		if !validStatuses[status] {
			status = statusOffline
		}
		entries = append(entries, PresenceEntry{
			UserId:   m.UserId,
			Room:     room,
			Status:   status,
			LastSeen: m.LastSeen,
		})
	}
	return entries
}
