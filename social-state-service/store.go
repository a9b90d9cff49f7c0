package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// postgresStore is the authoritative-store adapter backed by PostgreSQL.
type postgresStore struct {
	profileStmt  *sql.Stmt
	presenceStmt *sql.Stmt
}

func newPostgresStore(db *sql.DB) (*postgresStore, error) {
	profileStmt, err := db.Prepare(
		`SELECT username, avatar_url, status, last_seen
		 FROM users
		 WHERE user_id = $1`,
	)
	if err != nil {
		return nil, fmt.Errorf("prepare profile query: %w", err)
	}

	presenceStmt, err := db.Prepare(
		`SELECT rm.user_id, COALESCE(u.status, 'offline'), COALESCE(u.last_seen, 0)
		 FROM room_members rm
		 LEFT JOIN users u ON u.user_id = rm.user_id
		 WHERE rm.room = $1
		 ORDER BY rm.joined_at`,
	)
	if err != nil {
		profileStmt.Close()
		return nil, fmt.Errorf("prepare presence query: %w", err)
	}

	return &postgresStore{profileStmt: profileStmt, presenceStmt: presenceStmt}, nil
}

func (s *postgresStore) close() {
	s.profileStmt.Close()
	s.presenceStmt.Close()
}

func (s *postgresStore) fetchProfile(ctx context.Context, userId string) (CachedUser, error) {
	var (
		username string
		avatar   sql.NullString
		status   sql.NullString
		lastSeen sql.NullInt64
	)
	err := s.profileStmt.QueryRowContext(ctx, userId).Scan(&username, &avatar, &status, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedUser{}, fmt.Errorf("profile %s: %w", userId, ErrProfileNotFound)
	}
	if err != nil {
		return CachedUser{}, fmt.Errorf("fetch profile %s: %w: %v", userId, ErrStoreUnavailable, err)
	}

	user := CachedUser{
		UserId:   userId,
		Username: username,
		Status:   statusOffline,
		LastSeen: lastSeen.Int64,
	}
	if avatar.Valid {
		user.AvatarUrl = avatar.String
	}
	if status.Valid && validStatuses[status.String] {
		user.Status = status.String
	}
	return user, nil
}

func (s *postgresStore) fetchRoomPresence(ctx context.Context, room string) ([]PresenceEntry, error) {
	rows, err := s.presenceStmt.QueryContext(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("fetch presence %s: %w: %v", room, ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []PresenceEntry
	for rows.Next() {
		var entry PresenceEntry
		if err := rows.Scan(&entry.UserId, &entry.Status, &entry.LastSeen); err != nil {
			return nil, fmt.Errorf("scan presence row %s: %w: %v", room, ErrStoreUnavailable, err)
		}
		entry.Room = room
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch presence %s: %w: %v", room, ErrStoreUnavailable, err)
	}
	return entries, nil
}
