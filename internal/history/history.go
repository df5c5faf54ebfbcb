// Package history records which tracks were played in which room,
// backed by SQLite. The play queue itself is never persisted; this is
// a ledger of started tracks for the history command.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwynn/groovebox/internal/track"
)

// Store is a per-room play history backed by SQLite.
type Store struct {
	db *sql.DB
}

// Entry is one recorded play.
type Entry struct {
	ID       int64
	RoomID   string
	Title    string
	Duration time.Duration
	PlayedAt time.Time
}

// Open opens (or creates) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection keeps in-memory databases consistent and is
	// plenty for this write rate.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS plays (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			title TEXT NOT NULL,
			duration INTEGER NOT NULL,
			played_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_room_played ON plays(room_id, played_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Add records that a track started playing in a room.
func (s *Store) Add(ctx context.Context, roomID string, t track.Track) (int64, error) {
	query := `
		INSERT INTO plays (room_id, title, duration, played_at)
		VALUES (?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		roomID,
		t.Title,
		int64(t.Duration/time.Millisecond),
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert play: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}

	return id, nil
}

// Recent returns the most recent plays for a room, newest first.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	query := `
		SELECT id, room_id, title, duration, played_at
		FROM plays
		WHERE room_id = ?
		ORDER BY played_at DESC, id DESC
	`

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plays: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationMillis int64
		var playedAtUnix int64

		if err := rows.Scan(&e.ID, &e.RoomID, &e.Title, &durationMillis, &playedAtUnix); err != nil {
			return nil, fmt.Errorf("failed to scan play: %w", err)
		}

		e.Duration = time.Duration(durationMillis) * time.Millisecond
		e.PlayedAt = time.Unix(playedAtUnix, 0)

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plays: %w", err)
	}

	return entries, nil
}

// Cleanup removes plays older than maxAge to prevent unbounded growth.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()

	result, err := s.db.ExecContext(ctx, `DELETE FROM plays WHERE played_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old plays: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
