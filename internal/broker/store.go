package broker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	kind      TEXT    NOT NULL,
	conn      TEXT    NOT NULL DEFAULT '',
	remote    TEXT    NOT NULL DEFAULT '',
	topic     TEXT    NOT NULL DEFAULT '',
	message   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_topic_ts ON events(topic, timestamp);
`

// Store persists journal events in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates a SQLite database at path with WAL mode.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Limit SQLite page cache to ~2MB (negative = KB).
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		slog.Warn("failed to set database file permissions", "error", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvents writes events in one transaction.
func (s *Store) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (timestamp, kind, conn, remote, topic, message)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Time.Unix(), e.Kind, e.Conn, e.Remote, e.Topic, e.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EventFilter selects stored events. Zero Start or End leaves that side
// unbounded.
type EventFilter struct {
	Start int64
	End   int64
	Kind  string
	Topic string
	Limit int
}

// QueryEvents returns the newest matching events, oldest first.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var where []string
	var args []any
	if f.Start > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Start)
	}
	if f.End > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, f.End)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, f.Topic)
	}

	query := `SELECT timestamp, kind, conn, remote, topic, message FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&ts, &e.Kind, &e.Conn, &e.Remote, &e.Topic, &e.Message); err != nil {
			return nil, err
		}
		e.Time = time.Unix(ts, 0)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// Prune deletes events older than retentionDays.
func (s *Store) Prune(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).Unix()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", cutoff); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}
