// Package store is the durable record of rooms, messages, tasks, goals and
// room knowledge, including chunked documents.
//
// It is a single SQLite database opened in WAL mode. Every write that must be
// race-safe (message sequence assignment, idempotent task creation, join code
// allocation) is a single statement so concurrent callers never need an
// application-level lock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// timeFormat is fixed-width so text comparison in SQL orders chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store provides access to the persisted chat state.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Stats holds row counts for the main tables.
type Stats struct {
	Rooms     int
	Messages  int
	OpenTasks int
	Knowledge int
	Documents int
}

// Open opens (or creates) the database at path and applies the schema.
// The sqlite driver must be registered by the caller (modernc.org/sqlite).
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	// WAL for concurrent readers, foreign keys on, wait on lock contention
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}

	stats := s.Stats(context.Background())
	slog.Info("store opened",
		"path", path,
		"rooms", stats.Rooms,
		"messages", stats.Messages,
		"open_tasks", stats.OpenTasks,
	)

	return s, nil
}

// migrate adds missing columns, then the indexes that depend on them.
func migrate(db *sql.DB) error {
	for _, m := range columnMigrations {
		var count int
		if err := db.QueryRow(
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&count); err != nil {
			return fmt.Errorf("inspect %s.%s: %w", m.table, m.column, err)
		}
		if count > 0 {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
		slog.Info("store column added", "table", m.table, "column", m.column)
	}
	if _, err := db.Exec(postMigrationIndexes); err != nil {
		return fmt.Errorf("create migrated indexes: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Stats returns table counts. Errors leave the affected count at zero.
func (s *Store) Stats(ctx context.Context) Stats {
	var st Stats
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&st.Rooms)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&st.Messages)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE status = 'open'").Scan(&st.OpenTasks)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge").Scan(&st.Knowledge)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&st.Documents)
	return st
}

// --- KV Operations ---

// KVGet retrieves a value from the key-value store.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// KVSet stores a value in the key-value store.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.stamp(),
	)
	return err
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeFormat)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime parses timestamps written by this package or by hand.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
