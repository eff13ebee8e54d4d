package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/dshills/tracker-go/tracker/payload"
)

// SQLiteStore is a SQLite implementation of EventStore.
//
// It keeps pending events in a single-file database so they survive process
// crashes and restarts. This is the default store for applications.
//
// Features:
//   - One database file per tracker namespace (see PathForNamespace)
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - A single connection, so inserts and deletes are serialized
//
// Schema:
//   - events: id (autoincrement), event_data (JSON text), created_at (unix ms)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	now    func() time.Time
	logger zerolog.Logger
}

// PathForNamespace returns the database file used by the tracker namespace
// inside dir. Characters outside [A-Za-z0-9_-] are replaced with '_' so every
// namespace maps to a valid file name.
//
// Example:
//
//	path := store.PathForNamespace(dataDir, "checkout")
//	st, err := store.NewSQLiteStore(path)
func PathForNamespace(dir, namespace string) string {
	var b strings.Builder
	for _, r := range namespace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return filepath.Join(dir, "tracker-events-"+b.String()+".sqlite")
}

// NewSQLiteStore opens (or creates) the event database at path.
//
// The path parameter specifies the database file location:
//   - "./events.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./events.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open (required for :memory:)
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout (wait up to 5 seconds for locks)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	o := applyOptions(opts)
	s := &SQLiteStore{
		db:     db,
		path:   path,
		now:    o.now,
		logger: o.logger,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	eventsTable := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_data TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_events_created: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Insert appends p to the events table.
func (s *SQLiteStore) Insert(ctx context.Context, p *payload.Payload) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (event_data, created_at) VALUES (?, ?)",
		string(data), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Read returns up to limit events ordered by id.
func (s *SQLiteStore) Read(ctx context.Context, limit int) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	events, corrupt, err := queryEvents(ctx, s.db,
		"SELECT id, event_data, created_at FROM events ORDER BY id ASC LIMIT ?",
		retentionLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	dropCorrupt(ctx, s, s.logger, corrupt)
	return events, nil
}

// Delete removes the events with the given ids.
func (s *SQLiteStore) Delete(ctx context.Context, ids []int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}

	placeholders, args := inClause(ids)
	// #nosec G201 -- placeholders are not user input, just "?" marks for parameterized query
	query := fmt.Sprintf("DELETE FROM events WHERE id IN (%s)", placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("failed to delete events: %w", err)
	}
	return true, nil
}

// Count returns the number of rows in the events table.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// RemoveOldest keeps the maxCount newest events created within maxAge and
// deletes everything else in a single statement.
func (s *SQLiteStore) RemoveOldest(ctx context.Context, maxCount int, maxAge time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := `
		DELETE FROM events WHERE id NOT IN (
			SELECT id FROM events
			WHERE created_at >= ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`
	_, err := s.db.ExecContext(ctx, query, retentionCutoff(s.now(), maxAge), retentionLimit(maxCount))
	if err != nil {
		return fmt.Errorf("failed to apply retention: %w", err)
	}
	return nil
}

// Close closes the database connection.
//
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// inClause builds "?, ?, ?" and the matching argument list for ids.
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

// queryEvents scans (id, event_data, created_at) rows into events. Rows whose
// event_data does not decode are returned as corrupt ids instead.
func queryEvents(ctx context.Context, db *sql.DB, query string, args ...any) ([]Event, []int64, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		events  []Event
		corrupt []int64
	)
	for rows.Next() {
		var (
			id        int64
			eventJSON string
			createdAt int64
		)
		if err := rows.Scan(&id, &eventJSON, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		p, err := decodePayload([]byte(eventJSON))
		if err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		events = append(events, Event{ID: id, Payload: p, CreatedAt: time.UnixMilli(createdAt)})
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, corrupt, nil
}
