package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/tracker/payload"
)

// PostgresStore is a PostgreSQL implementation of EventStore backed by a
// pgx connection pool. Payloads are stored as TEXT to preserve key order.
type PostgresStore struct {
	pool   *pgxpool.Pool
	owned  bool
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
	logger zerolog.Logger
}

var _ EventStore = (*PostgresStore)(nil)

// OpenPostgresStore creates a pool for databaseURL and prepares the schema.
// The returned store owns the pool and closes it on Close.
func OpenPostgresStore(ctx context.Context, databaseURL string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStore wraps an existing pool. The caller keeps ownership of pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS tracker_events (
			id BIGSERIAL PRIMARY KEY,
			event_data TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tracker_events_created ON tracker_events (created_at);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create tracker_events table: %w", err)
	}
	o := applyOptions(opts)
	return &PostgresStore{pool: pool, now: o.now, logger: o.logger}, nil
}

func (s *PostgresStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Insert appends p to tracker_events.
func (s *PostgresStore) Insert(ctx context.Context, p *payload.Payload) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	const query = `INSERT INTO tracker_events (event_data, created_at) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, query, string(data), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Read returns up to limit events ordered by id.
func (s *PostgresStore) Read(ctx context.Context, limit int) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	const query = `SELECT id, event_data, created_at FROM tracker_events ORDER BY id ASC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, retentionLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

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
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		p, err := decodePayload([]byte(eventJSON))
		if err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		events = append(events, Event{ID: id, Payload: p, CreatedAt: time.UnixMilli(createdAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	rows.Close()
	dropCorrupt(ctx, s, s.logger, corrupt)
	return events, nil
}

// Delete removes the events with the given ids.
func (s *PostgresStore) Delete(ctx context.Context, ids []int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	const query = `DELETE FROM tracker_events WHERE id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return false, fmt.Errorf("failed to delete events: %w", err)
	}
	return true, nil
}

// Count returns the number of pending events.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tracker_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// RemoveOldest applies the retention policy in one statement.
func (s *PostgresStore) RemoveOldest(ctx context.Context, maxCount int, maxAge time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	const query = `
		DELETE FROM tracker_events WHERE id NOT IN (
			SELECT id FROM tracker_events
			WHERE created_at >= $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		)`
	if _, err := s.pool.Exec(ctx, query, retentionCutoff(s.now(), maxAge), retentionLimit(maxCount)); err != nil {
		return fmt.Errorf("failed to apply retention: %w", err)
	}
	return nil
}

// Close marks the store closed and releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		s.pool.Close()
	}
	return nil
}
