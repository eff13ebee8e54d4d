package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/tracker/payload"
)

// MySQLStore is a MySQL/MariaDB implementation of EventStore.
//
// It lets several server-side producers share one durable queue. Payloads are
// stored as LONGTEXT rather than JSON because MySQL normalizes JSON key order.
//
// Schema:
//   - tracker_events: id (auto increment), event_data, created_at (unix ms)
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
	logger zerolog.Logger
}

// NewMySQLStore connects to MySQL and creates the events table if needed.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    st, err := store.NewMySQLStore(dsn)
func NewMySQLStore(dsn string, opts ...Option) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)  // prevent stale connections
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	o := applyOptions(opts)
	m := &MySQLStore{db: db, now: o.now, logger: o.logger}

	eventsTable := `
		CREATE TABLE IF NOT EXISTS tracker_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_data LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := db.ExecContext(ctx, eventsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tracker_events table: %w", err)
	}

	return m, nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Insert appends p to tracker_events.
func (m *MySQLStore) Insert(ctx context.Context, p *payload.Payload) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		"INSERT INTO tracker_events (event_data, created_at) VALUES (?, ?)",
		string(data), m.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Read returns up to limit events ordered by id.
func (m *MySQLStore) Read(ctx context.Context, limit int) ([]Event, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	events, corrupt, err := queryEvents(ctx, m.db,
		"SELECT id, event_data, created_at FROM tracker_events ORDER BY id ASC LIMIT ?",
		retentionLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	dropCorrupt(ctx, m, m.logger, corrupt)
	return events, nil
}

// Delete removes the events with the given ids.
func (m *MySQLStore) Delete(ctx context.Context, ids []int64) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	placeholders, args := inClause(ids)
	// #nosec G201 -- placeholders are not user input, just "?" marks for parameterized query
	query := fmt.Sprintf("DELETE FROM tracker_events WHERE id IN (%s)", placeholders)
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("failed to delete events: %w", err)
	}
	return true, nil
}

// Count returns the number of pending events.
func (m *MySQLStore) Count(ctx context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tracker_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// RemoveOldest applies the retention policy.
//
// MySQL rejects LIMIT inside an IN subquery, so the survivors are selected
// through a derived table.
func (m *MySQLStore) RemoveOldest(ctx context.Context, maxCount int, maxAge time.Duration) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	query := `
		DELETE FROM tracker_events WHERE id NOT IN (
			SELECT id FROM (
				SELECT id FROM tracker_events
				WHERE created_at >= ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			) AS keep_rows
		)
	`
	_, err := m.db.ExecContext(ctx, query, retentionCutoff(m.now(), maxAge), retentionLimit(maxCount))
	if err != nil {
		return fmt.Errorf("failed to apply retention: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Close closes the connection pool. Double-close is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
