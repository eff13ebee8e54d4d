package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/tracker/payload"
)

// MemStore is an in-memory implementation of EventStore.
//
// Payloads are kept in their encoded form so that later changes to a
// caller's payload never leak into the queue, and so that Insert rejects
// unserializable payloads exactly like the durable stores do.
//
// Designed for:
//   - Testing and development
//   - Platforms without a writable disk
//   - Short-lived processes that flush before exit
//
// Pending events can survive a restart through SaveSnapshot and LoadSnapshot,
// which write an atomic JSON file.
//
// MemStore is safe for concurrent use.
type MemStore struct {
	mu     sync.RWMutex
	events []memEvent
	nextID int64
	closed bool
	now    func() time.Time
	logger zerolog.Logger
}

type memEvent struct {
	ID        int64           `json:"id"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

type memSnapshot struct {
	NextID int64      `json:"next_id"`
	Events []memEvent `json:"events"`
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	emitter, err := tracker.NewEmitter(conn, st)
func NewMemStore(opts ...Option) *MemStore {
	o := applyOptions(opts)
	return &MemStore{
		events: make([]memEvent, 0),
		now:    o.now,
		logger: o.logger,
	}
}

// Insert appends p to the queue.
func (m *MemStore) Insert(_ context.Context, p *payload.Payload) error {
	data, err := encodePayload(p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.nextID++
	m.events = append(m.events, memEvent{
		ID:        m.nextID,
		CreatedAt: m.now().UnixMilli(),
		Data:      data,
	})
	return nil
}

// Read returns up to limit events, oldest first.
func (m *MemStore) Read(ctx context.Context, limit int) ([]Event, error) {
	events, corrupt, err := m.read(limit)
	if err != nil {
		return nil, err
	}
	dropCorrupt(ctx, m, m.logger, corrupt)
	return events, nil
}

func (m *MemStore) read(limit int) ([]Event, []int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil, ErrClosed
	}

	n := len(m.events)
	if limit > 0 && limit < n {
		n = limit
	}

	var corrupt []int64
	events := make([]Event, 0, n)
	for _, ev := range m.events[:n] {
		p, err := decodePayload(ev.Data)
		if err != nil {
			corrupt = append(corrupt, ev.ID)
			continue
		}
		events = append(events, Event{
			ID:        ev.ID,
			Payload:   p,
			CreatedAt: time.UnixMilli(ev.CreatedAt),
		})
	}
	return events, corrupt, nil
}

// Delete removes the events with the given IDs.
func (m *MemStore) Delete(_ context.Context, ids []int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if len(ids) == 0 {
		return false, nil
	}

	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := m.events[:0]
	for _, ev := range m.events {
		if _, ok := drop[ev.ID]; !ok {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return true, nil
}

// Count returns the number of pending events.
func (m *MemStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.events), nil
}

// RemoveOldest evicts events outside the retention window.
func (m *MemStore) RemoveOldest(_ context.Context, maxCount int, maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	metas := make([]storedMeta, len(m.events))
	for i, ev := range m.events {
		metas[i] = storedMeta{id: ev.ID, createdAt: ev.CreatedAt}
	}
	keep := survivors(metas, retentionCutoff(m.now(), maxAge), maxCount)

	kept := m.events[:0]
	for _, ev := range m.events {
		if _, ok := keep[ev.ID]; ok {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

// SaveSnapshot atomically writes the pending events to path.
//
// The file is written to a temporary sibling and renamed into place, so a
// crash never leaves a truncated snapshot behind.
func (m *MemStore) SaveSnapshot(path string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	data, err := json.Marshal(memSnapshot{NextID: m.nextID, Events: m.events})
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the store contents with the snapshot at path.
// A missing file leaves the store empty and is not an error.
func (m *MemStore) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the embedding application
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap memSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.events = snap.Events
	if m.events == nil {
		m.events = make([]memEvent, 0)
	}
	m.nextID = snap.NextID
	for _, ev := range m.events {
		if ev.ID > m.nextID {
			m.nextID = ev.ID
		}
	}
	return nil
}

// Close marks the store closed. Subsequent operations return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
