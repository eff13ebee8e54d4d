package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/tracker/payload"
)

var (
	badgerEventPrefix = []byte("evt:")
	badgerSeqKey      = []byte("seq:events")
)

// BadgerStore is an embedded key/value implementation of EventStore.
//
// Keys are "evt:" followed by the big-endian event id, so prefix iteration
// yields events in insertion order. IDs come from a badger sequence and stay
// monotonic across restarts.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
	logger zerolog.Logger
}

type badgerRecord struct {
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// OpenBadgerStore opens the badger directory at path. An empty path opens an
// in-memory database.
func OpenBadgerStore(path string, opts ...Option) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence(badgerSeqKey, 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open event sequence: %w", err)
	}
	o := applyOptions(opts)
	return &BadgerStore{db: db, seq: seq, now: o.now, logger: o.logger}, nil
}

func badgerKey(id int64) []byte {
	key := make([]byte, len(badgerEventPrefix)+8)
	copy(key, badgerEventPrefix)
	binary.BigEndian.PutUint64(key[len(badgerEventPrefix):], uint64(id)) // #nosec G115 -- ids are positive
	return key
}

func badgerID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(badgerEventPrefix):])) // #nosec G115 -- written by badgerKey
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Insert appends p under the next sequence id.
func (s *BadgerStore) Insert(_ context.Context, p *payload.Payload) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate event id: %w", err)
	}
	buf, err := json.Marshal(badgerRecord{CreatedAt: s.now().UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode event record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(int64(n)+1), buf) // #nosec G115 -- sequence stays far below MaxInt64
	})
}

// scan walks events in id order until fn returns false. A record that fails to
// decode is passed to fn as the zero badgerRecord.
func (s *BadgerStore) scan(ctx context.Context, values bool, fn func(id int64, rec badgerRecord) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = values
		opts.Prefix = badgerEventPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(badgerEventPrefix); it.ValidForPrefix(badgerEventPrefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item := it.Item()
			var rec badgerRecord
			if values {
				if err := item.Value(func(val []byte) error {
					if json.Unmarshal(val, &rec) != nil {
						rec = badgerRecord{}
					}
					return nil
				}); err != nil {
					return fmt.Errorf("failed to load event record: %w", err)
				}
			}
			if !fn(badgerID(item.Key()), rec) {
				return nil
			}
		}
		return nil
	})
}

// Read returns up to limit events ordered by id.
func (s *BadgerStore) Read(ctx context.Context, limit int) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var (
		events  []Event
		corrupt []int64
	)
	err := s.scan(ctx, true, func(id int64, rec badgerRecord) bool {
		p, err := decodePayload(rec.Data)
		if err != nil {
			corrupt = append(corrupt, id)
			return true
		}
		events = append(events, Event{ID: id, Payload: p, CreatedAt: time.UnixMilli(rec.CreatedAt)})
		return limit <= 0 || len(events) < limit
	})
	if err != nil {
		return nil, err
	}
	dropCorrupt(ctx, s, s.logger, corrupt)
	return events, nil
}

// Delete removes the events with the given ids.
func (s *BadgerStore) Delete(_ context.Context, ids []int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	if err := s.deleteIDs(ids); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) deleteIDs(ids []int64) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(badgerKey(id)); err != nil {
			return fmt.Errorf("failed to delete event %d: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// Count returns the number of pending events.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := s.scan(ctx, false, func(int64, badgerRecord) bool {
		n++
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveOldest applies the retention policy.
func (s *BadgerStore) RemoveOldest(ctx context.Context, maxCount int, maxAge time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var metas []storedMeta
	err := s.scan(ctx, true, func(id int64, rec badgerRecord) bool {
		metas = append(metas, storedMeta{id: id, createdAt: rec.CreatedAt})
		return true
	})
	if err != nil {
		return err
	}

	keep := survivors(metas, retentionCutoff(s.now(), maxAge), maxCount)
	var drop []int64
	for _, m := range metas {
		if _, ok := keep[m.id]; !ok {
			drop = append(drop, m.id)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return s.deleteIDs(drop)
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to release event sequence: %w", err)
	}
	return s.db.Close()
}
