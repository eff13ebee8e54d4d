package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/internal/log"
	"github.com/dshills/tracker-go/tracker/payload"
)

var (
	// ErrClosed is returned by every operation on a store after Close.
	ErrClosed = errors.New("event store is closed")

	// ErrUnserializable is returned by Insert when the payload cannot be
	// encoded. The event is not stored; the store remains usable.
	ErrUnserializable = errors.New("event payload is not serializable")
)

// noLimit stands in for "all rows" in SQL dialects that require a LIMIT value.
const noLimit = math.MaxInt32

// EventStore is the durable queue of events waiting to be sent to the collector.
//
// Implementations must provide:
//   - FIFO reads: Read returns the oldest events first, ordered by ID
//   - Monotonic IDs: each inserted event gets an ID larger than every earlier one
//   - Idempotent deletes: deleting an unknown ID is a no-op, not an error
//   - Per-operation atomicity: Insert may run concurrently with Read and Delete
//
// Available implementations:
//   - MemStore: in-process, optional JSON snapshot (tests, platforms without disk)
//   - SQLiteStore: single-file database, crash durable (default for apps)
//   - BadgerStore: embedded LSM key/value store
//   - MySQLStore, PostgresStore: shared relational stores for server-side producers
//   - RedisStore: shared in-memory store with optional persistence
type EventStore interface {
	// Insert appends a payload to the queue and assigns it the next ID.
	// Returns ErrUnserializable (wrapped) if the payload cannot be encoded.
	Insert(ctx context.Context, p *payload.Payload) error

	// Read returns up to limit pending events, oldest first, without removing
	// them. A limit <= 0 returns every pending event. Events whose stored data
	// can no longer be decoded are deleted and left out of the result.
	Read(ctx context.Context, limit int) ([]Event, error)

	// Delete removes the events with the given IDs. Unknown IDs are ignored.
	// The bool reports whether the delete statement was executed.
	Delete(ctx context.Context, ids []int64) (bool, error)

	// Count returns the number of pending events.
	Count(ctx context.Context) (int, error)

	// RemoveOldest applies the retention policy: rows older than maxAge are
	// evicted first, then only the maxCount newest survivors are kept.
	// maxCount <= 0 disables the count cap; maxAge <= 0 disables the age cap.
	RemoveOldest(ctx context.Context, maxCount int, maxAge time.Duration) error

	// Close releases the underlying resources. Calling Close twice is safe.
	Close() error
}

// Event is a pending event as returned by Read.
type Event struct {
	// ID is the store-assigned, monotonically increasing identifier.
	ID int64

	// Payload holds the event fields exactly as they were inserted.
	Payload *payload.Payload

	// CreatedAt is the insertion time used by the retention policy.
	CreatedAt time.Time
}

// Option configures optional store behaviour.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger zerolog.Logger
}

// WithClock overrides the time source used to stamp inserted events.
// Intended for retention tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger used to report dropped events.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now, logger: log.WithComponent("store")}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// encodePayload serializes p for storage.
func encodePayload(p *payload.Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnserializable)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnserializable, err)
	}
	return data, nil
}

// decodePayload restores a payload written by encodePayload.
func decodePayload(data []byte) (*payload.Payload, error) {
	p := payload.New()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode stored event: %w", err)
	}
	return p, nil
}

// dropCorrupt deletes events that failed to decode during Read.
func dropCorrupt(ctx context.Context, st EventStore, logger zerolog.Logger, ids []int64) {
	if len(ids) == 0 {
		return
	}
	logger.Warn().Ints64("ids", ids).Msg("dropping undecodable stored events")
	if _, err := st.Delete(ctx, ids); err != nil {
		logger.Error().Err(err).Ints64("ids", ids).Msg("failed to drop undecodable events")
	}
}

// retentionCutoff returns the oldest creation time (unix ms) that survives
// maxAge. Zero when the age cap is disabled.
func retentionCutoff(now time.Time, maxAge time.Duration) int64 {
	if maxAge <= 0 {
		return 0
	}
	return now.Add(-maxAge).UnixMilli()
}

// retentionLimit maps a disabled count cap to noLimit.
func retentionLimit(maxCount int) int {
	if maxCount <= 0 {
		return noLimit
	}
	return maxCount
}

// survivors picks which events RemoveOldest keeps. events must be ordered by ID
// ascending. The result holds the IDs of the maxCount newest events created at
// or after cutoff.
func survivors(events []storedMeta, cutoff int64, maxCount int) map[int64]struct{} {
	limit := retentionLimit(maxCount)
	keep := make(map[int64]struct{})
	for i := len(events) - 1; i >= 0 && len(keep) < limit; i-- {
		if events[i].createdAt >= cutoff {
			keep[events[i].id] = struct{}{}
		}
	}
	return keep
}

// storedMeta is the id/creation-time pair used by retention in key/value stores.
type storedMeta struct {
	id        int64
	createdAt int64
}
