package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/tracker/payload"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string // Redis server address (host:port)
	Password  string // Redis password (optional)
	DB        int    // Redis database number
	KeyPrefix string // Namespace for all keys; defaults to "tracker"
}

// RedisStore is a Redis implementation of EventStore.
//
// Layout under the key prefix:
//   - <prefix>:seq   INCR counter that assigns event ids
//   - <prefix>:ids   sorted set of pending ids (score = id)
//   - <prefix>:data  hash of id -> JSON record
type RedisStore struct {
	client *redis.Client
	owned  bool
	keySeq string
	keyIDs string
	keyDat string
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
	logger zerolog.Logger
}

// OpenRedisStore connects to Redis and verifies the connection.
// The returned store owns the client and closes it on Close.
func OpenRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := NewRedisStore(client, cfg.KeyPrefix, opts...)
	s.owned = true
	return s, nil
}

// NewRedisStore wraps an existing client. The caller keeps ownership of client.
func NewRedisStore(client *redis.Client, keyPrefix string, opts ...Option) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "tracker"
	}
	o := applyOptions(opts)
	return &RedisStore{
		client: client,
		keySeq: keyPrefix + ":seq",
		keyIDs: keyPrefix + ":ids",
		keyDat: keyPrefix + ":data",
		now:    o.now,
		logger: o.logger,
	}
}

type redisRecord struct {
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Insert assigns the next id and writes the record and index atomically.
func (s *RedisStore) Insert(ctx context.Context, p *payload.Payload) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(redisRecord{CreatedAt: s.now().UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode event record: %w", err)
	}

	id, err := s.client.Incr(ctx, s.keySeq).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate event id: %w", err)
	}
	member := strconv.FormatInt(id, 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyDat, member, buf)
		pipe.ZAdd(ctx, s.keyIDs, redis.Z{Score: float64(id), Member: member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// records loads the records for members, skipping ids whose data vanished.
// Ids whose record or payload does not decode are returned as corrupt.
func (s *RedisStore) records(ctx context.Context, members []string) ([]Event, []int64, error) {
	if len(members) == 0 {
		return nil, nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.keyDat, members...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load events: %w", err)
	}

	var corrupt []int64
	events := make([]Event, 0, len(members))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(members[i], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid event id %q: %w", members[i], err)
		}
		var rec redisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		p, err := decodePayload(rec.Data)
		if err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		events = append(events, Event{ID: id, Payload: p, CreatedAt: time.UnixMilli(rec.CreatedAt)})
	}
	return events, corrupt, nil
}

// Read returns up to limit events ordered by id.
func (s *RedisStore) Read(ctx context.Context, limit int) ([]Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRange(ctx, s.keyIDs, 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read event ids: %w", err)
	}
	events, corrupt, err := s.records(ctx, members)
	if err != nil {
		return nil, err
	}
	dropCorrupt(ctx, s, s.logger, corrupt)
	return events, nil
}

// Delete removes the events with the given ids.
func (s *RedisStore) Delete(ctx context.Context, ids []int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}
	if err := s.deleteIDs(ctx, ids); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) deleteIDs(ctx context.Context, ids []int64) error {
	fields := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		fields[i] = strconv.FormatInt(id, 10)
		members[i] = fields[i]
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.keyIDs, members...)
		pipe.HDel(ctx, s.keyDat, fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// Count returns the number of pending events.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, s.keyIDs).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int(n), nil
}

// RemoveOldest applies the retention policy.
func (s *RedisStore) RemoveOldest(ctx context.Context, maxCount int, maxAge time.Duration) error {
	events, err := s.Read(ctx, 0)
	if err != nil {
		return err
	}
	metas := make([]storedMeta, len(events))
	for i, ev := range events {
		metas[i] = storedMeta{id: ev.ID, createdAt: ev.CreatedAt.UnixMilli()}
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
	return s.deleteIDs(ctx, drop)
}

// Close marks the store closed and closes the client when the store owns it.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}
