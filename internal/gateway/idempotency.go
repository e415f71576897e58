package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SendRecord is the remembered result of a send, keyed by client_message_id.
type SendRecord struct {
	WaMessageID *string `json:"waMessageId"`
	WaTimestamp string  `json:"waTimestamp"`
}

// IdempotencyStore remembers send results for a bounded time.
type IdempotencyStore interface {
	Get(ctx context.Context, clientMessageID string) (*SendRecord, error)
	Put(ctx context.Context, clientMessageID string, rec SendRecord) error
}

// MemoryIdempotencyStore keeps records in process. It only deduplicates
// within one gateway instance.
type MemoryIdempotencyStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewMemoryIdempotencyStore returns a store expiring records after ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{cache: cache.New(ttl, time.Minute), ttl: ttl}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, clientMessageID string) (*SendRecord, error) {
	v, ok := s.cache.Get(clientMessageID)
	if !ok {
		return nil, nil
	}
	rec := v.(SendRecord)
	return &rec, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, clientMessageID string, rec SendRecord) error {
	s.cache.Set(clientMessageID, rec, s.ttl)
	return nil
}

// RedisIdempotencyStore keeps records in Redis with SET EX. When fallback is
// set, Redis errors are logged and the in-memory store answers instead.
type RedisIdempotencyStore struct {
	client   *redis.Client
	ttl      time.Duration
	fallback *MemoryIdempotencyStore
	logger   *zap.Logger
}

// NewRedisIdempotencyStore wires a Redis-backed store.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration, fallback *MemoryIdempotencyStore, logger *zap.Logger) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl, fallback: fallback, logger: logger.Named("idempotency")}
}

func idempotencyKey(clientMessageID string) string {
	return "wa:outbound:" + clientMessageID
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, clientMessageID string) (*SendRecord, error) {
	if clientMessageID == "" {
		return nil, nil
	}
	raw, err := s.client.Get(ctx, idempotencyKey(clientMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if s.fallback == nil {
			return nil, err
		}
		s.logger.Warn("failed to read idempotency record from redis", zap.Error(err))
		return s.fallback.Get(ctx, clientMessageID)
	}
	var rec SendRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, clientMessageID string, rec SendRecord) error {
	if clientMessageID == "" {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, idempotencyKey(clientMessageID), payload, s.ttl).Err(); err != nil {
		if s.fallback == nil {
			return err
		}
		s.logger.Warn("failed to write idempotency record to redis", zap.Error(err))
		return s.fallback.Put(ctx, clientMessageID, rec)
	}
	return nil
}
