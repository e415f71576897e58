package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
)

// LockStatus is the outcome of an acquire attempt.
type LockStatus string

const (
	LockAcquired LockStatus = "acquired"
	LockRenewed  LockStatus = "renewed"
	LockLocked   LockStatus = "locked"
)

// LockResult is returned to the caller as-is.
type LockResult struct {
	Status     LockStatus `json:"status"`
	OwnerID    string     `json:"owner_id"`
	TTL        int64      `json:"ttl"`
	HTTPStatus int        `json:"http_status"`
}

const defaultLockTTL = 120 * time.Second

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LockService keeps advisory, expiring conversation locks in Redis.
type LockService struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewLockService builds the service. A non-positive TTL falls back to 120s.
func NewLockService(client *redis.Client, cfg config.ConversationConfig, logger *zap.Logger) *LockService {
	ttl := cfg.LockTTL()
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &LockService{client: client, ttl: ttl, logger: logger.Named("lock")}
}

// LockKey returns the Redis key holding a conversation's lock owner.
func LockKey(conversationID string) string {
	return "lock:conversation:" + conversationID
}

// Acquire takes the lock, renews it for its current owner or reports the other owner.
func (s *LockService) Acquire(ctx context.Context, conversationID, actorID string) (LockResult, error) {
	key := LockKey(conversationID)
	seconds := int64(s.ttl / time.Second)

	// the owner can expire between SETNX and GET, so try twice
	for range 2 {
		ok, err := s.client.SetNX(ctx, key, actorID, s.ttl).Result()
		if err != nil {
			return LockResult{}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return LockResult{Status: LockAcquired, OwnerID: actorID, TTL: seconds, HTTPStatus: http.StatusOK}, nil
		}

		renewed, err := renewScript.Run(ctx, s.client, []string{key}, actorID, seconds).Int64()
		if err != nil {
			return LockResult{}, fmt.Errorf("renew %s: %w", key, err)
		}
		if renewed == 1 {
			return LockResult{Status: LockRenewed, OwnerID: actorID, TTL: seconds, HTTPStatus: http.StatusOK}, nil
		}

		owner, ttl, err := s.peek(ctx, key)
		if err != nil {
			return LockResult{}, err
		}
		if owner != "" {
			return LockResult{Status: LockLocked, OwnerID: owner, TTL: ttl, HTTPStatus: http.StatusLocked}, nil
		}
	}
	return LockResult{}, fmt.Errorf("acquire %s: lock kept changing hands", key)
}

// Release deletes the lock when actorID owns it or force is set.
func (s *LockService) Release(ctx context.Context, conversationID, actorID string, force bool) (bool, error) {
	key := LockKey(conversationID)
	if force {
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("release %s: %w", key, err)
		}
		return n > 0, nil
	}
	n, err := releaseScript.Run(ctx, s.client, []string{key}, actorID).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n > 0, nil
}

// Owner returns the current owner, or "" when unlocked.
func (s *LockService) Owner(ctx context.Context, conversationID string) (string, error) {
	owner, err := s.client.Get(ctx, LockKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// IsLockedByOther reports the owner and remaining TTL when someone other than
// actorID holds the lock.
func (s *LockService) IsLockedByOther(ctx context.Context, conversationID, actorID string) (string, int64, bool, error) {
	owner, ttl, err := s.peek(ctx, LockKey(conversationID))
	if err != nil {
		return "", 0, false, err
	}
	if owner == "" || owner == actorID {
		return "", 0, false, nil
	}
	return owner, ttl, true, nil
}

func (s *LockService) peek(ctx context.Context, key string) (string, int64, error) {
	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read %s: %w", key, err)
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return "", 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return owner, int64(ttl / time.Second), nil
}
