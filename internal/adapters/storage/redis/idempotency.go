package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"payment-orchestration-engine/internal/core/ports"
)

// IdempotencyStore memoizes responses and processed message keys in Redis.
type IdempotencyStore struct {
	rdb *redis.Client
}

func NewIdempotencyStore(rdb *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb}
}

func responseKey(key string) string  { return "idem:response:" + key }
func processedKey(key string) string { return "idem:processed:" + key }

func (s *IdempotencyStore) GetCachedResponse(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, responseKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET failed: %w", err)
	}
	return b, true, nil
}

func (s *IdempotencyStore) CacheResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, responseKey(key), response, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, processedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS failed: %w", err)
	}
	return n == 1, nil
}

func (s *IdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, processedKey(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return ok, nil
}

func (s *IdempotencyStore) Forget(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, processedKey(key)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a Redis lease lock: SET NX PX with a random token.
type Locker struct {
	rdb   *redis.Client
	lease time.Duration
	poll  time.Duration
}

// NewLocker returns a locker whose leases expire after lease even when never released.
func NewLocker(rdb *redis.Client, lease time.Duration) *Locker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Locker{rdb: rdb, lease: lease, poll: 25 * time.Millisecond}
}

func lockKey(key string) string { return "lock:" + key }

func (l *Locker) AcquireLock(ctx context.Context, key string, timeout time.Duration) (ports.Lock, bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.rdb.SetNX(ctx, lockKey(key), token, l.lease).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis SETNX failed: %w", err)
		}
		if ok {
			return &redisLock{rdb: l.rdb, key: lockKey(key), token: token}, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

type redisLock struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
