package softlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var holdScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = holder
-- ARGV[2] = ttl_ms
--
-- Returns:
--  1 if held (new or re-entrant)
--  0 if another holder owns the key
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var refreshScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = holder
-- ARGV[2] = ttl_ms
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = holder
-- Compare-and-delete so a stale holder never frees a newer lease.
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps leases as plain keys with PX expiry so Redis enforces the TTL.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("softlock: redis client is nil")
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) TryHold(ctx context.Context, key, holder string, ttl time.Duration) (Result, error) {
	if err := validate(key, holder, ttl); err != nil {
		return "", err
	}
	n, err := holdScript.Run(ctx, s.rdb, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return "", fmt.Errorf("softlock: hold %s: %w", key, err)
	}
	if n == 1 {
		return ResultHeld, nil
	}
	return ResultConflict, nil
}

func (s *RedisStore) Refresh(ctx context.Context, key, holder string, ttl time.Duration) error {
	if err := validate(key, holder, ttl); err != nil {
		return err
	}
	n, err := refreshScript.Run(ctx, s.rdb, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("softlock: refresh %s: %w", key, err)
	}
	if n != 1 {
		return ErrNotHolder
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, holder string) error {
	if key == "" || holder == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, s.rdb, []string{key}, holder).Result(); err != nil {
		return fmt.Errorf("softlock: release %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IsHeld(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("softlock: get %s: %w", key, err)
	}
	return v, nil
}
