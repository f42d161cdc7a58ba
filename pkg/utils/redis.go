package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior. Zero values take the defaults
// below.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	IOTimeout   time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 2 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	return c
}

// OpenRedis returns a client that has answered PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	cfg = cfg.withDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.IOTimeout,
		WriteTimeout:    cfg.IOTimeout,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// acquireSlotScript keeps one sorted-set member per holder, scored by its
// expiry in unix ms.
//
//	KEYS[1] slot set
//	ARGV[1] member
//	ARGV[2] limit
//	ARGV[3] now_ms
//	ARGV[4] ttl_ms
//
// Returns 1 when the member holds a slot, 0 when the set is full.
var acquireSlotScript = redis.NewScript(`
local now = tonumber(ARGV[3])
local expires = now + tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], expires, ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], expires, ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

var releaseSlotScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// AcquireSlot takes one of limit slots under key for member. Acquiring again
// with the same member refreshes its expiry instead of taking a second slot.
// A holder that never releases loses its slot after ttl.
func AcquireSlot(ctx context.Context, rdb redis.Scripter, key, member string, limit int, ttl time.Duration, now time.Time) (bool, error) {
	switch {
	case rdb == nil:
		return false, errors.New("redis client is nil")
	case key == "" || member == "":
		return false, errors.New("slot key and member are required")
	case limit <= 0:
		return false, fmt.Errorf("slot limit must be > 0, got %d", limit)
	case ttl < time.Millisecond:
		return false, fmt.Errorf("slot ttl must be >= 1ms, got %s", ttl)
	}
	n, err := acquireSlotScript.Run(ctx, rdb, []string{key}, member, limit, now.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot %s: %w", key, err)
	}
	return n == 1, nil
}

// ReleaseSlot gives member's slot back. Releasing a slot that is not held is
// a no-op.
func ReleaseSlot(ctx context.Context, rdb redis.Scripter, key, member string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	if key == "" || member == "" {
		return errors.New("slot key and member are required")
	}
	if err := releaseSlotScript.Run(ctx, rdb, []string{key}, member).Err(); err != nil {
		return fmt.Errorf("release slot %s: %w", key, err)
	}
	return nil
}
