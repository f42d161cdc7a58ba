package campaign

import (
	"context"
	"sync"
	"time"

	"swarm-scheduler/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Quota caps how many live campaigns one user may run. Slots are held per
// campaign, so a repeated release for the same campaign is harmless.
type Quota interface {
	Acquire(ctx context.Context, ownerID, campaignID string) (bool, error)
	Release(ctx context.Context, ownerID, campaignID string) error
}

// RedisQuota keeps each owner's live campaign ids in Redis. A slot leaked by
// a crash expires after ttl, normally one campaign budget.
type RedisQuota struct {
	rdb   redis.Scripter
	limit int
	ttl   time.Duration
	now   func() time.Time
}

func NewRedisQuota(rdb redis.Scripter, limit int, ttl time.Duration) *RedisQuota {
	return &RedisQuota{rdb: rdb, limit: limit, ttl: ttl, now: time.Now}
}

func quotaKey(ownerID string) string { return "campaigns:active:" + ownerID }

func (q *RedisQuota) Acquire(ctx context.Context, ownerID, campaignID string) (bool, error) {
	return utils.AcquireSlot(ctx, q.rdb, quotaKey(ownerID), campaignID, q.limit, q.ttl, q.now())
}

func (q *RedisQuota) Release(ctx context.Context, ownerID, campaignID string) error {
	return utils.ReleaseSlot(ctx, q.rdb, quotaKey(ownerID), campaignID)
}

// MemoryQuota is the in-process equivalent of RedisQuota, without expiry.
type MemoryQuota struct {
	limit  int
	mu     sync.Mutex
	active map[string]map[string]struct{}
}

func NewMemoryQuota(limit int) *MemoryQuota {
	return &MemoryQuota{limit: limit, active: make(map[string]map[string]struct{})}
}

func (q *MemoryQuota) Acquire(_ context.Context, ownerID, campaignID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	held := q.active[ownerID]
	if _, ok := held[campaignID]; ok {
		return true, nil
	}
	if len(held) >= q.limit {
		return false, nil
	}
	if held == nil {
		held = make(map[string]struct{})
		q.active[ownerID] = held
	}
	held[campaignID] = struct{}{}
	return true, nil
}

func (q *MemoryQuota) Release(_ context.Context, ownerID, campaignID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active[ownerID], campaignID)
	if len(q.active[ownerID]) == 0 {
		delete(q.active, ownerID)
	}
	return nil
}
