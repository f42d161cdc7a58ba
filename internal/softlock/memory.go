package softlock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryStore is a process-local Store used by tests and the loopback stack.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: map[string]lease{}, clock: time.Now}
}

// NewMemoryStoreWithClock lets tests drive lease expiry.
func NewMemoryStoreWithClock(clock func() time.Time) *MemoryStore {
	return &MemoryStore{leases: map[string]lease{}, clock: clock}
}

func (s *MemoryStore) TryHold(ctx context.Context, key, holder string, ttl time.Duration) (Result, error) {
	if err := validate(key, holder, ttl); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if l, ok := s.live(key, now); ok && l.holder != holder {
		return ResultConflict, nil
	}
	s.leases[key] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return ResultHeld, nil
}

func (s *MemoryStore) Refresh(ctx context.Context, key, holder string, ttl time.Duration) error {
	if err := validate(key, holder, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	l, ok := s.live(key, now)
	if !ok || l.holder != holder {
		return ErrNotHolder
	}
	l.expiresAt = now.Add(ttl)
	s.leases[key] = l
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.live(key, s.clock()); ok && l.holder == holder {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryStore) IsHeld(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.live(key, s.clock()); ok {
		return l.holder, nil
	}
	return "", nil
}

// live returns the unexpired lease for key, dropping it when expired.
func (s *MemoryStore) live(key string, now time.Time) (lease, bool) {
	l, ok := s.leases[key]
	if !ok {
		return lease{}, false
	}
	if !now.Before(l.expiresAt) {
		delete(s.leases, key)
		return lease{}, false
	}
	return l, true
}
