package softlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result is the outcome of a hold attempt.
type Result string

const (
	ResultHeld     Result = "held"
	ResultConflict Result = "conflict"
)

var (
	ErrNotHolder       = errors.New("softlock: not holder")
	ErrInvalidArgument = errors.New("softlock: invalid argument")
)

// Store arbitrates contended calendar slots between concurrent call tasks.
//
// Invariants:
// - For a key, at most one unexpired holder exists at any instant.
// - A hold is re-entrant for its holder; re-holding extends the lease.
// - Expiry is enforced by the store, never by callers.
type Store interface {
	TryHold(ctx context.Context, key, holder string, ttl time.Duration) (Result, error)
	Refresh(ctx context.Context, key, holder string, ttl time.Duration) error
	// Release is idempotent and only removes the key when holder owns it.
	Release(ctx context.Context, key, holder string) error
	// IsHeld returns the current holder, or "" when the key is free.
	IsHeld(ctx context.Context, key string) (string, error)
}

// SlotKey scopes a hold to one user, date (YYYY-MM-DD) and time (HH:MM).
func SlotKey(userID, date, clock string) string {
	return fmt.Sprintf("hold:%s:%s:%s", userID, date, clock)
}

// BookingKey guards a campaign's confirm step.
func BookingKey(campaignID string) string {
	return fmt.Sprintf("lock:campaign:%s:booked", campaignID)
}

func validate(key, holder string, ttl time.Duration) error {
	if key == "" || holder == "" {
		return fmt.Errorf("%w: key and holder required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidArgument)
	}
	return nil
}
