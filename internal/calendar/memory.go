package calendar

import (
	"context"
	"sync"
	"time"

	"swarm-scheduler/internal/apperr"
)

type entry struct {
	start     time.Time
	dur       time.Duration
	reference string
}

// Memory is an in-process calendar. It backs the loopback stack and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]entry // user id -> commitments

	// FailCommits makes CommitBooking return an upstream failure; tests use it
	// to exercise the deferred sync path.
	FailCommits bool
}

func NewMemory() *Memory {
	return &Memory{entries: map[string][]entry{}}
}

// Block adds an existing commitment for a user.
func (m *Memory) Block(userID string, slot Slot) error {
	start, err := slot.Start(time.UTC)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = append(m.entries[userID], entry{start: start, dur: slot.Duration()})
	return nil
}

func (m *Memory) HasConflict(ctx context.Context, userID string, slot Slot) (bool, error) {
	start, err := slot.Start(time.UTC)
	if err != nil {
		return false, apperr.Validation("%v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictLocked(userID, start, slot.Duration(), ""), nil
}

func (m *Memory) CommitBooking(ctx context.Context, b Booking) error {
	start, err := b.Slot.Start(time.UTC)
	if err != nil {
		return apperr.Validation("%v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommits {
		return apperr.Upstream("calendar", context.DeadlineExceeded)
	}
	if m.conflictLocked(b.UserID, start, b.Slot.Duration(), b.Reference) {
		return apperr.Conflict("slot %s %s already booked", b.Slot.Date, b.Slot.Time)
	}
	for _, e := range m.entries[b.UserID] {
		if b.Reference != "" && e.reference == b.Reference {
			return nil
		}
	}
	m.entries[b.UserID] = append(m.entries[b.UserID], entry{start: start, dur: b.Slot.Duration(), reference: b.Reference})
	return nil
}

// Bookings returns the number of commitments held for a user.
func (m *Memory) Bookings(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[userID])
}

func (m *Memory) SetFailCommits(v bool) {
	m.mu.Lock()
	m.FailCommits = v
	m.mu.Unlock()
}

// conflictLocked ignores entries carrying reference so a retried commit is idempotent.
func (m *Memory) conflictLocked(userID string, start time.Time, dur time.Duration, reference string) bool {
	for _, e := range m.entries[userID] {
		if reference != "" && e.reference == reference {
			continue
		}
		if overlaps(start, dur, e.start, e.dur) {
			return true
		}
	}
	return false
}
