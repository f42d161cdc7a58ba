package calendar

import (
	"context"
	"fmt"
	"time"
)

// Slot is one bookable window for a user.
type Slot struct {
	Date        string // YYYY-MM-DD
	Time        string // HH:MM, 24h
	DurationMin int
}

func (s Slot) Start(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s.Date+" "+s.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar: invalid slot %s %s: %w", s.Date, s.Time, err)
	}
	return t, nil
}

func (s Slot) Duration() time.Duration {
	if s.DurationMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.DurationMin) * time.Minute
}

// Booking is what gets committed when a user confirms an offer.
type Booking struct {
	UserID       string
	ProviderID   string
	ProviderName string
	Slot         Slot
	Reference    string // appointment id
}

// Calendar is the authoritative availability collaborator.
// CommitBooking returns an error matching apperr.ErrConflict when the slot is taken.
type Calendar interface {
	HasConflict(ctx context.Context, userID string, slot Slot) (bool, error)
	CommitBooking(ctx context.Context, b Booking) error
}

func overlaps(aStart time.Time, aDur time.Duration, bStart time.Time, bDur time.Duration) bool {
	return aStart.Before(bStart.Add(bDur)) && bStart.Before(aStart.Add(aDur))
}
