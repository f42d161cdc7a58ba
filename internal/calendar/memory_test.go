package calendar

import (
	"context"
	"errors"
	"testing"

	"swarm-scheduler/internal/apperr"
)

func TestMemory_ConflictOnOverlap(t *testing.T) {
	m := NewMemory()
	if err := m.Block("u1", Slot{Date: "2026-03-06", Time: "10:00", DurationMin: 60}); err != nil {
		t.Fatalf("block: %v", err)
	}

	busy, err := m.HasConflict(context.Background(), "u1", Slot{Date: "2026-03-06", Time: "10:30", DurationMin: 30})
	if err != nil || !busy {
		t.Fatalf("expected conflict, got busy=%v err=%v", busy, err)
	}
	busy, err = m.HasConflict(context.Background(), "u1", Slot{Date: "2026-03-06", Time: "11:00", DurationMin: 30})
	if err != nil || busy {
		t.Fatalf("expected free slot, got busy=%v err=%v", busy, err)
	}
	busy, _ = m.HasConflict(context.Background(), "u2", Slot{Date: "2026-03-06", Time: "10:30"})
	if busy {
		t.Fatalf("other users never conflict")
	}
}

func TestMemory_CommitIsIdempotentPerReference(t *testing.T) {
	m := NewMemory()
	b := Booking{UserID: "u1", ProviderID: "p1", Slot: Slot{Date: "2026-03-06", Time: "09:00"}, Reference: "appt-1"}

	if err := m.CommitBooking(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := m.CommitBooking(context.Background(), b); err != nil {
		t.Fatalf("retry commit: %v", err)
	}
	if m.Bookings("u1") != 1 {
		t.Fatalf("expected 1 booking, got %d", m.Bookings("u1"))
	}

	other := b
	other.Reference = "appt-2"
	if err := m.CommitBooking(context.Background(), other); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemory_FailCommitsIsUpstream(t *testing.T) {
	m := NewMemory()
	m.SetFailCommits(true)
	err := m.CommitBooking(context.Background(), Booking{UserID: "u", Slot: Slot{Date: "2026-03-06", Time: "09:00"}})
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestSlot_StartRejectsGarbage(t *testing.T) {
	if _, err := (Slot{Date: "friday", Time: "10 AM"}).Start(nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
