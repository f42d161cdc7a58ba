package calendar

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/pkg/utils"
)

// calendarLockSpace namespaces the per-user advisory locks of CommitBooking.
const calendarLockSpace int32 = 0x43414c

// appointmentConfirmed mirrors the appointments.status of a booked slot.
const appointmentConfirmed = "confirmed"

// overlapQuery reports whether userID ($1) has anything in [$2, $3) other
// than reference $4. Commitments are calendar_entries rows and confirmed
// appointments whose calendar commit is still pending.
const overlapQuery = `
SELECT EXISTS (
  SELECT 1 FROM calendar_entries e
   WHERE e.user_id = $1
     AND e.reference <> $4
     AND e.starts_at < $3
     AND $2 < e.ends_at
  UNION ALL
  SELECT 1 FROM appointments a
   WHERE a.user_id = $1
     AND a.status = $5
     AND a.id::text <> $4
     AND ((a.date || ' ' || a.time)::timestamp AT TIME ZONE $6::text) < $3
     AND $2 < ((a.date || ' ' || a.time)::timestamp AT TIME ZONE $6::text) + make_interval(mins => a.duration_min)
)`

// Postgres is the durable calendar shared by every replica. CommitBooking
// serializes writers per user with a transaction scoped advisory lock.
type Postgres struct {
	db  *sql.DB
	loc *time.Location
}

// NewPostgres reads slot dates and times in loc. The tables come from the
// campaign schema.
func NewPostgres(db *sql.DB, loc *time.Location) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("calendar: db is nil")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Postgres{db: db, loc: loc}, nil
}

func (p *Postgres) HasConflict(ctx context.Context, userID string, slot Slot) (bool, error) {
	start, end, err := bounds(slot, p.loc)
	if err != nil {
		return false, err
	}
	var busy bool
	err = p.db.QueryRowContext(ctx, overlapQuery, userID, start, end, "", appointmentConfirmed, zoneName(p.loc)).Scan(&busy)
	if err != nil {
		return false, apperr.Upstream("calendar", err)
	}
	return busy, nil
}

// CommitBooking reserves the slot under b.Reference. Committing the same
// reference again is a no-op.
func (p *Postgres) CommitBooking(ctx context.Context, b Booking) error {
	if b.UserID == "" || b.Reference == "" {
		return apperr.Validation("calendar booking needs a user and a reference")
	}
	start, end, err := bounds(b.Slot, p.loc)
	if err != nil {
		return err
	}

	var conflict bool
	err = utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, calendarLockSpace, b.UserID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, overlapQuery, b.UserID, start, end, b.Reference, appointmentConfirmed, zoneName(p.loc)).Scan(&conflict); err != nil {
			return err
		}
		if conflict {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO calendar_entries (reference, user_id, provider_id, provider_name, starts_at, ends_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (reference) DO NOTHING`,
			b.Reference, b.UserID, b.ProviderID, b.ProviderName, start, end, time.Now().UTC())
		return err
	})
	if err != nil {
		return apperr.Upstream("calendar", err)
	}
	if conflict {
		return apperr.Conflict("slot %s %s already booked", b.Slot.Date, b.Slot.Time)
	}
	return nil
}

func bounds(slot Slot, loc *time.Location) (time.Time, time.Time, error) {
	start, err := slot.Start(loc)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("%v", err)
	}
	return start, start.Add(slot.Duration()), nil
}

// zoneName is the IANA name Postgres resolves appointment wall times in.
func zoneName(loc *time.Location) string {
	if loc == nil || loc == time.Local || loc.String() == "" || loc.String() == "Local" {
		return "UTC"
	}
	return loc.String()
}
