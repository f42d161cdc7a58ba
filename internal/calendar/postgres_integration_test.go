package calendar_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calendar"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/campaign"
	"swarm-scheduler/pkg/utils"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// CALENDAR_TEST_DSN points at a disposable Postgres database.
func openTestDB(t *testing.T) (*calendar.Postgres, *campaign.PostgresRepo) {
	t.Helper()
	dsn := os.Getenv("CALENDAR_TEST_DSN")
	if dsn == "" {
		t.Skip("CALENDAR_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := campaign.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("schema: %v", err)
	}

	cal, err := calendar.NewPostgres(db, time.UTC)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	return cal, campaign.NewPostgresRepo(db)
}

func TestPostgres_CommitIsExclusiveAndIdempotent(t *testing.T) {
	cal, _ := openTestDB(t)
	ctx := context.Background()
	user := "cal-" + uuid.NewString()
	slot := calendar.Slot{Date: "2031-05-06", Time: "10:00", DurationMin: 60}

	busy, err := cal.HasConflict(ctx, user, slot)
	if err != nil || busy {
		t.Fatalf("fresh user must be free, got busy=%v err=%v", busy, err)
	}

	b := calendar.Booking{UserID: user, ProviderID: "p1", Slot: slot, Reference: uuid.NewString()}
	if err := cal.CommitBooking(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := cal.CommitBooking(ctx, b); err != nil {
		t.Fatalf("repeated commit must be a no-op, got %v", err)
	}

	overlapping := b
	overlapping.Reference = uuid.NewString()
	overlapping.Slot = calendar.Slot{Date: "2031-05-06", Time: "10:30", DurationMin: 30}
	if err := cal.CommitBooking(ctx, overlapping); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	busy, err = cal.HasConflict(ctx, user, calendar.Slot{Date: "2031-05-06", Time: "11:00", DurationMin: 30})
	if err != nil || busy {
		t.Fatalf("slot after the booking must be free, got busy=%v err=%v", busy, err)
	}
}

func TestPostgres_PendingAppointmentBlocksSlot(t *testing.T) {
	cal, repo := openTestDB(t)
	ctx := context.Background()
	user := "cal-" + uuid.NewString()
	now := time.Now().UTC()

	c := campaign.Campaign{ID: uuid.NewString(), OwnerID: user, Status: campaign.StatusRanking, CreatedAt: now, UpdatedAt: now}
	if err := repo.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("save campaign: %v", err)
	}
	task := calltask.Task{ID: uuid.NewString(), CampaignID: c.ID, Status: calltask.StatusSlotOffered, UpdatedAt: now}
	if err := repo.SaveTask(ctx, task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	appt := campaign.Appointment{
		ID: uuid.NewString(), UserID: user, CampaignID: c.ID, CallTaskID: task.ID,
		ProviderID: "p1", ProviderName: "Clinic", ProviderPhone: "+15550000000",
		Date: "2031-07-01", Time: "09:00", DurationMin: 45,
		Status: campaign.AppointmentStatusConfirmed, CreatedAt: now,
	}
	if err := repo.CreateAppointment(ctx, appt); err != nil {
		t.Fatalf("create appointment: %v", err)
	}

	// not yet in calendar_entries, still a commitment
	busy, err := cal.HasConflict(ctx, user, calendar.Slot{Date: "2031-07-01", Time: "09:30"})
	if err != nil || !busy {
		t.Fatalf("expected the unsynced appointment to conflict, got busy=%v err=%v", busy, err)
	}

	// its own commit is not a conflict with itself
	err = cal.CommitBooking(ctx, calendar.Booking{
		UserID: user, ProviderID: "p1",
		Slot:      calendar.Slot{Date: appt.Date, Time: appt.Time, DurationMin: appt.DurationMin},
		Reference: appt.ID,
	})
	if err != nil {
		t.Fatalf("commit own appointment: %v", err)
	}
}
