// Package jobs runs background work on asynq: today the deferred calendar
// commit of appointments confirmed while the calendar was unreachable.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/audit"
	"swarm-scheduler/internal/calendar"
	"swarm-scheduler/internal/campaign"

	"github.com/hibiken/asynq"
)

const (
	TypeCalendarSync = "appointment:calendar_sync"
	QueueCalendar    = "calendar"

	syncMaxRetry = 10
	syncTimeout  = 30 * time.Second
)

type CalendarSyncPayload struct {
	AppointmentID string `json:"appointment_id"`
}

// NewCalendarSyncTask builds the task for one appointment. The task id is
// derived from the appointment so a second enqueue is a no-op.
func NewCalendarSyncTask(appointmentID string) (*asynq.Task, error) {
	if appointmentID == "" {
		return nil, apperr.Validation("appointment id is required")
	}
	b, err := json.Marshal(CalendarSyncPayload{AppointmentID: appointmentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCalendarSync, b,
		asynq.Queue(QueueCalendar),
		asynq.MaxRetry(syncMaxRetry),
		asynq.Timeout(syncTimeout),
		asynq.TaskID("calendar_sync:"+appointmentID),
	), nil
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules calendar sync tasks. It satisfies campaign.SyncEnqueuer.
type Enqueuer struct {
	client taskEnqueuer
	log    *slog.Logger
}

func NewEnqueuer(client *asynq.Client, log *slog.Logger) *Enqueuer {
	return newEnqueuer(client, log)
}

func newEnqueuer(client taskEnqueuer, log *slog.Logger) *Enqueuer {
	if log == nil {
		log = slog.Default()
	}
	return &Enqueuer{client: client, log: log.With("component", "jobs")}
}

func (e *Enqueuer) EnqueueCalendarSync(ctx context.Context, appointmentID string) error {
	task, err := NewCalendarSyncTask(appointmentID)
	if err != nil {
		return err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return apperr.Upstream("asynq enqueue", err)
	}
	e.log.Info("calendar sync enqueued", "appointment_id", appointmentID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// AppointmentStore is the slice of campaign.Repository the sync job needs.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id string) (campaign.Appointment, error)
	MarkAppointmentSynced(ctx context.Context, id string) error
}

// CalendarSyncHandler retries the calendar commit of an appointment.
// A conflict is final: it is audited and never retried.
type CalendarSyncHandler struct {
	Store    AppointmentStore
	Calendar calendar.Calendar
	Audit    *audit.Service
	Log      *slog.Logger
}

func (h *CalendarSyncHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}

	var p CalendarSyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.AppointmentID == "" {
		log.Error("calendar sync payload rejected", "err", err)
		return fmt.Errorf("bad payload: %w", asynq.SkipRetry)
	}
	log = log.With("appointment_id", p.AppointmentID)

	appt, err := h.Store.GetAppointment(ctx, p.AppointmentID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Warn("calendar sync for unknown appointment")
		return fmt.Errorf("appointment %s gone: %w", p.AppointmentID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if appt.CalendarSynced {
		return nil
	}

	err = h.Calendar.CommitBooking(ctx, calendar.Booking{
		UserID:       appt.UserID,
		ProviderID:   appt.ProviderID,
		ProviderName: appt.ProviderName,
		Slot:         calendar.Slot{Date: appt.Date, Time: appt.Time, DurationMin: appt.DurationMin},
		Reference:    appt.ID,
	})
	switch {
	case errors.Is(err, apperr.ErrConflict):
		log.Warn("calendar sync conflict", "date", appt.Date, "time", appt.Time)
		if h.Audit != nil {
			meta := fmt.Sprintf(`{"date":%q,"time":%q,"provider_id":%q}`, appt.Date, appt.Time, appt.ProviderID)
			if aerr := h.Audit.LogCalendarSyncConflict(ctx, appt.UserID, appt.CampaignID, appt.ID, meta); aerr != nil {
				log.Warn("audit append failed", "err", aerr)
			}
		}
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case err != nil:
		log.Warn("calendar sync attempt failed", "err", err)
		return err
	}

	if err := h.Store.MarkAppointmentSynced(ctx, appt.ID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	log.Info("calendar sync committed")
	return nil
}
