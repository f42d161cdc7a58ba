package campaign

import (
	"context"
	"time"

	"swarm-scheduler/internal/calltask"
)

// Repository persists campaigns, their call tasks and appointments.
//
// Errors:
//   - GetCampaign/GetAppointment return apperr.ErrNotFound for unknown ids.
//   - CreateAppointment returns apperr.ErrConflict when the user already has an
//     appointment at the same date and time.
type Repository interface {
	SaveCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context, from, to time.Time) ([]Campaign, error)

	SaveTask(ctx context.Context, t calltask.Task) error
	ListTasks(ctx context.Context, campaignID string) ([]calltask.Task, error)

	CreateAppointment(ctx context.Context, a Appointment) error
	GetAppointment(ctx context.Context, id string) (Appointment, error)
	MarkAppointmentSynced(ctx context.Context, id string) error
	// DeleteAppointment undoes a CreateAppointment whose calendar commit was
	// refused. Deleting an unknown id is a no-op.
	DeleteAppointment(ctx context.Context, id string) error
	ListAppointments(ctx context.Context, userID string) ([]Appointment, error)
}
