package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.OwnerID == "" && e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCampaign records a lifecycle event of a campaign.
func (s *Service) LogCampaign(ctx context.Context, typ EventType, ownerID, campaignID, callTaskID, message string) error {
	return s.Append(ctx, Event{
		Type:       typ,
		OwnerID:    ownerID,
		CampaignID: campaignID,
		CallTaskID: callTaskID,
		Message:    message,
	})
}

// LogCalendarSyncConflict records a deferred calendar commit that lost its slot.
func (s *Service) LogCalendarSyncConflict(ctx context.Context, ownerID, campaignID, appointmentID, metadata string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeCalendarSyncConflict,
		OwnerID:       ownerID,
		CampaignID:    campaignID,
		AppointmentID: appointmentID,
		Message:       "calendar slot taken before sync",
		Metadata:      metadata,
	})
}

// LogAdminAction records an admin action.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     message,
		Metadata:    metadata,
	})
}
