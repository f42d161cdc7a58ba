package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - owner_id scopes every campaign event to the user it belongs to.
// - Audit writes are best-effort; campaign flows never block on them.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	OwnerID string `json:"owner_id,omitempty" db:"owner_id"`

	// ActorUserID is the authenticated user causing the event, empty for the system.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	CampaignID    string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallTaskID    string `json:"call_task_id,omitempty" db:"call_task_id"`
	AppointmentID string `json:"appointment_id,omitempty" db:"appointment_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCampaignCreated      EventType = "campaign_created"
	EventTypeCampaignConfirmed    EventType = "campaign_confirmed"
	EventTypeCampaignCancelled    EventType = "campaign_cancelled"
	EventTypeCampaignFailed       EventType = "campaign_failed"
	EventTypeCampaignReaped       EventType = "campaign_reaped"
	EventTypeCalendarSyncConflict EventType = "calendar_sync_conflict"
	EventTypeAdminAction          EventType = "admin_action"
)
