package campaign

import (
	"time"

	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/scoring"
)

// Campaign is one user scheduling request and its whole negotiation lifecycle.
//
// Invariants:
// - Only its Coordinator mutates a Campaign.
// - WinningTaskID is set only when Status is confirmed.
// - Terminal campaigns never change again.
type Campaign struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	Status  Status `json:"status" db:"status"`

	Request string          `json:"request" db:"request"`
	Intent  Intent          `json:"intent"`
	Weights scoring.Weights `json:"weights"`

	WinningTaskID *string `json:"winning_task_id,omitempty" db:"winning_task_id"`
	FailureReason string  `json:"failure_reason,omitempty" db:"failure_reason"`

	// ResultsFinal is set once every task is terminal or the budget fired.
	ResultsFinal bool `json:"results_final" db:"results_final"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Intent is the structured form of the request. It is supplied by the
// caller; this service does not extract it from free text.
type Intent struct {
	ServiceType string   `json:"service_type"`
	TargetDate  string   `json:"target_date,omitempty"` // YYYY-MM-DD
	TimeWindow  string   `json:"time_window,omitempty"` // e.g. "morning", "10:00-12:00"
	Urgency     string   `json:"urgency,omitempty"`
	Location    Location `json:"location"`
}

type Location struct {
	Address string   `json:"address,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// Request is what a user submits to start a campaign.
type Request struct {
	Prompt  string           `json:"prompt"`
	Intent  Intent           `json:"intent"`
	Weights *scoring.Weights `json:"weights,omitempty"`
}

// Appointment is the durable record of a confirmed booking. Only the
// calendar sync flag changes after creation.
type Appointment struct {
	ID         string `json:"id" db:"id"`
	UserID     string `json:"user_id" db:"user_id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	CallTaskID string `json:"call_task_id" db:"call_task_id"`

	ProviderID      string `json:"provider_id" db:"provider_id"`
	ProviderName    string `json:"provider_name" db:"provider_name"`
	ProviderPhone   string `json:"provider_phone" db:"provider_phone"`
	ProviderAddress string `json:"provider_address,omitempty" db:"provider_address"`

	Date        string `json:"date" db:"date"`
	Time        string `json:"time" db:"time"`
	DurationMin int    `json:"duration_min" db:"duration_min"`
	StaffName   string `json:"staff_name,omitempty" db:"staff_name"`

	Status         string    `json:"status" db:"status"`
	CalendarSynced bool      `json:"calendar_synced" db:"calendar_synced"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

const AppointmentStatusConfirmed = "confirmed"

// Snapshot is what subscribers and getCampaign observe.
type Snapshot struct {
	Campaign Campaign        `json:"campaign"`
	Tasks    []calltask.Task `json:"tasks"`
}

// Terminal reports whether the snapshot is the last one of its campaign.
func (s Snapshot) Terminal() bool { return s.Campaign.Status.Terminal() }
