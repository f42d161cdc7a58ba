package calltask

import "time"

// Task is one negotiation attempt with one provider under one campaign.
//
// Invariants:
// - Only its Supervisor mutates a Task.
// - HoldKeys is empty once Status is terminal.
// - Score is set only while an Offer stands.
type Task struct {
	ID         string   `json:"id" db:"id"`
	CampaignID string   `json:"campaign_id" db:"campaign_id"`
	Provider   Provider `json:"provider"`

	Status    Status `json:"status" db:"status"`
	EndReason string `json:"end_reason,omitempty" db:"end_reason"`

	Offer *Offer   `json:"offer,omitempty"`
	Score *float64 `json:"score,omitempty" db:"score"`

	HoldKeys []string `json:"hold_keys" db:"hold_keys"`

	// CallHandle is the carrier's identifier for the outbound call.
	CallHandle string `json:"call_handle,omitempty" db:"call_handle"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Provider is the directory entry being called.
type Provider struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Phone   string  `json:"phone"`
	Address string  `json:"address,omitempty"`
	Rating  float64 `json:"rating"`

	// DistanceKM is nil until known; unknown distance scores zero proximity.
	DistanceKM *float64 `json:"distance_km,omitempty"`
}

// Offer is a provider-proposed slot.
type Offer struct {
	Date        string    `json:"date"` // YYYY-MM-DD
	Time        string    `json:"time"` // HH:MM
	At          time.Time `json:"at"`
	DurationMin int       `json:"duration_min"`
	StaffName   string    `json:"staff_name,omitempty"`
}

// HasUsableOffer reports whether the task can be ranked and confirmed.
func (t Task) HasUsableOffer() bool {
	return t.Offer != nil && t.Score != nil && (t.Status == StatusSlotOffered || t.Status == StatusEnded)
}

func (t Task) Clone() Task {
	out := t
	out.HoldKeys = append([]string(nil), t.HoldKeys...)
	if t.Offer != nil {
		o := *t.Offer
		out.Offer = &o
	}
	if t.Score != nil {
		s := *t.Score
		out.Score = &s
	}
	if t.Provider.DistanceKM != nil {
		d := *t.Provider.DistanceKM
		out.Provider.DistanceKM = &d
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		out.StartedAt = &s
	}
	if t.EndedAt != nil {
		e := *t.EndedAt
		out.EndedAt = &e
	}
	return out
}
