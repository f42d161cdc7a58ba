package campaign

import (
	"context"
	"sort"
	"sync"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calltask"
)

// MemoryRepo keeps everything in process. Used by tests and local runs.
type MemoryRepo struct {
	mu           sync.Mutex
	campaigns    map[string]Campaign
	tasks        map[string]calltask.Task
	taskOrder    map[string][]string
	appointments map[string]Appointment
	slots        map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns:    make(map[string]Campaign),
		tasks:        make(map[string]calltask.Task),
		taskOrder:    make(map[string][]string),
		appointments: make(map[string]Appointment),
		slots:        make(map[string]string),
	}
}

func (r *MemoryRepo) SaveCampaign(ctx context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	return nil
}

func (r *MemoryRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, apperr.NotFound("campaign %s", id)
	}
	return c, nil
}

func (r *MemoryRepo) ListCampaigns(ctx context.Context, from, to time.Time) ([]Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Campaign
	for _, c := range r.campaigns {
		if !from.IsZero() && c.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) SaveTask(ctx context.Context, t calltask.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		r.taskOrder[t.CampaignID] = append(r.taskOrder[t.CampaignID], t.ID)
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepo) ListTasks(ctx context.Context, campaignID string) ([]calltask.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.taskOrder[campaignID]
	out := make([]calltask.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tasks[id].Clone())
	}
	return out, nil
}

func (r *MemoryRepo) CreateAppointment(ctx context.Context, a Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := a.UserID + "|" + a.Date + "|" + a.Time
	if _, taken := r.slots[slot]; taken {
		return apperr.Conflict("appointment already exists at %s %s", a.Date, a.Time)
	}
	r.slots[slot] = a.ID
	r.appointments[a.ID] = a
	return nil
}

func (r *MemoryRepo) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return Appointment{}, apperr.NotFound("appointment %s", id)
	}
	return a, nil
}

func (r *MemoryRepo) MarkAppointmentSynced(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return apperr.NotFound("appointment %s", id)
	}
	a.CalendarSynced = true
	r.appointments[id] = a
	return nil
}

func (r *MemoryRepo) DeleteAppointment(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil
	}
	delete(r.slots, a.UserID+"|"+a.Date+"|"+a.Time)
	delete(r.appointments, id)
	return nil
}

func (r *MemoryRepo) ListAppointments(ctx context.Context, userID string) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	return out, nil
}
