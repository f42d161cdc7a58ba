package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/audit"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/events"
	"swarm-scheduler/internal/scoring"

	"github.com/google/uuid"
)

const maxPromptLen = 2000

type RegistryConfig struct {
	Settings       Settings
	ReaperInterval time.Duration
	StaleAfter     time.Duration
	Retention      time.Duration
	// OfferTTL is how long a RANKING campaign waits for a confirm after its
	// last activity. Defaults to Retention.
	OfferTTL time.Duration
}

// ReapReport counts what one reaper pass did.
type ReapReport struct {
	Failed  int `json:"failed"`
	Evicted int `json:"evicted"`
}

// Registry tracks live coordinators by campaign id and owns their lifecycle.
// It never calls into a coordinator while holding its own lock.
type Registry struct {
	mu     sync.RWMutex
	coords map[string]*Coordinator
	closed bool

	cfg   RegistryConfig
	deps  Deps
	quota Quota
	log   *slog.Logger

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewRegistry builds a registry. deps is the template for every coordinator;
// quota may be nil.
func NewRegistry(cfg RegistryConfig, deps Deps, quota Quota) *Registry {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = cfg.Retention
	}
	cfg.Settings = cfg.Settings.withDefaults()

	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		coords:     make(map[string]*Coordinator),
		cfg:        cfg,
		deps:       deps,
		quota:      quota,
		log:        deps.Log.With("component", "campaign_registry"),
		base:       base,
		cancelBase: cancel,
	}
}

// Create validates req, persists a CREATED campaign and starts its coordinator.
func (r *Registry) Create(ctx context.Context, ownerID string, req Request) (Campaign, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Campaign{}, fmt.Errorf("%w: authenticated owner required", apperr.ErrAuth)
	}
	weights, err := validateRequest(&req)
	if err != nil {
		return Campaign{}, err
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return Campaign{}, apperr.InvalidState("registry is shutting down")
	}

	id := uuid.NewString()
	if r.quota != nil {
		ok, err := r.quota.Acquire(ctx, ownerID, id)
		if err != nil {
			return Campaign{}, apperr.Upstream("quota", err)
		}
		if !ok {
			return Campaign{}, apperr.Conflict("too many active campaigns")
		}
	}

	now := r.deps.Clock().UTC()
	c := Campaign{
		ID:        id,
		OwnerID:   ownerID,
		Status:    StatusCreated,
		Request:   req.Prompt,
		Intent:    req.Intent,
		Weights:   weights,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.deps.Repo.SaveCampaign(ctx, c); err != nil {
		r.releaseQuota(ownerID, id)
		return Campaign{}, fmt.Errorf("save campaign: %w", err)
	}

	deps := r.deps
	deps.OnTerminal = func(done Campaign) { r.releaseQuota(done.OwnerID, done.ID) }
	coord := NewCoordinator(c, r.cfg.Settings, deps)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.releaseQuota(ownerID, id)
		return Campaign{}, apperr.InvalidState("registry is shutting down")
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Open(c.ID)
	}
	r.coords[c.ID] = coord
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		coord.Run(r.base)
	}()

	if r.deps.Audit != nil {
		if err := r.deps.Audit.LogCampaign(ctx, audit.EventTypeCampaignCreated, ownerID, c.ID, "", ""); err != nil {
			r.log.Warn("audit append failed", "err", err)
		}
	}
	r.log.Info("campaign created", "campaign_id", c.ID, "owner_id", ownerID, "service_type", c.Intent.ServiceType)
	return c, nil
}

func validateRequest(req *Request) (scoring.Weights, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Intent.ServiceType = strings.TrimSpace(req.Intent.ServiceType)

	var problems []string
	if req.Prompt == "" && req.Intent.ServiceType == "" {
		problems = append(problems, "prompt or intent.service_type is required")
	}
	if len(req.Prompt) > maxPromptLen {
		problems = append(problems, fmt.Sprintf("prompt exceeds %d characters", maxPromptLen))
	}
	if d := req.Intent.TargetDate; d != "" {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			problems = append(problems, "intent.target_date must be YYYY-MM-DD")
		}
	}
	loc := req.Intent.Location
	if (loc.Lat == nil) != (loc.Lng == nil) {
		problems = append(problems, "intent.location needs both lat and lng")
	}
	if loc.Lat != nil && (*loc.Lat < -90 || *loc.Lat > 90) {
		problems = append(problems, "intent.location.lat out of range")
	}
	if loc.Lng != nil && (*loc.Lng < -180 || *loc.Lng > 180) {
		problems = append(problems, "intent.location.lng out of range")
	}

	weights := scoring.DefaultWeights()
	if req.Weights != nil {
		weights = *req.Weights
		if err := weights.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return scoring.Weights{}, apperr.Validation("%s", strings.Join(problems, "; "))
	}
	return weights, nil
}

// Coordinator returns the live coordinator of a campaign the owner can see.
func (r *Registry) Coordinator(ownerID, id string) (*Coordinator, error) {
	r.mu.RLock()
	c, ok := r.coords[id]
	r.mu.RUnlock()
	if !ok || c.OwnerID() != ownerID {
		return nil, apperr.NotFound("campaign %s", id)
	}
	return c, nil
}

// Supervisor resolves a task for agent tool calls. Only live campaigns qualify.
func (r *Registry) Supervisor(campaignID, taskID string) (*calltask.Supervisor, error) {
	r.mu.RLock()
	c, ok := r.coords[campaignID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("campaign %s", campaignID)
	}
	return c.Supervisor(taskID)
}

// SupervisorByTask finds a live task by id alone. Carrier callbacks only
// carry the task id.
func (r *Registry) SupervisorByTask(taskID string) (*calltask.Supervisor, error) {
	r.mu.RLock()
	list := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		list = append(list, c)
	}
	r.mu.RUnlock()
	for _, c := range list {
		if sup, err := c.Supervisor(taskID); err == nil {
			return sup, nil
		}
	}
	return nil, apperr.NotFound("call task %s", taskID)
}

// Get returns the campaign snapshot, from memory or from the store.
func (r *Registry) Get(ctx context.Context, ownerID, id string) (Snapshot, error) {
	if c, err := r.Coordinator(ownerID, id); err == nil {
		return c.Snapshot(), nil
	}
	return r.load(ctx, ownerID, id)
}

func (r *Registry) load(ctx context.Context, ownerID, id string) (Snapshot, error) {
	c, err := r.deps.Repo.GetCampaign(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if c.OwnerID != ownerID {
		return Snapshot{}, apperr.NotFound("campaign %s", id)
	}
	tasks, err := r.deps.Repo.ListTasks(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Campaign: c, Tasks: tasks}, nil
}

// Results returns scored tasks, best first.
func (r *Registry) Results(ctx context.Context, ownerID, id string) ([]calltask.Task, error) {
	if c, err := r.Coordinator(ownerID, id); err == nil {
		return c.Results(), nil
	}
	snap, err := r.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return rankTasks(snap.Tasks), nil
}

func rankTasks(tasks []calltask.Task) []calltask.Task {
	byID := make(map[string]calltask.Task, len(tasks))
	var entries []scoring.Entry
	for _, t := range tasks {
		if t.Score == nil || t.Offer == nil {
			continue
		}
		byID[t.ID] = t
		entries = append(entries, scoring.Entry{TaskID: t.ID, ProviderID: t.Provider.ID, Score: *t.Score, OfferedAt: t.Offer.At})
	}
	out := make([]calltask.Task, 0, len(entries))
	for _, e := range scoring.Rank(entries) {
		out = append(out, byID[e.TaskID])
	}
	return out
}

func (r *Registry) Confirm(ctx context.Context, ownerID, id, taskID string) (Appointment, error) {
	c, err := r.liveOrInvalid(ctx, ownerID, id)
	if err != nil {
		return Appointment{}, err
	}
	return c.Confirm(ctx, taskID)
}

func (r *Registry) Cancel(ctx context.Context, ownerID, id string) error {
	c, err := r.liveOrInvalid(ctx, ownerID, id)
	if err != nil {
		if snap, lerr := r.load(ctx, ownerID, id); lerr == nil && snap.Campaign.Status.Terminal() {
			return nil
		}
		return err
	}
	return c.Cancel(ctx)
}

// liveOrInvalid distinguishes a finished campaign (InvalidState) from an
// unknown one (NotFound).
func (r *Registry) liveOrInvalid(ctx context.Context, ownerID, id string) (*Coordinator, error) {
	if c, err := r.Coordinator(ownerID, id); err == nil {
		return c, nil
	}
	snap, err := r.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return nil, apperr.InvalidState("campaign %s is %s", id, snap.Campaign.Status)
}

func (r *Registry) Appointments(ctx context.Context, ownerID string) ([]Appointment, error) {
	return r.deps.Repo.ListAppointments(ctx, ownerID)
}

// Subscribe streams snapshots of a campaign. A campaign no longer in memory
// yields its stored snapshot once. The lookup and the subscription happen
// under the registry lock so Reap cannot evict the topic in between.
func (r *Registry) Subscribe(ctx context.Context, ownerID, id string) (*events.Subscription[Snapshot], error) {
	if r.deps.Bus == nil {
		return nil, apperr.InvalidState("streaming disabled")
	}
	r.mu.RLock()
	if c, ok := r.coords[id]; ok && c.OwnerID() == ownerID {
		sub := r.deps.Bus.Subscribe(id)
		r.mu.RUnlock()
		return sub, nil
	}
	r.mu.RUnlock()

	snap, err := r.load(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return events.Final(snap), nil
}

// Reap fails campaigns stuck without progress or whose offers were never
// confirmed, and evicts finished ones past retention.
func (r *Registry) Reap(ctx context.Context) ReapReport {
	now := r.deps.Clock()

	r.mu.RLock()
	list := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		list = append(list, c)
	}
	r.mu.RUnlock()

	var rep ReapReport
	for _, c := range list {
		st := c.Status()
		switch {
		case st.Terminal():
			select {
			case <-c.Done():
			default:
				continue
			}
			if now.Sub(c.IdleSince()) < r.cfg.Retention {
				continue
			}
			r.mu.Lock()
			delete(r.coords, c.ID())
			if r.deps.Bus != nil {
				r.deps.Bus.Forget(c.ID())
			}
			r.mu.Unlock()
			rep.Evicted++
		case st == StatusProviderLookup || st == StatusDialing || st == StatusNegotiating:
			if now.Sub(c.IdleSince()) <= r.cfg.StaleAfter {
				continue
			}
			if r.reapLive(ctx, c, st, "stale", "no progress") {
				rep.Failed++
			}
		case st == StatusRanking:
			if now.Sub(c.IdleSince()) <= r.cfg.OfferTTL {
				continue
			}
			if r.reapLive(ctx, c, st, "offers_expired", "offers not confirmed") {
				rep.Failed++
			}
		}
	}
	return rep
}

func (r *Registry) reapLive(ctx context.Context, c *Coordinator, st Status, reason, msg string) bool {
	if !c.Fail(ctx, reason) {
		return false
	}
	r.log.Info("idle campaign failed", "campaign_id", c.ID(), "status", st, "reason", reason)
	if r.deps.Audit != nil {
		if err := r.deps.Audit.LogCampaign(context.WithoutCancel(ctx), audit.EventTypeCampaignReaped, c.OwnerID(), c.ID(), "", msg); err != nil {
			r.log.Warn("audit append failed", "campaign_id", c.ID(), "err", err)
		}
	}
	return true
}

// RunReaper reaps every ReaperInterval until ctx is done or the registry shuts down.
func (r *Registry) RunReaper(ctx context.Context) {
	t := time.NewTicker(r.cfg.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.base.Done():
			return
		case <-t.C:
			rep := r.Reap(ctx)
			if rep.Failed > 0 || rep.Evicted > 0 {
				r.log.Info("reaper pass", "failed", rep.Failed, "evicted", rep.Evicted)
			}
		}
	}
}

// Shutdown fails every live campaign, which retires its tasks and releases
// their holds, then waits for the coordinators to return.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	list := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		list = append(list, c)
	}
	r.mu.Unlock()

	failed := 0
	for _, c := range list {
		if c.Fail(ctx, "shutdown") {
			failed++
		}
	}
	r.cancelBase()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("campaign registry stopped", "failed", failed)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Live is the number of coordinators in memory.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.coords)
}

func (r *Registry) releaseQuota(ownerID, campaignID string) {
	if r.quota == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.quota.Release(ctx, ownerID, campaignID); err != nil {
		r.log.Warn("quota release failed", "owner_id", ownerID, "campaign_id", campaignID, "err", err)
	}
}
