package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/audit"
	"swarm-scheduler/internal/calendar"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/events"
	"swarm-scheduler/internal/scoring"
	"swarm-scheduler/internal/softlock"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const persistTimeout = 5 * time.Second

// Directory finds providers for an intent, at most limit of them.
type Directory interface {
	Lookup(ctx context.Context, intent Intent, limit int) ([]calltask.Provider, error)
}

// SyncEnqueuer schedules a deferred calendar commit for an appointment.
type SyncEnqueuer interface {
	EnqueueCalendarSync(ctx context.Context, appointmentID string) error
}

// Settings are the engine tunables of one campaign.
type Settings struct {
	MaxConcurrentCalls int
	MaxProviders       int
	TaskBudget         time.Duration
	Budget             time.Duration
	// RankingGrace delays RANKING after the first offer while calls are
	// still running. Zero ranks on the first offer.
	RankingGrace   time.Duration
	HoldTTL        time.Duration
	BookingLockTTL time.Duration
	Location       *time.Location
}

func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentCalls: 15,
		MaxProviders:       15,
		TaskBudget:         5 * time.Minute,
		Budget:             15 * time.Minute,
		HoldTTL:            180 * time.Second,
		BookingLockTTL:     60 * time.Second,
		Location:           time.UTC,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxConcurrentCalls <= 0 {
		s.MaxConcurrentCalls = d.MaxConcurrentCalls
	}
	if s.MaxProviders <= 0 {
		s.MaxProviders = d.MaxProviders
	}
	if s.TaskBudget <= 0 {
		s.TaskBudget = d.TaskBudget
	}
	if s.Budget <= 0 {
		s.Budget = d.Budget
	}
	if s.HoldTTL <= 0 {
		s.HoldTTL = d.HoldTTL
	}
	if s.BookingLockTTL <= 0 {
		s.BookingLockTTL = d.BookingLockTTL
	}
	if s.Location == nil {
		s.Location = d.Location
	}
	return s
}

// Deps are the collaborators a coordinator drives. Bus, Audit, Sync, Distance,
// Dialer and OnTerminal are optional.
type Deps struct {
	Repo      Repository
	Directory Directory
	Carrier   calltask.Carrier
	Calendar  calendar.Calendar
	Locks     softlock.Store
	Distance  calltask.DistanceResolver
	Dialer    *rate.Limiter
	Bus       *events.Bus[Snapshot]
	Audit     *audit.Service
	Sync      SyncEnqueuer

	// OnTerminal runs once, under the coordinator lock, when the campaign ends.
	OnTerminal func(Campaign)

	Clock func() time.Time
	Log   *slog.Logger
}

// Coordinator is the single writer of one campaign. It owns the campaign's
// supervisors and implements calltask.Observer for them.
//
// Lock order: mu before any supervisor lock. Supervisors never call back
// while holding their own lock.
type Coordinator struct {
	mu       sync.Mutex
	campaign Campaign
	order    []string
	sups     map[string]*calltask.Supervisor

	settings Settings
	deps     Deps
	log      *slog.Logger

	cancelRun    context.CancelCauseFunc
	budgetCtx    context.Context
	grace        *time.Timer
	graceElapsed bool
	lastActivity time.Time
	terminalSeen bool
	done         chan struct{}
}

func NewCoordinator(c Campaign, settings Settings, deps Deps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	settings = settings.withDefaults()
	return &Coordinator{
		campaign:     c,
		sups:         make(map[string]*calltask.Supervisor),
		settings:     settings,
		deps:         deps,
		log:          deps.Log.With("campaign_id", c.ID),
		lastActivity: deps.Clock(),
		done:         make(chan struct{}),
	}
}

func (c *Coordinator) ID() string      { return c.campaign.ID }
func (c *Coordinator) OwnerID() string { return c.campaign.OwnerID }

// Done is closed when Run returns: the swarm has been joined.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run drives lookup and the call swarm. It returns once every supervisor has
// stopped; the campaign may still be waiting for a confirm.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	budgetCtx, stop := context.WithTimeoutCause(runCtx, c.settings.Budget, apperr.ErrTimeout)
	defer stop()

	c.mu.Lock()
	if c.campaign.Status != StatusCreated {
		c.mu.Unlock()
		return
	}
	c.cancelRun = cancel
	c.budgetCtx = budgetCtx
	_ = c.transitionLocked(EventLookupStarted, "")
	c.commitLocked()
	intent := c.campaign.Intent
	c.mu.Unlock()

	providers, err := c.deps.Directory.Lookup(budgetCtx, intent, c.settings.MaxProviders)

	c.mu.Lock()
	if c.campaign.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.log.Warn("provider lookup failed", "err", err)
		c.failLocked(ctx, EventFail, "provider_lookup_error")
		c.mu.Unlock()
		return
	}
	if len(providers) == 0 {
		c.failLocked(ctx, EventNoProviders, "no_providers")
		c.mu.Unlock()
		return
	}
	if len(providers) > c.settings.MaxProviders {
		providers = providers[:c.settings.MaxProviders]
	}
	sups := c.spawnLocked(providers)
	_ = c.transitionLocked(EventProvidersFound, "")
	c.commitLocked()
	c.mu.Unlock()

	c.log.Info("swarm started", "providers", len(sups), "max_concurrent", c.settings.MaxConcurrentCalls)

	var g errgroup.Group
	g.SetLimit(c.settings.MaxConcurrentCalls)
	for _, sup := range sups {
		if budgetCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			sup.Run(budgetCtx)
			return nil
		})
	}
	_ = g.Wait()

	c.settle(ctx, context.Cause(budgetCtx))
}

func (c *Coordinator) spawnLocked(providers []calltask.Provider) []*calltask.Supervisor {
	cfg := calltask.Config{
		UserID:   c.campaign.OwnerID,
		Origin:   origin(c.campaign.Intent.Location),
		Location: c.settings.Location,
		Weights:  c.campaign.Weights,
		HoldTTL:  c.settings.HoldTTL,
		Budget:   c.settings.TaskBudget,
	}
	deps := calltask.Deps{
		Carrier:  c.deps.Carrier,
		Calendar: c.deps.Calendar,
		Locks:    c.deps.Locks,
		Distance: c.deps.Distance,
		Dialer:   c.deps.Dialer,
		Observer: c,
		Clock:    c.deps.Clock,
		Log:      c.deps.Log,
	}
	now := c.deps.Clock()
	out := make([]*calltask.Supervisor, 0, len(providers))
	for _, p := range providers {
		t := calltask.Task{
			ID:         uuid.NewString(),
			CampaignID: c.campaign.ID,
			Provider:   p,
			Status:     calltask.StatusPending,
			UpdatedAt:  now,
		}
		sup := calltask.NewSupervisor(t, cfg, deps)
		c.sups[t.ID] = sup
		c.order = append(c.order, t.ID)
		c.saveTaskLocked(t)
		out = append(out, sup)
	}
	return out
}

// settle runs after the swarm is joined and decides the outcome when the
// calls alone did not.
func (c *Coordinator) settle(ctx context.Context, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.campaign.Status.Terminal() {
		return
	}

	for _, id := range c.order {
		sup := c.sups[id]
		if sup.Snapshot().Status == calltask.StatusPending {
			sup.Retire(ctx, "not_dialed")
			c.saveTaskLocked(sup.Snapshot())
		}
	}

	reason := failReason(cause)
	c.campaign.ResultsFinal = true
	if c.hasOfferLocked() {
		if c.campaign.Status == StatusDialing || c.campaign.Status == StatusNegotiating {
			_ = c.transitionLocked(EventOffersReady, "")
		}
		c.stopGraceLocked()
		c.commitLocked()
		return
	}
	c.failLocked(ctx, EventFail, reason)
}

// TaskChanged re-reads a task after its supervisor changed it.
func (c *Coordinator) TaskChanged(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sup, ok := c.sups[taskID]
	if !ok {
		return
	}
	t := sup.Snapshot()
	c.lastActivity = c.deps.Clock()
	c.saveTaskLocked(t)
	if c.campaign.Status.Terminal() {
		return
	}

	if t.Status.Active() && c.campaign.Status == StatusDialing {
		_ = c.transitionLocked(EventConversationStarted, "")
	}
	c.evaluateLocked()
	c.commitLocked()
}

// RankOf returns the 1-based position of taskID among scored offers.
func (c *Coordinator) RankOf(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return scoring.Position(c.entriesLocked(), taskID)
}

func (c *Coordinator) evaluateLocked() {
	tasks := c.tasksLocked()
	if len(tasks) == 0 {
		return
	}
	allTerminal := true
	hasOffer := false
	for _, t := range tasks {
		if !t.Status.Terminal() {
			allTerminal = false
		}
		if t.HasUsableOffer() {
			hasOffer = true
		}
	}

	if hasOffer && (c.campaign.Status == StatusDialing || c.campaign.Status == StatusNegotiating) {
		switch {
		case allTerminal || c.settings.RankingGrace <= 0 || c.graceElapsed:
			_ = c.transitionLocked(EventOffersReady, "")
		case c.grace == nil:
			c.grace = time.AfterFunc(c.settings.RankingGrace, c.onGrace)
		}
	}

	if allTerminal {
		c.campaign.ResultsFinal = true
		if !hasOffer {
			var cause error
			if c.budgetCtx != nil {
				cause = context.Cause(c.budgetCtx)
			}
			c.failLocked(context.Background(), EventFail, failReason(cause))
		}
	}
}

func (c *Coordinator) onGrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graceElapsed = true
	if c.campaign.Status.Terminal() {
		return
	}
	c.evaluateLocked()
	c.commitLocked()
}

// Snapshot is the campaign with every task as of now.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Results are the tasks holding a score, best first.
func (c *Coordinator) Results() []calltask.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rankTasks(c.tasksLocked())
}

// Supervisor returns the supervisor of a task in this campaign.
func (c *Coordinator) Supervisor(taskID string) (*calltask.Supervisor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sup, ok := c.sups[taskID]
	if !ok {
		return nil, apperr.NotFound("call task %s", taskID)
	}
	return sup, nil
}

// Confirm books the offer of taskID and closes the campaign.
func (c *Coordinator) Confirm(ctx context.Context, taskID string) (Appointment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.campaign.Status
	if st != StatusNegotiating && st != StatusRanking {
		return Appointment{}, apperr.InvalidState("cannot confirm campaign in status %s", st)
	}
	sup, ok := c.sups[taskID]
	if !ok {
		return Appointment{}, apperr.NotFound("call task %s", taskID)
	}

	lockKey := softlock.BookingKey(c.campaign.ID)
	attempt := uuid.NewString()
	res, err := c.deps.Locks.TryHold(ctx, lockKey, attempt, c.settings.BookingLockTTL)
	if err != nil {
		return Appointment{}, apperr.Upstream("softlock", err)
	}
	if res != softlock.ResultHeld {
		return Appointment{}, apperr.Conflict("campaign %s is already being confirmed", c.campaign.ID)
	}

	var appt Appointment
	err = sup.Book(ctx, func(t calltask.Task) error {
		var berr error
		appt, berr = c.commitBooking(ctx, t)
		return berr
	})
	if err != nil {
		if rerr := c.deps.Locks.Release(context.WithoutCancel(ctx), lockKey, attempt); rerr != nil {
			c.log.Warn("booking lock release failed", "err", rerr)
		}
		c.log.Info("confirm rejected", "call_task_id", taskID, "err", err)
		return Appointment{}, err
	}

	winner := taskID
	c.campaign.WinningTaskID = &winner
	_ = c.transitionLocked(EventConfirm, "")
	c.saveTaskLocked(sup.Snapshot())
	c.closeLocked(ctx, taskID, "campaign_confirmed")
	c.commitLocked()
	c.auditLocked(ctx, audit.EventTypeCampaignConfirmed, taskID, fmt.Sprintf("appointment %s", appt.ID))

	if !appt.CalendarSynced && c.deps.Sync != nil {
		if err := c.deps.Sync.EnqueueCalendarSync(context.WithoutCancel(ctx), appt.ID); err != nil {
			c.log.Error("calendar sync enqueue failed", "appointment_id", appt.ID, "err", err)
		}
	}
	return appt, nil
}

// commitBooking re-validates the offer, stores the appointment and then
// reserves the slot in the calendar. It runs with the winning task locked.
//
// The appointment row is written first: a failed insert leaves nothing behind
// and the confirm can be retried. A calendar conflict after the insert removes
// the row again; a calendar outage keeps it unsynced for the sync job.
func (c *Coordinator) commitBooking(ctx context.Context, t calltask.Task) (Appointment, error) {
	slot := calendar.Slot{Date: t.Offer.Date, Time: t.Offer.Time, DurationMin: t.Offer.DurationMin}
	busy, err := c.deps.Calendar.HasConflict(ctx, c.campaign.OwnerID, slot)
	if err != nil {
		return Appointment{}, apperr.Upstream("calendar", err)
	}
	if busy {
		return Appointment{}, apperr.Conflict("slot %s %s is no longer free", slot.Date, slot.Time)
	}

	appt := Appointment{
		ID:              uuid.NewString(),
		UserID:          c.campaign.OwnerID,
		CampaignID:      c.campaign.ID,
		CallTaskID:      t.ID,
		ProviderID:      t.Provider.ID,
		ProviderName:    t.Provider.Name,
		ProviderPhone:   t.Provider.Phone,
		ProviderAddress: t.Provider.Address,
		Date:            t.Offer.Date,
		Time:            t.Offer.Time,
		DurationMin:     slot.DurationMin,
		StaffName:       t.Offer.StaffName,
		Status:          AppointmentStatusConfirmed,
		CreatedAt:       c.deps.Clock().UTC(),
	}
	if appt.DurationMin <= 0 {
		appt.DurationMin = int(slot.Duration() / time.Minute)
	}
	slot.DurationMin = appt.DurationMin

	if err := c.deps.Repo.CreateAppointment(ctx, appt); err != nil {
		return Appointment{}, err
	}

	err = c.deps.Calendar.CommitBooking(ctx, calendar.Booking{
		UserID:       appt.UserID,
		ProviderID:   appt.ProviderID,
		ProviderName: appt.ProviderName,
		Slot:         slot,
		Reference:    appt.ID,
	})
	switch {
	case errors.Is(err, apperr.ErrConflict):
		if derr := c.deps.Repo.DeleteAppointment(context.WithoutCancel(ctx), appt.ID); derr != nil {
			c.log.Error("appointment rollback failed", "appointment_id", appt.ID, "err", derr)
		}
		return Appointment{}, err
	case err != nil:
		// conflict re-check passed; retry the commit in the background
		c.log.Warn("calendar commit deferred", "appointment_id", appt.ID, "err", err)
		return appt, nil
	}

	if err := c.deps.Repo.MarkAppointmentSynced(context.WithoutCancel(ctx), appt.ID); err != nil {
		// the sync job re-commits by reference and marks it
		c.log.Warn("mark appointment synced failed", "appointment_id", appt.ID, "err", err)
		return appt, nil
	}
	appt.CalendarSynced = true
	return appt, nil
}

// Cancel stops the campaign. Cancelling a finished campaign is a no-op.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.campaign.Status.Terminal() {
		return nil
	}
	_ = c.transitionLocked(EventCancel, "")
	c.closeLocked(ctx, "", "campaign_cancelled")
	c.commitLocked()
	c.auditLocked(ctx, audit.EventTypeCampaignCancelled, "", "cancelled by owner")
	return nil
}

// Fail ends a live campaign with reason. It reports whether it did anything.
func (c *Coordinator) Fail(ctx context.Context, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.campaign.Status.Terminal() {
		return false
	}
	c.failLocked(ctx, EventFail, reason)
	return true
}

// Status is the current campaign status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.campaign.Status
}

// IdleSince is the last time anything happened in the campaign.
func (c *Coordinator) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Coordinator) failLocked(ctx context.Context, e Event, reason string) {
	if err := c.transitionLocked(e, reason); err != nil {
		return
	}
	c.closeLocked(ctx, "", "campaign_"+string(c.campaign.Status))
	c.commitLocked()
	c.auditLocked(ctx, audit.EventTypeCampaignFailed, "", reason)
}

// closeLocked retires every task but except, stops the swarm and marks results final.
func (c *Coordinator) closeLocked(ctx context.Context, except, reason string) {
	c.stopGraceLocked()
	for _, id := range c.order {
		if id == except {
			continue
		}
		sup := c.sups[id]
		if sup.Retire(ctx, reason) {
			c.saveTaskLocked(sup.Snapshot())
		}
	}
	if c.cancelRun != nil {
		c.cancelRun(calltask.ErrRetired)
	}
	c.campaign.ResultsFinal = true
	if !c.terminalSeen {
		c.terminalSeen = true
		if c.deps.OnTerminal != nil {
			c.deps.OnTerminal(c.campaign)
		}
	}
}

func (c *Coordinator) stopGraceLocked() {
	if c.grace != nil {
		c.grace.Stop()
	}
}

func (c *Coordinator) transitionLocked(e Event, reason string) error {
	prev := c.campaign.Status
	next, err := Next(prev, e)
	if err != nil {
		return err
	}
	now := c.deps.Clock()
	c.campaign.Status = next
	c.campaign.UpdatedAt = now
	c.lastActivity = now
	if next == StatusFailed && reason != "" {
		c.campaign.FailureReason = reason
	}
	if prev != next {
		c.log.Info("campaign transition", "from", prev, "to", next, "event", e, "reason", reason)
	}
	return nil
}

// commitLocked persists the campaign and publishes a snapshot.
func (c *Coordinator) commitLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.deps.Repo.SaveCampaign(ctx, c.campaign); err != nil {
		c.log.Error("save campaign failed", "err", err)
	}
	if c.deps.Bus != nil {
		snap := c.snapshotLocked()
		c.deps.Bus.Publish(c.campaign.ID, snap, snap.Terminal())
	}
}

func (c *Coordinator) saveTaskLocked(t calltask.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.deps.Repo.SaveTask(ctx, t); err != nil {
		c.log.Error("save call task failed", "call_task_id", t.ID, "err", err)
	}
}

func (c *Coordinator) auditLocked(ctx context.Context, typ audit.EventType, taskID, msg string) {
	if c.deps.Audit == nil {
		return
	}
	if err := c.deps.Audit.LogCampaign(context.WithoutCancel(ctx), typ, c.campaign.OwnerID, c.campaign.ID, taskID, msg); err != nil {
		c.log.Warn("audit append failed", "type", typ, "err", err)
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{Campaign: c.campaign, Tasks: c.tasksLocked()}
}

func (c *Coordinator) tasksLocked() []calltask.Task {
	out := make([]calltask.Task, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.sups[id].Snapshot())
	}
	return out
}

func (c *Coordinator) hasOfferLocked() bool {
	for _, t := range c.tasksLocked() {
		if t.HasUsableOffer() {
			return true
		}
	}
	return false
}

func (c *Coordinator) entriesLocked() []scoring.Entry {
	var out []scoring.Entry
	for _, t := range c.tasksLocked() {
		if t.Score == nil || t.Offer == nil {
			continue
		}
		out = append(out, scoring.Entry{
			TaskID:     t.ID,
			ProviderID: t.Provider.ID,
			Score:      *t.Score,
			OfferedAt:  t.Offer.At,
		})
	}
	return out
}

// failReason names why a swarm ended without a usable offer.
func failReason(cause error) string {
	switch {
	case cause == nil:
		return "no_offers"
	case errors.Is(cause, apperr.ErrTimeout):
		return "campaign_budget"
	case errors.Is(cause, calltask.ErrRetired):
		return "cancelled"
	default:
		return "shutdown"
	}
}

func origin(l Location) string {
	if l.Lat != nil && l.Lng != nil {
		return fmt.Sprintf("%.6f,%.6f", *l.Lat, *l.Lng)
	}
	return l.Address
}
