package calltask

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calendar"
	"swarm-scheduler/internal/scoring"
	"swarm-scheduler/internal/softlock"

	"golang.org/x/time/rate"
)

// ErrRetired is the cancel cause a coordinator uses when its campaign closes.
var ErrRetired = errors.New("calltask: campaign closed")

const cleanupTimeout = 5 * time.Second

// Carrier places and tears down outbound calls.
type Carrier interface {
	PlaceCall(ctx context.Context, to, callTaskID string) (handle string, err error)
	TerminateCall(ctx context.Context, handle string) error
}

// DistanceResolver answers the agent's distance questions.
type DistanceResolver interface {
	Distance(ctx context.Context, origin, destination string) (km float64, err error)
}

// Observer is notified after a supervisor-driven change. It must re-read the
// task through Snapshot; the supervisor never holds its lock while calling it.
type Observer interface {
	TaskChanged(taskID string)
	RankOf(taskID string) int
}

// Config carries the campaign-level settings a supervisor needs.
type Config struct {
	UserID   string
	Origin   string
	Location *time.Location
	Weights  scoring.Weights
	HoldTTL  time.Duration
	Budget   time.Duration
}

type Deps struct {
	Carrier  Carrier
	Calendar calendar.Calendar
	Locks    softlock.Store
	Distance DistanceResolver
	Dialer   *rate.Limiter
	Observer Observer
	Clock    func() time.Time
	Log      *slog.Logger
}

// CheckResult is the answer to checkAvailability.
type CheckResult struct {
	Status    softlock.Result `json:"status"`
	HoldKey   string          `json:"hold_key,omitempty"`
	ExpiresIn time.Duration   `json:"-"`
	Conflicts []string        `json:"conflicts,omitempty"`
}

// OfferInput is what the agent reports for a provider slot.
type OfferInput struct {
	Date        string
	Time        string
	DurationMin int
	StaffName   string
}

// Supervisor owns one Task. Tool calls, carrier events and timeouts are
// serialized by mu; every terminal transition releases the task's holds
// before mu is released.
type Supervisor struct {
	mu     sync.Mutex
	task   Task
	cfg    Config
	deps   Deps
	log    *slog.Logger
	done   chan struct{}
	closed bool
}

func NewSupervisor(task Task, cfg Config, deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Weights.IsZero() {
		cfg.Weights = scoring.DefaultWeights()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	return &Supervisor{
		task: task,
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With("campaign_id", task.CampaignID, "call_task_id", task.ID),
		done: make(chan struct{}),
	}
}

func (s *Supervisor) ID() string { return s.task.ID }

func (s *Supervisor) Snapshot() Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone()
}

// Done is closed once the task reaches a terminal status.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run dials the provider and then waits for the task to end, its budget to
// elapse or ctx to be cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	if err := s.dial(ctx); err != nil {
		s.stop(ctx)
		return
	}

	budget := time.NewTimer(s.cfg.Budget)
	defer budget.Stop()

	refreshEvery := s.cfg.HoldTTL / 3
	if refreshEvery < time.Second {
		refreshEvery = time.Second
	}
	refresh := time.NewTicker(refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-budget.C:
			s.log.Info("call task budget elapsed", "budget", s.cfg.Budget.String())
			s.finish(ctx, EventTimeout, "timeout")
			return
		case <-refresh.C:
			s.refreshHolds(ctx)
		case <-ctx.Done():
			s.stop(ctx)
			return
		}
	}
}

func (s *Supervisor) dial(ctx context.Context) error {
	s.mu.Lock()
	if s.task.Status != StatusPending {
		s.mu.Unlock()
		return ErrRetired
	}
	if err := s.transitionLocked(ctx, EventDial, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.deps.Clock()
	s.task.StartedAt = &now
	phone := s.task.Provider.Phone
	s.mu.Unlock()
	s.notify()

	if s.deps.Dialer != nil {
		if err := s.deps.Dialer.Wait(ctx); err != nil {
			return err
		}
	}

	handle, err := s.deps.Carrier.PlaceCall(ctx, phone, s.task.ID)

	s.mu.Lock()
	if s.task.Status.Terminal() {
		// retired while the call was being placed
		s.mu.Unlock()
		if handle != "" {
			s.terminate(ctx, handle)
		}
		return ErrRetired
	}
	if err != nil {
		s.log.Warn("place call failed", "err", err)
		_ = s.transitionLocked(ctx, EventFail, "carrier_error")
		s.mu.Unlock()
		s.notify()
		return nil
	}
	s.task.CallHandle = handle
	s.task.UpdatedAt = s.deps.Clock()
	s.mu.Unlock()
	s.notify()
	return nil
}

// stop handles ctx cancellation: a campaign deadline ends the task as a
// timeout, anything else retires it.
func (s *Supervisor) stop(ctx context.Context) {
	cause := context.Cause(ctx)
	if errors.Is(cause, apperr.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		s.finish(ctx, EventTimeout, "campaign_budget")
		return
	}
	s.Retire(ctx, "retired")
}

// finish applies a terminal event raised by the supervisor itself, hangs up
// and notifies the observer.
func (s *Supervisor) finish(ctx context.Context, e Event, reason string) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	s.mu.Lock()
	if s.task.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	handle := s.task.CallHandle
	err := s.transitionLocked(cctx, e, reason)
	s.mu.Unlock()
	if err != nil {
		return
	}
	if handle != "" {
		s.terminate(cctx, handle)
	}
	s.notify()
}

// Retire stops a task on behalf of its coordinator: holds are released and a
// live call is terminated. Tasks already in a final outcome keep it. Retire
// does not notify the observer.
func (s *Supervisor) Retire(ctx context.Context, reason string) bool {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	s.mu.Lock()
	prev := s.task.Status
	switch prev {
	case StatusNoAnswer, StatusRejected, StatusFailed, StatusBooked, StatusCancelled:
		s.mu.Unlock()
		return false
	}
	handle := s.task.CallHandle
	if err := s.transitionLocked(cctx, EventCancel, reason); err != nil {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if !prev.Terminal() && handle != "" {
		s.terminate(cctx, handle)
	}
	return true
}

// Book runs commit while the task is locked, so its offer cannot change
// underneath, and marks the task booked when commit succeeds. It does not
// notify the observer.
func (s *Supervisor) Book(ctx context.Context, commit func(Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.task.HasUsableOffer() {
		return apperr.InvalidState("call task %s has no offer", s.task.ID)
	}
	if err := commit(s.task.Clone()); err != nil {
		return err
	}
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	return s.transitionLocked(cctx, EventBook, "booked")
}

// Answered is driven by the carrier when the provider picks up.
func (s *Supervisor) Answered(ctx context.Context) error {
	s.mu.Lock()
	if s.task.Status == StatusNegotiating || s.task.Status == StatusSlotOffered {
		s.mu.Unlock()
		return nil
	}
	err := s.transitionLocked(ctx, EventAnswer, "")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// CheckAvailability checks the user's calendar and then takes a soft lock on the slot.
func (s *Supervisor) CheckAvailability(ctx context.Context, date, clock string, durationMin int) (CheckResult, error) {
	slot := calendar.Slot{Date: date, Time: clock, DurationMin: durationMin}
	if _, err := slot.Start(s.cfg.Location); err != nil {
		return CheckResult{}, apperr.Validation("%v", err)
	}

	s.mu.Lock()
	switch s.task.Status {
	case StatusDialing, StatusNegotiating, StatusSlotOffered:
	default:
		st := s.task.Status
		s.mu.Unlock()
		return CheckResult{}, apperr.InvalidState("check availability in status %s", st)
	}

	busy, err := s.deps.Calendar.HasConflict(ctx, s.cfg.UserID, slot)
	if err != nil {
		s.mu.Unlock()
		return CheckResult{}, apperr.Upstream("calendar", err)
	}
	if busy {
		s.mu.Unlock()
		s.log.Info("slot conflicts with calendar", "date", date, "time", clock)
		return CheckResult{Status: softlock.ResultConflict, Conflicts: []string{"calendar"}}, nil
	}

	key := softlock.SlotKey(s.cfg.UserID, date, clock)
	res, err := s.deps.Locks.TryHold(ctx, key, s.task.ID, s.cfg.HoldTTL)
	if err != nil {
		s.mu.Unlock()
		return CheckResult{}, apperr.Upstream("softlock", err)
	}
	if res != softlock.ResultHeld {
		s.mu.Unlock()
		s.log.Info("slot held by another call", "hold_key", key)
		return CheckResult{Status: softlock.ResultConflict, Conflicts: []string{"held"}}, nil
	}

	if !slices.Contains(s.task.HoldKeys, key) {
		s.task.HoldKeys = append(s.task.HoldKeys, key)
	}
	if err := s.transitionLocked(ctx, EventHold, ""); err != nil {
		s.mu.Unlock()
		return CheckResult{}, err
	}
	s.mu.Unlock()
	s.notify()

	return CheckResult{Status: softlock.ResultHeld, HoldKey: key, ExpiresIn: s.cfg.HoldTTL}, nil
}

// ReportSlotOffer records and scores an offer for a slot this task holds and
// returns its 1-based rank among the campaign's offers.
func (s *Supervisor) ReportSlotOffer(ctx context.Context, in OfferInput) (int, error) {
	slot := calendar.Slot{Date: in.Date, Time: in.Time, DurationMin: in.DurationMin}
	at, err := slot.Start(s.cfg.Location)
	if err != nil {
		return 0, apperr.Validation("%v", err)
	}

	s.mu.Lock()
	if !s.task.Status.Active() {
		st := s.task.Status
		s.mu.Unlock()
		return 0, apperr.InvalidState("report offer in status %s", st)
	}
	key := softlock.SlotKey(s.cfg.UserID, in.Date, in.Time)
	if !slices.Contains(s.task.HoldKeys, key) {
		s.mu.Unlock()
		return 0, apperr.InvalidState("no hold for %s %s", in.Date, in.Time)
	}
	// re-assert ownership; the lease may have lapsed since the check
	res, err := s.deps.Locks.TryHold(ctx, key, s.task.ID, s.cfg.HoldTTL)
	if err != nil {
		s.mu.Unlock()
		return 0, apperr.Upstream("softlock", err)
	}
	if res != softlock.ResultHeld {
		s.task.HoldKeys = slices.DeleteFunc(s.task.HoldKeys, func(k string) bool { return k == key })
		s.mu.Unlock()
		return 0, apperr.Conflict("hold on %s lapsed", key)
	}

	if s.task.Provider.DistanceKM == nil && s.deps.Distance != nil && s.task.Provider.Address != "" {
		if km, err := s.deps.Distance.Distance(ctx, s.cfg.Origin, s.task.Provider.Address); err != nil {
			s.log.Warn("distance lookup failed, proximity zeroed", "err", err)
		} else {
			s.task.Provider.DistanceKM = &km
		}
	}

	offer := scoring.Offer{At: at, Rating: s.task.Provider.Rating}
	if d := s.task.Provider.DistanceKM; d != nil {
		offer.DistanceKM, offer.DistanceKnown = *d, true
	}
	score := scoring.Score(offer, s.cfg.Weights, s.deps.Clock())

	if err := s.transitionLocked(ctx, EventOffer, ""); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	dur := in.DurationMin
	if dur <= 0 {
		dur = 30
	}
	s.task.Offer = &Offer{Date: in.Date, Time: in.Time, At: at, DurationMin: dur, StaffName: in.StaffName}
	s.task.Score = &score
	s.releaseExceptLocked(ctx, key)
	s.mu.Unlock()

	s.log.Info("slot offer reported", "date", in.Date, "time", in.Time, "score", score)
	s.notify()
	if s.deps.Observer == nil {
		return 1, nil
	}
	return s.deps.Observer.RankOf(s.task.ID), nil
}

// EndCall closes the task for the given reason. An offer already reported stands.
func (s *Supervisor) EndCall(ctx context.Context, reason string) (Status, error) {
	s.mu.Lock()
	err := s.transitionLocked(ctx, EventForReason(reason), reason)
	st := s.task.Status
	s.mu.Unlock()
	if err != nil {
		return st, err
	}
	s.notify()
	return st, nil
}

// BookingState answers the agent's bookSlot: only a confirmed task is booked.
func (s *Supervisor) BookingState() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.task.Status == StatusBooked:
		return true, "confirmed"
	case s.task.Status == StatusCancelled:
		return false, "campaign_closed"
	case s.task.HasUsableOffer():
		return false, "awaiting_user_confirmation"
	default:
		return false, "no_offer"
	}
}

// GetDistance resolves a destination and records it as the provider's distance.
func (s *Supervisor) GetDistance(ctx context.Context, destination string) (float64, error) {
	if s.deps.Distance == nil {
		return 0, apperr.Upstream("distance", errors.New("resolver not configured"))
	}
	km, err := s.deps.Distance.Distance(ctx, s.cfg.Origin, destination)
	if err != nil {
		return 0, apperr.Upstream("distance", err)
	}

	s.mu.Lock()
	changed := false
	if !s.task.Status.Terminal() {
		s.task.Provider.DistanceKM = &km
		s.task.UpdatedAt = s.deps.Clock()
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return km, nil
}

func (s *Supervisor) refreshHolds(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.task.HoldKeys[:0]
	for _, k := range s.task.HoldKeys {
		err := s.deps.Locks.Refresh(ctx, k, s.task.ID, s.cfg.HoldTTL)
		switch {
		case errors.Is(err, softlock.ErrNotHolder):
			s.log.Info("hold lapsed", "hold_key", k)
		case err != nil:
			s.log.Warn("hold refresh failed", "hold_key", k, "err", err)
			kept = append(kept, k)
		default:
			kept = append(kept, k)
		}
	}
	s.task.HoldKeys = kept
}

// transitionLocked applies e. Reaching a terminal status releases every hold
// and closes done. Callers hold mu.
func (s *Supervisor) transitionLocked(ctx context.Context, e Event, reason string) error {
	prev := s.task.Status
	next, err := Next(prev, e)
	if err != nil {
		return err
	}
	now := s.deps.Clock()
	s.task.Status = next
	s.task.UpdatedAt = now

	if next == StatusRejected || next == StatusFailed || next == StatusNoAnswer {
		s.task.Score = nil
	}
	if next.Terminal() {
		if reason != "" {
			s.task.EndReason = reason
		}
		if s.task.EndedAt == nil {
			s.task.EndedAt = &now
		}
		s.releaseLocked(ctx)
		if !s.closed {
			close(s.done)
			s.closed = true
		}
	}
	if prev != next {
		s.log.Info("call task transition", "from", prev, "to", next, "event", e)
	}
	return nil
}

// releaseExceptLocked frees every hold but keep. Once an offer is recorded
// only its slot stays locked for the user.
func (s *Supervisor) releaseExceptLocked(ctx context.Context, keep string) {
	kept := s.task.HoldKeys[:0]
	for _, k := range s.task.HoldKeys {
		if k == keep {
			kept = append(kept, k)
			continue
		}
		if err := s.deps.Locks.Release(ctx, k, s.task.ID); err != nil {
			s.log.Warn("hold release failed", "hold_key", k, "err", err)
			continue
		}
		s.log.Info("superseded hold released", "hold_key", k)
	}
	s.task.HoldKeys = kept
}

func (s *Supervisor) releaseLocked(ctx context.Context) {
	for _, k := range s.task.HoldKeys {
		if err := s.deps.Locks.Release(ctx, k, s.task.ID); err != nil {
			// the lease still expires on its own
			s.log.Warn("hold release failed", "hold_key", k, "err", err)
		}
	}
	s.task.HoldKeys = nil
}

func (s *Supervisor) terminate(ctx context.Context, handle string) {
	if err := s.deps.Carrier.TerminateCall(ctx, handle); err != nil {
		s.log.Warn("terminate call failed", "handle", handle, "err", err)
	}
}

func (s *Supervisor) notify() {
	if s.deps.Observer != nil {
		s.deps.Observer.TaskChanged(s.task.ID)
	}
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
