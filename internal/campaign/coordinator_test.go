package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/audit"
	"swarm-scheduler/internal/calendar"
	"swarm-scheduler/internal/calltask"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaign_BestOfferWinsAndConfirms(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	sub, err := h.reg.Subscribe(ctx, owner, c.ID)
	require.NoError(t, err)
	defer sub.Close()

	tasks := h.dialed(t, c.ID, 3)
	day := futureDay(2)

	// task 0 is rated 4.9, task 1 is rated 4.0
	h.offer(t, c.ID, tasks[1].ID, day, "09:00")
	h.offer(t, c.ID, tasks[0].ID, day, "10:00")
	h.waitStatus(t, c.ID, StatusRanking)

	results, err := h.reg.Results(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, tasks[0].ID, results[0].ID)
	assert.Equal(t, tasks[1].ID, results[1].ID)
	assert.Greater(t, *results[0].Score, *results[1].Score)

	appt, err := h.reg.Confirm(ctx, owner, c.ID, results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "prov-a", appt.ProviderID)
	assert.Equal(t, day, appt.Date)
	assert.Equal(t, "10:00", appt.Time)
	assert.Equal(t, 30, appt.DurationMin)
	assert.True(t, appt.CalendarSynced)
	assert.Equal(t, 1, h.cal.Bookings(owner))

	snap := h.waitStatus(t, c.ID, StatusConfirmed)
	require.NotNil(t, snap.Campaign.WinningTaskID)
	assert.Equal(t, tasks[0].ID, *snap.Campaign.WinningTaskID)
	assert.True(t, snap.Campaign.ResultsFinal)
	for _, task := range snap.Tasks {
		if task.ID == tasks[0].ID {
			assert.Equal(t, calltask.StatusBooked, task.Status)
			continue
		}
		assert.Equal(t, calltask.StatusCancelled, task.Status)
		assert.True(t, h.carrier.Terminated("call-"+task.ID), "losing call %s still up", task.ID)
	}

	// the losing hold is gone once the campaign closes
	assert.Empty(t, h.held(t, day, "09:00"))

	var last Snapshot
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case s, ok := <-sub.C():
			if !ok {
				done = true
				continue
			}
			last = s
		case <-timeout:
			t.Fatal("stream never ended")
		}
	}
	assert.Equal(t, StatusConfirmed, last.Campaign.Status)

	appts, err := h.reg.Appointments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, appt.ID, appts[0].ID)

	assert.Len(t, h.audit.OfType(audit.EventTypeCampaignConfirmed), 1)
	assert.Empty(t, h.sync.IDs())
}

func TestCampaign_ConcurrentConfirmBooksOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	day := futureDay(3)
	h.offer(t, c.ID, tasks[0].ID, day, "09:00")
	h.offer(t, c.ID, tasks[1].ID, day, "11:00")
	h.waitStatus(t, c.ID, StatusRanking)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range []string{tasks[0].ID, tasks[1].ID, tasks[0].ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.reg.Confirm(ctx, owner, c.ID, id)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrConflict), "unexpected error %v", err)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.cal.Bookings(owner))

	appts, err := h.reg.Appointments(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

func TestCampaign_CalendarConflictAtConfirmKeepsCampaignOpen(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	day := futureDay(4)
	h.offer(t, c.ID, tasks[0].ID, day, "09:00")
	h.offer(t, c.ID, tasks[1].ID, day, "14:00")
	h.waitStatus(t, c.ID, StatusRanking)

	// the user booked something else meanwhile
	require.NoError(t, h.cal.Block(owner, calendar.Slot{Date: day, Time: "09:15", DurationMin: 30}))

	_, err := h.reg.Confirm(ctx, owner, c.ID, tasks[0].ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	snap, err := h.reg.Get(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRanking, snap.Campaign.Status)
	assert.Nil(t, snap.Campaign.WinningTaskID)

	appt, err := h.reg.Confirm(ctx, owner, c.ID, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "14:00", appt.Time)
	h.waitStatus(t, c.ID, StatusConfirmed)
}

func TestCampaign_CalendarOutageDefersSync(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	day := futureDay(2)
	h.offer(t, c.ID, tasks[2].ID, day, "16:30")
	h.waitStatus(t, c.ID, StatusRanking)

	h.cal.SetFailCommits(true)
	appt, err := h.reg.Confirm(ctx, owner, c.ID, tasks[2].ID)
	require.NoError(t, err)
	assert.False(t, appt.CalendarSynced)
	assert.Equal(t, []string{appt.ID}, h.sync.IDs())

	stored, err := h.repo.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.False(t, stored.CalendarSynced)
}

func TestCampaign_FailedAppointmentInsertLeavesSlotBookable(t *testing.T) {
	repo := &flakyRepo{fail: 1, err: errors.New("db: connection reset")}
	h := newHarness(t, harnessOpts{repo: func(r Repository) Repository {
		repo.Repository = r
		return repo
	}})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	day := futureDay(2)
	h.offer(t, c.ID, tasks[0].ID, day, "10:00")
	h.waitStatus(t, c.ID, StatusRanking)

	_, err := h.reg.Confirm(ctx, owner, c.ID, tasks[0].ID)
	require.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 0, h.cal.Bookings(owner), "nothing reserved for a failed confirm")

	snap, err := h.reg.Get(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRanking, snap.Campaign.Status)

	appt, err := h.reg.Confirm(ctx, owner, c.ID, tasks[0].ID)
	require.NoError(t, err)
	assert.True(t, appt.CalendarSynced)
	assert.Equal(t, 1, h.cal.Bookings(owner))
	h.waitStatus(t, c.ID, StatusConfirmed)

	appts, err := h.reg.Appointments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, appts[0].CalendarSynced)
}

func TestCampaign_CalendarRefusalRemovesAppointment(t *testing.T) {
	h := newHarness(t, harnessOpts{cal: func(c calendar.Calendar) calendar.Calendar {
		return refusingCalendar{Calendar: c}
	}})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	day := futureDay(2)
	h.offer(t, c.ID, tasks[1].ID, day, "11:00")
	h.waitStatus(t, c.ID, StatusRanking)

	_, err := h.reg.Confirm(ctx, owner, c.ID, tasks[1].ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	appts, err := h.reg.Appointments(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, appts)
	assert.Empty(t, h.sync.IDs())

	snap, err := h.reg.Get(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRanking, snap.Campaign.Status)
}

func TestCampaign_ConfirmUnknownOrOfferlessTask(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	h.offer(t, c.ID, tasks[0].ID, futureDay(2), "09:00")
	h.waitStatus(t, c.ID, StatusRanking)

	_, err := h.reg.Confirm(ctx, owner, c.ID, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.reg.Confirm(ctx, owner, c.ID, tasks[1].ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	// a failed attempt must not leave the booking lock behind
	_, err = h.reg.Confirm(ctx, owner, c.ID, tasks[0].ID)
	assert.NoError(t, err)
}

func TestCampaign_ConfirmBeforeConversation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.create(t)
	h.dialed(t, c.ID, 3)
	h.waitStatus(t, c.ID, StatusDialing)

	_, err := h.reg.Confirm(context.Background(), owner, c.ID, "any")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCampaign_CancelRetiresEverything(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	day := futureDay(2)
	h.offer(t, c.ID, tasks[0].ID, day, "09:00")

	require.NoError(t, h.reg.Cancel(ctx, owner, c.ID))
	snap := h.waitStatus(t, c.ID, StatusCancelled)
	assert.True(t, snap.Campaign.ResultsFinal)
	for _, task := range snap.Tasks {
		assert.Equal(t, calltask.StatusCancelled, task.Status)
		assert.Empty(t, task.HoldKeys)
		assert.True(t, h.carrier.Terminated("call-"+task.ID))
	}
	assert.Empty(t, h.held(t, day, "09:00"))

	// idempotent
	require.NoError(t, h.reg.Cancel(ctx, owner, c.ID))

	_, err := h.reg.Confirm(ctx, owner, c.ID, tasks[0].ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, h.audit.OfType(audit.EventTypeCampaignCancelled), 1)
}

func TestCampaign_NoProviders(t *testing.T) {
	h := newHarness(t, harnessOpts{dir: stubDirectory{}})
	c := h.create(t)

	snap := h.waitStatus(t, c.ID, StatusFailed)
	assert.Equal(t, "no_providers", snap.Campaign.FailureReason)
	assert.Empty(t, snap.Tasks)
}

func TestCampaign_LookupError(t *testing.T) {
	h := newHarness(t, harnessOpts{dir: stubDirectory{err: errors.New("places api down")}})
	c := h.create(t)

	snap := h.waitStatus(t, c.ID, StatusFailed)
	assert.Equal(t, "provider_lookup_error", snap.Campaign.FailureReason)
	assert.Len(t, h.audit.OfType(audit.EventTypeCampaignFailed), 1)
}

func TestCampaign_AllCallsEndWithoutOffer(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	reasons := []string{"no_answer", "no_availability", "voicemail"}
	for i, task := range tasks {
		_, err := h.sup(t, c.ID, task.ID).EndCall(ctx, reasons[i])
		require.NoError(t, err)
	}

	snap := h.waitStatus(t, c.ID, StatusFailed)
	assert.Equal(t, "no_offers", snap.Campaign.FailureReason)
	assert.True(t, snap.Campaign.ResultsFinal)
}

func TestCampaign_EndedCallKeepsOfferForRanking(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	c := h.create(t)

	tasks := h.dialed(t, c.ID, 3)
	h.offer(t, c.ID, tasks[1].ID, futureDay(5), "13:00")
	for _, task := range tasks {
		_, _ = h.sup(t, c.ID, task.ID).EndCall(ctx, "completed")
	}

	snap := h.waitStatus(t, c.ID, StatusRanking)
	require.Eventually(t, func() bool {
		s, err := h.reg.Get(ctx, owner, c.ID)
		return err == nil && s.Campaign.ResultsFinal
	}, 3*time.Second, 5*time.Millisecond)

	results, err := h.reg.Results(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, calltask.StatusEnded, results[0].Status)
	assert.Equal(t, StatusRanking, snap.Campaign.Status)

	_, err = h.reg.Confirm(ctx, owner, c.ID, tasks[1].ID)
	require.NoError(t, err)
}

func TestCampaign_BudgetExpiry(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: func(c *RegistryConfig) {
		c.Settings.Budget = 150 * time.Millisecond
	}})
	c := h.create(t)

	snap := h.waitStatus(t, c.ID, StatusFailed)
	assert.Equal(t, "campaign_budget", snap.Campaign.FailureReason)
	for _, task := range snap.Tasks {
		assert.True(t, task.Status.Terminal(), "task %s left in %s", task.ID, task.Status)
	}
}

func TestCampaign_SwarmRespectsConcurrencyCap(t *testing.T) {
	h := newHarness(t, harnessOpts{
		dir: stubDirectory{providers: providers(5)},
		cfg: func(c *RegistryConfig) { c.Settings.MaxConcurrentCalls = 2 },
	})
	ctx := context.Background()
	c := h.create(t)

	var first string
	require.Eventually(t, func() bool {
		snap, err := h.reg.Get(ctx, owner, c.ID)
		if err != nil || len(snap.Tasks) != 5 {
			return false
		}
		dialing := 0
		for _, task := range snap.Tasks {
			if task.Status == calltask.StatusDialing && task.CallHandle != "" {
				dialing++
				first = task.ID
			}
		}
		return dialing == 2
	}, 3*time.Second, 5*time.Millisecond)

	// finishing one call frees a slot for the next provider
	_, err := h.sup(t, c.ID, first).EndCall(ctx, "no_answer")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := h.reg.Get(ctx, owner, c.ID)
		if err != nil {
			return false
		}
		pending := 0
		for _, task := range snap.Tasks {
			if task.Status == calltask.StatusPending {
				pending++
			}
		}
		return pending == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestFailReason(t *testing.T) {
	assert.Equal(t, "no_offers", failReason(nil))
	assert.Equal(t, "campaign_budget", failReason(apperr.ErrTimeout))
	assert.Equal(t, "cancelled", failReason(calltask.ErrRetired))
	assert.Equal(t, "shutdown", failReason(context.Canceled))
}
