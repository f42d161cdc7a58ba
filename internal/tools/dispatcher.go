// Package tools routes conversational-agent tool calls to call task supervisors.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calltask"
)

const (
	DefaultTimeout     = 10 * time.Second
	defaultDurationMin = 30
)

var ErrUnknownTool = fmt.Errorf("%w: unknown tool", apperr.ErrNotFound)

// Tool names as the agent sends them. camelCase aliases are accepted too.
const (
	CheckAvailability = "check_availability"
	ReportSlotOffer   = "report_slot_offer"
	BookSlot          = "book_slot"
	EndCall           = "end_call"
	GetDistance       = "get_distance"
)

var aliases = map[string]string{
	"checkavailability": CheckAvailability,
	"reportslotoffer":   ReportSlotOffer,
	"bookslot":          BookSlot,
	"endcall":           EndCall,
	"getdistance":       GetDistance,
}

// Resolver finds the supervisor a tool call targets.
type Resolver interface {
	Supervisor(campaignID, taskID string) (*calltask.Supervisor, error)
}

// Args is the union of every tool's arguments.
type Args struct {
	CampaignID         string `json:"campaign_id"`
	CallTaskID         string `json:"call_task_id"`
	Date               string `json:"date"`
	Time               string `json:"time"`
	DurationMinutes    int    `json:"duration_minutes"`
	DoctorName         string `json:"doctor_name"`
	StaffName          string `json:"staff_name"`
	Reason             string `json:"reason"`
	DestinationAddress string `json:"destination_address"`
}

type AvailabilityResult struct {
	Status           string   `json:"status"`
	HoldKey          string   `json:"hold_key,omitempty"`
	ExpiresInSeconds int      `json:"expires_in_seconds,omitempty"`
	Conflicts        []string `json:"conflicts,omitempty"`
}

type OfferResult struct {
	Received        bool   `json:"received"`
	RankingPosition int    `json:"ranking_position"`
	Instruction     string `json:"instruction"`
}

type BookResult struct {
	Booked bool   `json:"booked"`
	Reason string `json:"reason"`
}

type EndCallResult struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
}

type DistanceResult struct {
	DistanceKM float64 `json:"distance_km"`
}

type Dispatcher struct {
	resolver Resolver
	timeout  time.Duration
	loc      *time.Location
	clock    func() time.Time
	log      *slog.Logger
}

type Option func(*Dispatcher)

func WithClock(clock func() time.Time) Option { return func(d *Dispatcher) { d.clock = clock } }

func WithLocation(loc *time.Location) Option { return func(d *Dispatcher) { d.loc = loc } }

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func NewDispatcher(r Resolver, timeout time.Duration, opts ...Option) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{
		resolver: r,
		timeout:  timeout,
		loc:      time.UTC,
		clock:    time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Normalize maps a tool name or alias to its canonical name.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canon, ok := aliases[strings.ReplaceAll(n, "_", "")]; ok {
		return canon
	}
	return n
}

// Dispatch runs one tool call within the tool timeout. The call keeps running
// in the background if it overruns; its result is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args Args) (any, error) {
	name = Normalize(name)
	log := d.log.With("tool_name", name, "campaign_id", args.CampaignID, "call_task_id", args.CallTaskID)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := d.run(ctx, name, args)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			log.Warn("tool call failed", "err", o.err)
		}
		return o.res, o.err
	case <-ctx.Done():
		log.Warn("tool call timed out", "timeout", d.timeout.String())
		return nil, fmt.Errorf("%w: tool %s exceeded %s", apperr.ErrTimeout, name, d.timeout)
	}
}

func (d *Dispatcher) run(ctx context.Context, name string, args Args) (any, error) {
	switch name {
	case CheckAvailability, ReportSlotOffer, BookSlot, EndCall, GetDistance:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args.CampaignID == "" || args.CallTaskID == "" {
		return nil, apperr.Validation("campaign_id and call_task_id are required")
	}
	sup, err := d.resolver.Supervisor(args.CampaignID, args.CallTaskID)
	if err != nil {
		return nil, err
	}

	switch name {
	case CheckAvailability:
		date, clock, err := d.slot(args)
		if err != nil {
			return nil, err
		}
		res, err := sup.CheckAvailability(ctx, date, clock, duration(args))
		if err != nil {
			return nil, err
		}
		return AvailabilityResult{
			Status:           string(res.Status),
			HoldKey:          res.HoldKey,
			ExpiresInSeconds: int(res.ExpiresIn / time.Second),
			Conflicts:        res.Conflicts,
		}, nil

	case ReportSlotOffer:
		date, clock, err := d.slot(args)
		if err != nil {
			return nil, err
		}
		staff := args.StaffName
		if staff == "" {
			staff = args.DoctorName
		}
		rank, err := sup.ReportSlotOffer(ctx, calltask.OfferInput{
			Date:        date,
			Time:        clock,
			DurationMin: duration(args),
			StaffName:   staff,
		})
		if err != nil {
			return nil, err
		}
		return OfferResult{Received: true, RankingPosition: rank, Instruction: "continue_holding"}, nil

	case BookSlot:
		// booking belongs to the campaign's confirm; the agent only learns the state
		booked, reason := sup.BookingState()
		return BookResult{Booked: booked, Reason: reason}, nil

	case EndCall:
		reason := strings.TrimSpace(args.Reason)
		if reason == "" {
			reason = "completed"
		}
		st, err := sup.EndCall(ctx, reason)
		if err != nil {
			return nil, err
		}
		return EndCallResult{OK: true, Status: string(st)}, nil

	default:
		if strings.TrimSpace(args.DestinationAddress) == "" {
			return nil, apperr.Validation("destination_address is required")
		}
		km, err := sup.GetDistance(ctx, args.DestinationAddress)
		if err != nil {
			return nil, err
		}
		return DistanceResult{DistanceKM: km}, nil
	}
}

func (d *Dispatcher) slot(args Args) (string, string, error) {
	date, err := ParseDate(args.Date, d.clock().In(d.loc))
	if err != nil {
		return "", "", err
	}
	clock, err := ParseTime(args.Time)
	if err != nil {
		return "", "", err
	}
	return date, clock, nil
}

func duration(args Args) int {
	if args.DurationMinutes > 0 {
		return args.DurationMinutes
	}
	return defaultDurationMin
}

// IsUnknownTool reports whether err came from an unrecognized tool name.
func IsUnknownTool(err error) bool { return errors.Is(err, ErrUnknownTool) }
