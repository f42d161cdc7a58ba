package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/campaign"
)

var ErrInvalidRequest = fmt.Errorf("%w: reporting: invalid request", apperr.ErrValidation)

// Repository abstracts data access for reporting. campaign.Repository
// satisfies it; reports only read persisted snapshots, never live coordinators.
type Repository interface {
	ListCampaigns(ctx context.Context, from, to time.Time) ([]campaign.Campaign, error)
	ListTasks(ctx context.Context, campaignID string) ([]calltask.Task, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CampaignReport(ctx context.Context, req CampaignReportRequest) (CampaignReport, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CampaignReport{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CampaignReport{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCampaigns(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CampaignReport{}, err
	}

	out := CampaignReport{Range: req.Range, FailureReasons: map[string]int{}}
	var (
		withOffer  int
		scoreSum   float64
		scoreCount int
	)
	for _, c := range rows {
		tasks, err := s.repo.ListTasks(ctx, c.ID)
		if err != nil {
			return CampaignReport{}, err
		}

		out.Campaigns.Total++
		switch c.Status {
		case campaign.StatusConfirmed:
			out.Campaigns.Confirmed++
		case campaign.StatusFailed:
			out.Campaigns.Failed++
			out.FailureReasons[c.FailureReason]++
		case campaign.StatusCancelled:
			out.Campaigns.Cancelled++
		default:
			out.Campaigns.Active++
		}

		for _, t := range tasks {
			out.Calls.Total++
			if t.Offer != nil {
				withOffer++
			}
			switch t.Status {
			case calltask.StatusBooked:
				out.Calls.Booked++
			case calltask.StatusSlotOffered, calltask.StatusEnded:
				out.Calls.Offered++
			case calltask.StatusNoAnswer:
				out.Calls.NoAnswer++
			case calltask.StatusRejected:
				out.Calls.Rejected++
			case calltask.StatusFailed:
				out.Calls.Failed++
			case calltask.StatusCancelled:
				out.Calls.Cancelled++
			default:
				out.Calls.Active++
			}
			if c.WinningTaskID != nil && *c.WinningTaskID == t.ID && t.Score != nil {
				scoreSum += *t.Score
				scoreCount++
			}
		}
	}

	if out.Calls.Total > 0 {
		out.OfferRate = float64(withOffer) / float64(out.Calls.Total)
	}
	if finished := out.Campaigns.Total - out.Campaigns.Active; finished > 0 {
		out.ConversionRate = float64(out.Campaigns.Confirmed) / float64(finished)
	}
	if scoreCount > 0 {
		out.AverageWinningScore = scoreSum / float64(scoreCount)
	}
	return out, nil
}
