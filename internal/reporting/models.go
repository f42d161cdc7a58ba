package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CampaignReportRequest selects campaigns created in [From, To).
type CampaignReportRequest struct {
	Range TimeRange `json:"range"`
}

type CampaignReport struct {
	Range TimeRange `json:"range"`

	Campaigns CampaignOutcomes `json:"campaigns"`
	Calls     CallOutcomes     `json:"calls"`

	// FailureReasons counts failed campaigns by reason (no_offers, stale, ...).
	FailureReasons map[string]int `json:"failure_reasons"`

	// OfferRate is the share of calls that produced an offer.
	OfferRate float64 `json:"offer_rate"`
	// ConversionRate is the share of finished campaigns that were confirmed.
	ConversionRate float64 `json:"conversion_rate"`
	// AverageWinningScore is over confirmed campaigns whose winner carried a score.
	AverageWinningScore float64 `json:"average_winning_score"`
}

type CampaignOutcomes struct {
	Total     int `json:"total"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Active    int `json:"active"`
}

type CallOutcomes struct {
	Total     int `json:"total"`
	Booked    int `json:"booked"`
	Offered   int `json:"offered"`
	NoAnswer  int `json:"no_answer"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Active    int `json:"active"`
}
