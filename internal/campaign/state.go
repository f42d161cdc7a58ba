package campaign

import "swarm-scheduler/internal/apperr"

type Status string

const (
	StatusCreated        Status = "created"
	StatusProviderLookup Status = "provider_lookup"
	StatusDialing        Status = "dialing"
	StatusNegotiating    Status = "negotiating"
	StatusRanking        Status = "ranking"
	StatusConfirmed      Status = "confirmed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

type Event string

const (
	EventLookupStarted       Event = "lookup_started"
	EventProvidersFound      Event = "providers_found"
	EventNoProviders         Event = "no_providers"
	EventConversationStarted Event = "conversation_started"
	EventOffersReady         Event = "offers_ready"
	EventConfirm             Event = "confirm"
	EventCancel              Event = "cancel"
	EventFail                Event = "fail"
)

// Next is total: pairs without a transition return ErrInvalidState and the
// unchanged status.
func Next(s Status, e Event) (Status, error) {
	if s.Terminal() {
		return s, apperr.InvalidState("campaign is %s", s)
	}
	switch e {
	case EventCancel:
		return StatusCancelled, nil
	case EventFail:
		return StatusFailed, nil
	}

	switch s {
	case StatusCreated:
		if e == EventLookupStarted {
			return StatusProviderLookup, nil
		}
	case StatusProviderLookup:
		switch e {
		case EventProvidersFound:
			return StatusDialing, nil
		case EventNoProviders:
			return StatusFailed, nil
		}
	case StatusDialing:
		switch e {
		case EventConversationStarted:
			return StatusNegotiating, nil
		case EventOffersReady:
			// an offer implies a conversation happened
			return StatusRanking, nil
		}
	case StatusNegotiating:
		switch e {
		case EventConversationStarted:
			return StatusNegotiating, nil
		case EventOffersReady:
			return StatusRanking, nil
		case EventConfirm:
			return StatusConfirmed, nil
		}
	case StatusRanking:
		switch e {
		case EventConversationStarted, EventOffersReady:
			return StatusRanking, nil
		case EventConfirm:
			return StatusConfirmed, nil
		}
	}
	return s, apperr.InvalidState("campaign %s cannot handle %s", s, e)
}
