package calltask

import "swarm-scheduler/internal/apperr"

type Status string

const (
	StatusPending     Status = "pending"
	StatusDialing     Status = "dialing"
	StatusNegotiating Status = "negotiating"
	StatusSlotOffered Status = "slot_offered"
	StatusNoAnswer    Status = "no_answer"
	StatusRejected    Status = "rejected"
	StatusFailed      Status = "failed"
	StatusEnded       Status = "ended"
	StatusBooked      Status = "booked"
	StatusCancelled   Status = "cancelled"
)

// Terminal covers the ended superstate: no further negotiation happens.
func (s Status) Terminal() bool {
	switch s {
	case StatusNoAnswer, StatusRejected, StatusFailed, StatusEnded, StatusBooked, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active means a conversation is (or was) connected.
func (s Status) Active() bool {
	return s == StatusNegotiating || s == StatusSlotOffered
}

type Event string

const (
	EventDial     Event = "dial"
	EventAnswer   Event = "answer"
	EventHold     Event = "hold"
	EventOffer    Event = "offer"
	EventNoAnswer Event = "no_answer"
	EventReject   Event = "reject"
	EventFail     Event = "fail"
	EventTimeout  Event = "timeout"
	EventEnd      Event = "end"
	EventBook     Event = "book"
	EventCancel   Event = "cancel"
)

// Next is total over (Status, Event); pairs without a transition return ErrInvalidState.
func Next(s Status, e Event) (Status, error) {
	switch s {
	case StatusPending:
		switch e {
		case EventDial:
			return StatusDialing, nil
		case EventFail, EventTimeout:
			return StatusFailed, nil
		case EventCancel:
			return StatusCancelled, nil
		}
	case StatusDialing:
		switch e {
		case EventAnswer, EventHold:
			return StatusNegotiating, nil
		case EventNoAnswer:
			return StatusNoAnswer, nil
		case EventReject, EventEnd:
			return StatusRejected, nil
		case EventFail, EventTimeout:
			return StatusFailed, nil
		case EventCancel:
			return StatusCancelled, nil
		}
	case StatusNegotiating:
		switch e {
		case EventAnswer, EventHold:
			return StatusNegotiating, nil
		case EventOffer:
			return StatusSlotOffered, nil
		case EventNoAnswer:
			return StatusNoAnswer, nil
		case EventReject, EventEnd:
			return StatusRejected, nil
		case EventFail, EventTimeout:
			return StatusFailed, nil
		case EventCancel:
			return StatusCancelled, nil
		}
	case StatusSlotOffered:
		switch e {
		case EventAnswer, EventHold, EventOffer:
			return StatusSlotOffered, nil
		case EventReject:
			return StatusRejected, nil
		case EventEnd, EventNoAnswer, EventFail, EventTimeout:
			// the reported offer stands
			return StatusEnded, nil
		case EventBook:
			return StatusBooked, nil
		case EventCancel:
			return StatusCancelled, nil
		}
	case StatusEnded:
		switch e {
		case EventBook:
			return StatusBooked, nil
		case EventCancel:
			return StatusCancelled, nil
		}
	case StatusNoAnswer, StatusRejected, StatusFailed, StatusBooked, StatusCancelled:
		// terminal
	}
	return s, apperr.InvalidState("call task %s cannot handle %s", s, e)
}

// EventForReason maps an endCall reason to the event that closes the task.
func EventForReason(reason string) Event {
	switch reason {
	case "no_answer", "busy", "voicemail":
		return EventNoAnswer
	case "rejected", "no_availability", "declined":
		return EventReject
	case "failed", "error", "carrier_error":
		return EventFail
	case "timeout":
		return EventTimeout
	default:
		return EventEnd
	}
}
