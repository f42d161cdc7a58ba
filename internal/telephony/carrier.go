package telephony

import (
	"context"
	"strings"
	"sync/atomic"
)

// Carrier is the provider-agnostic outbound call interface used by call task
// supervisors.
//
// Rules:
//   - No provider SDK calls outside telephony adapters.
//   - Adapters translate provider events into call task operations; they never
//     decide campaign outcomes.
type Carrier interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// PlaceCall dials to on behalf of a call task and returns the provider's
	// call handle.
	PlaceCall(ctx context.Context, to, callTaskID string) (string, error)
	TerminateCall(ctx context.Context, handle string) error
}

// TargetRotator rewrites destinations round-robin through a fixed list of
// numbers. With an empty list destinations pass through untouched.
// Used in mock-human mode, where real people play the providers.
type TargetRotator struct {
	phones []string
	next   atomic.Uint64
}

func NewTargetRotator(phones []string) *TargetRotator {
	var clean []string
	for _, p := range phones {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	return &TargetRotator{phones: clean}
}

func (r *TargetRotator) Route(to string) string {
	if r == nil || len(r.phones) == 0 {
		return to
	}
	n := r.next.Add(1) - 1
	return r.phones[n%uint64(len(r.phones))]
}

func (r *TargetRotator) Enabled() bool { return r != nil && len(r.phones) > 0 }
