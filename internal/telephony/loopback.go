package telephony

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackCarrier places no real calls. It hands out handles and records what
// was dialed so local runs and tests can drive call tasks through the tool
// webhooks by hand.
type LoopbackCarrier struct {
	mu         sync.Mutex
	seq        int
	targets    *TargetRotator
	calls      map[string]LoopbackCall
	terminated map[string]bool
}

type LoopbackCall struct {
	Handle     string
	To         string
	CallTaskID string
}

func NewLoopbackCarrier(targets *TargetRotator) *LoopbackCarrier {
	return &LoopbackCarrier{
		targets:    targets,
		calls:      make(map[string]LoopbackCall),
		terminated: make(map[string]bool),
	}
}

func (c *LoopbackCarrier) Name() string { return "loopback" }

func (c *LoopbackCarrier) HealthCheck(ctx context.Context) error { return nil }

func (c *LoopbackCarrier) PlaceCall(ctx context.Context, to, callTaskID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	handle := fmt.Sprintf("LB%06d", c.seq)
	c.calls[handle] = LoopbackCall{Handle: handle, To: c.targets.Route(to), CallTaskID: callTaskID}
	return handle, nil
}

// TerminateCall is idempotent; unknown handles are ignored.
func (c *LoopbackCarrier) TerminateCall(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[handle]; ok {
		c.terminated[handle] = true
	}
	return nil
}

// Calls returns every placed call, in no particular order.
func (c *LoopbackCarrier) Calls() []LoopbackCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LoopbackCall, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, call)
	}
	return out
}

func (c *LoopbackCarrier) Terminated(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated[handle]
}
