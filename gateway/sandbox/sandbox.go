// Package sandbox is an in-process gateway.Client with deterministic,
// scriptable outcomes. Charges are idempotent by order id.
//
// Without a script, the billing token picks the outcome: tokens containing
// "decline" fail, "cancel" cancel, "pending" stay processing until settled,
// "error" fail at the transport level. Anything else succeeds.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xraph/autopay/gateway"
)

// Outcome scripts one Charge call.
type Outcome struct {
	// RawStatus returned from Charge.
	RawStatus string
	// Err, when set, is returned from Charge and no charge is recorded.
	Err error
	// NoID returns RawStatus without a provider charge id.
	NoID bool
	// Settle is the status PollStatus reports; empty keeps RawStatus.
	Settle string
	// Reason is returned alongside RawStatus.
	Reason string
}

// Success is a settled approval.
var Success = Outcome{RawStatus: "succeeded"}

// Decline is a card decline.
var Decline = Outcome{RawStatus: "declined", Reason: "card_declined"}

// Unavailable is a transport failure.
var Unavailable = Outcome{Err: fmt.Errorf("sandbox: connection reset: %w", gateway.ErrUnavailable)}

type charge struct {
	id      string
	orderID string
	raw     string
	settle  string
	reason  string
	created time.Time
}

// Gateway is safe for concurrent use.
type Gateway struct {
	mu       sync.Mutex
	byOrder  map[string]*charge
	byID     map[string]*charge
	script   []Outcome
	requests []gateway.ChargeRequest
	calls    int
	polls    int
	seq      int
	now      func() time.Time
}

// New returns an empty sandbox gateway.
func New() *Gateway {
	return &Gateway{
		byOrder: make(map[string]*charge),
		byID:    make(map[string]*charge),
		now:     time.Now,
	}
}

// Compile-time interface check.
var _ gateway.Client = (*Gateway)(nil)

// Script queues outcomes consumed by subsequent new orders, in order.
func (g *Gateway) Script(outcomes ...Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, outcomes...)
}

// SetClock replaces the time source used for settlement timestamps.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Settle changes what PollStatus reports for a provider charge.
func (g *Gateway) Settle(providerChargeID, raw string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.byID[providerChargeID]
	if !ok {
		return fmt.Errorf("sandbox: unknown charge %q", providerChargeID)
	}
	c.settle = raw
	return nil
}

// Calls is the number of Charge invocations, including idempotent replays.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Polls is the number of PollStatus invocations.
func (g *Gateway) Polls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}

// Charges is the number of distinct orders charged.
func (g *Gateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byOrder)
}

// Requests returns the recorded requests ordered by charge creation.
func (g *Gateway) Requests() []gateway.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]gateway.ChargeRequest(nil), g.requests...)
}

// Charge implements gateway.Client.
func (g *Gateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	if c, ok := g.byOrder[req.OrderID]; ok {
		return &gateway.ChargeResponse{ProviderChargeID: c.id, RawStatus: c.raw, Reason: c.reason}, nil
	}

	out := g.next(req.BillingToken)
	if out.Err != nil {
		return nil, out.Err
	}
	if out.NoID {
		return &gateway.ChargeResponse{RawStatus: out.RawStatus, Reason: out.Reason}, nil
	}

	g.seq++
	c := &charge{
		id:      fmt.Sprintf("sbx_%d", g.seq),
		orderID: req.OrderID,
		raw:     out.RawStatus,
		settle:  out.Settle,
		reason:  out.Reason,
		created: g.now(),
	}
	if c.settle == "" {
		c.settle = c.raw
	}
	g.byOrder[req.OrderID] = c
	g.byID[c.id] = c
	g.requests = append(g.requests, req)

	return &gateway.ChargeResponse{ProviderChargeID: c.id, RawStatus: c.raw, Reason: c.reason}, nil
}

// PollStatus implements gateway.Client.
func (g *Gateway) PollStatus(ctx context.Context, providerChargeID string) (*gateway.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++

	c, ok := g.byID[providerChargeID]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown charge %q", providerChargeID)
	}

	res := &gateway.PollResult{RawStatus: c.settle, Reason: c.reason}
	if gateway.DefaultStatusMap.Map(c.settle).IsTerminal() {
		at := g.now()
		res.SettledAt = &at
	}
	return res, nil
}

func (g *Gateway) next(token string) Outcome {
	if len(g.script) > 0 {
		out := g.script[0]
		g.script = g.script[1:]
		return out
	}

	switch t := strings.ToLower(token); {
	case strings.Contains(t, "decline"):
		return Decline
	case strings.Contains(t, "cancel"):
		return Outcome{RawStatus: "canceled", Reason: "canceled_by_issuer"}
	case strings.Contains(t, "pending"):
		return Outcome{RawStatus: "processing"}
	case strings.Contains(t, "error"):
		return Unavailable
	default:
		return Success
	}
}
