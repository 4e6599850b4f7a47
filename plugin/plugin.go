// Package plugin lets extensions observe the autopay charge lifecycle.
// A plugin implements Plugin plus any subset of the hook interfaces; the
// Registry discovers the hooks once at registration.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *autopay.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Attempt hooks
// ──────────────────────────────────────────────────

// OnAttemptReserved is called after a cycle slot was reserved and before
// the gateway is contacted.
type OnAttemptReserved interface {
	Plugin
	OnAttemptReserved(ctx context.Context, a *attempt.Attempt) error
}

// OnChargeSucceeded is called once per cycle, after the subscription was
// extended to expiresAt.
type OnChargeSucceeded interface {
	Plugin
	OnChargeSucceeded(ctx context.Context, a *attempt.Attempt, expiresAt time.Time) error
}

// OnChargeFailed is called when an attempt resolves to fail, cancel or
// gateway_error.
type OnChargeFailed interface {
	Plugin
	OnChargeFailed(ctx context.Context, a *attempt.Attempt, reason string) error
}

// OnChargePending is called when the gateway accepted a charge that has not
// settled yet.
type OnChargePending interface {
	Plugin
	OnChargePending(ctx context.Context, a *attempt.Attempt) error
}

// OnAttemptStale is called when a pending attempt timed out.
type OnAttemptStale interface {
	Plugin
	OnAttemptStale(ctx context.Context, a *attempt.Attempt) error
}

// ──────────────────────────────────────────────────
// Subscriber hooks
// ──────────────────────────────────────────────────

// OnAutopayDisabled is called once when retries for a cycle are exhausted.
type OnAutopayDisabled interface {
	Plugin
	OnAutopayDisabled(ctx context.Context, subscriberID id.SubscriberID, reason string) error
}

// OnConsentMissing is called when a due subscriber has no active consent.
type OnConsentMissing interface {
	Plugin
	OnConsentMissing(ctx context.Context, subscriberID id.SubscriberID) error
}

// OnManualPendingSkipped is called when a manual payment in flight blocked
// an autopay attempt.
type OnManualPendingSkipped interface {
	Plugin
	OnManualPendingSkipped(ctx context.Context, subscriberID id.SubscriberID) error
}

// ──────────────────────────────────────────────────
// Run hooks
// ──────────────────────────────────────────────────

// RunSummary describes one finished pass.
type RunSummary struct {
	Kind      string // "charge" or "reconcile"
	DryRun    bool
	Scanned   int
	Reserved  int
	Succeeded int
	Failed    int
	Pending   int
	Stale     int
	Skipped   int
	Disabled  int
	Errors    int
	Elapsed   time.Duration
}

// OnRunCompleted is called after every charge or reconcile pass.
type OnRunCompleted interface {
	Plugin
	OnRunCompleted(ctx context.Context, summary RunSummary) error
}
