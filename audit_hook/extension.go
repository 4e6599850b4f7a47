// Package audithook forwards autopay lifecycle events to an external audit
// trail.
//
// The engine already writes event rows into its own store. This plugin is
// for deployments that also keep a central audit log; it defines a local
// Recorder interface so the package carries no dependency on any particular
// audit backend.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnAttemptReserved      = (*Extension)(nil)
	_ plugin.OnChargeSucceeded      = (*Extension)(nil)
	_ plugin.OnChargeFailed         = (*Extension)(nil)
	_ plugin.OnChargePending        = (*Extension)(nil)
	_ plugin.OnAttemptStale         = (*Extension)(nil)
	_ plugin.OnAutopayDisabled      = (*Extension)(nil)
	_ plugin.OnConsentMissing       = (*Extension)(nil)
	_ plugin.OnManualPendingSkipped = (*Extension)(nil)
	_ plugin.OnRunCompleted         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension forwards autopay lifecycle events to a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Attempt hooks
// ──────────────────────────────────────────────────

// OnAttemptReserved implements plugin.OnAttemptReserved.
func (e *Extension) OnAttemptReserved(ctx context.Context, a *attempt.Attempt) error {
	return e.record(ctx, ActionAttemptReserved, SeverityInfo, OutcomeSuccess,
		ResourceAttempt, a.ID.String(), CategoryPayment, "",
		attemptMeta(a)...,
	)
}

// OnChargeSucceeded implements plugin.OnChargeSucceeded.
func (e *Extension) OnChargeSucceeded(ctx context.Context, a *attempt.Attempt, expiresAt time.Time) error {
	return e.record(ctx, ActionChargeSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceAttempt, a.ID.String(), CategoryPayment, "",
		append(attemptMeta(a),
			"provider_charge_id", a.ProviderChargeID,
			"expires_at", expiresAt.UTC().Format(time.RFC3339),
		)...,
	)
}

// OnChargeFailed implements plugin.OnChargeFailed.
func (e *Extension) OnChargeFailed(ctx context.Context, a *attempt.Attempt, reason string) error {
	severity := SeverityWarning
	if a.Status == attempt.StatusGatewayError {
		severity = SeverityError
	}
	return e.record(ctx, ActionChargeFailed, severity, OutcomeFailure,
		ResourceAttempt, a.ID.String(), CategoryPayment, reason,
		append(attemptMeta(a),
			"status", string(a.Status),
			"raw_status", a.RawStatus,
		)...,
	)
}

// OnChargePending implements plugin.OnChargePending.
func (e *Extension) OnChargePending(ctx context.Context, a *attempt.Attempt) error {
	return e.record(ctx, ActionChargePending, SeverityInfo, OutcomePartial,
		ResourceAttempt, a.ID.String(), CategoryPayment, "",
		append(attemptMeta(a), "provider_charge_id", a.ProviderChargeID)...,
	)
}

// OnAttemptStale implements plugin.OnAttemptStale.
func (e *Extension) OnAttemptStale(ctx context.Context, a *attempt.Attempt) error {
	return e.record(ctx, ActionAttemptStale, SeverityWarning, OutcomeFailure,
		ResourceAttempt, a.ID.String(), CategoryPayment, a.FailureReason,
		attemptMeta(a)...,
	)
}

// ──────────────────────────────────────────────────
// Subscriber hooks
// ──────────────────────────────────────────────────

// OnAutopayDisabled implements plugin.OnAutopayDisabled.
func (e *Extension) OnAutopayDisabled(ctx context.Context, subscriberID id.SubscriberID, reason string) error {
	return e.record(ctx, ActionAutopayDisabled, SeverityCritical, OutcomeFailure,
		ResourceSubscriber, subscriberID.String(), CategorySubscription, reason,
	)
}

// OnConsentMissing implements plugin.OnConsentMissing.
func (e *Extension) OnConsentMissing(ctx context.Context, subscriberID id.SubscriberID) error {
	return e.record(ctx, ActionConsentMissing, SeverityWarning, OutcomeFailure,
		ResourceSubscriber, subscriberID.String(), CategoryConsent, "no active consent",
	)
}

// OnManualPendingSkipped implements plugin.OnManualPendingSkipped.
func (e *Extension) OnManualPendingSkipped(ctx context.Context, subscriberID id.SubscriberID) error {
	return e.record(ctx, ActionManualPendingSkipped, SeverityInfo, OutcomeSuccess,
		ResourceSubscriber, subscriberID.String(), CategorySubscription, "manual payment pending",
	)
}

// ──────────────────────────────────────────────────
// Run hooks
// ──────────────────────────────────────────────────

// OnRunCompleted implements plugin.OnRunCompleted. Dry runs are not audited.
func (e *Extension) OnRunCompleted(ctx context.Context, s plugin.RunSummary) error {
	if s.DryRun {
		return nil
	}
	outcome := OutcomeSuccess
	if s.Errors > 0 {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionRunCompleted, SeverityInfo, outcome,
		ResourceRun, s.Kind, CategoryOperations, "",
		"kind", s.Kind,
		"scanned", s.Scanned,
		"reserved", s.Reserved,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"pending", s.Pending,
		"stale", s.Stale,
		"disabled", s.Disabled,
		"errors", s.Errors,
		"elapsed_ms", s.Elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func attemptMeta(a *attempt.Attempt) []any {
	return []any{
		"subscriber_id", a.SubscriberID.String(),
		"cycle_key", a.CycleKey,
		"attempt_number", a.AttemptNumber,
		"order_id", a.OrderID,
		"amount", a.Amount.String(),
	}
}

// record builds and sends an audit event if the action is enabled. Recorder
// failures are logged and never fail the engine.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	reason string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
