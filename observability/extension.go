// Package observability provides a metrics plugin for autopay that records
// charge and reconcile lifecycle counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnAttemptReserved      = (*MetricsExtension)(nil)
	_ plugin.OnChargeSucceeded      = (*MetricsExtension)(nil)
	_ plugin.OnChargeFailed         = (*MetricsExtension)(nil)
	_ plugin.OnChargePending        = (*MetricsExtension)(nil)
	_ plugin.OnAttemptStale         = (*MetricsExtension)(nil)
	_ plugin.OnAutopayDisabled      = (*MetricsExtension)(nil)
	_ plugin.OnConsentMissing       = (*MetricsExtension)(nil)
	_ plugin.OnManualPendingSkipped = (*MetricsExtension)(nil)
	_ plugin.OnRunCompleted         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records engine-wide autopay metrics.
// Register it as an autopay plugin.
type MetricsExtension struct {
	// Attempt metrics
	AttemptsReserved Counter
	AttemptsStale    Counter

	// Charge metrics
	ChargesSucceeded  Counter
	ChargesFailed     Counter
	ChargesDeclined   Counter
	ChargesCanceled   Counter
	ChargeErrors      Counter
	ChargesPending    Counter
	ChargeAmount      Histogram
	AttemptsToSucceed Histogram

	// Subscriber metrics
	AutopayDisabled      Counter
	ConsentMissing       Counter
	ManualPendingSkipped Counter

	// Run metrics
	ChargeRuns    Counter
	ReconcileRuns Counter
	RunErrors     Counter
	RunScanned    Histogram
	RunLatency    Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		AttemptsReserved: factory.Counter("autopay.attempt.reserved"),
		AttemptsStale:    factory.Counter("autopay.attempt.stale"),

		ChargesSucceeded:  factory.Counter("autopay.charge.succeeded"),
		ChargesFailed:     factory.Counter("autopay.charge.failed"),
		ChargesDeclined:   factory.Counter("autopay.charge.declined"),
		ChargesCanceled:   factory.Counter("autopay.charge.canceled"),
		ChargeErrors:      factory.Counter("autopay.charge.gateway_errors"),
		ChargesPending:    factory.Counter("autopay.charge.pending"),
		ChargeAmount:      factory.Histogram("autopay.charge.amount"),
		AttemptsToSucceed: factory.Histogram("autopay.charge.attempts_to_succeed"),

		AutopayDisabled:      factory.Counter("autopay.subscriber.disabled"),
		ConsentMissing:       factory.Counter("autopay.subscriber.consent_missing"),
		ManualPendingSkipped: factory.Counter("autopay.subscriber.manual_pending"),

		ChargeRuns:    factory.Counter("autopay.run.charge"),
		ReconcileRuns: factory.Counter("autopay.run.reconcile"),
		RunErrors:     factory.Counter("autopay.run.errors"),
		RunScanned:    factory.Histogram("autopay.run.scanned"),
		RunLatency:    factory.Histogram("autopay.run.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Attempt hooks
// ──────────────────────────────────────────────────

// OnAttemptReserved implements plugin.OnAttemptReserved.
func (m *MetricsExtension) OnAttemptReserved(_ context.Context, _ *attempt.Attempt) error {
	m.AttemptsReserved.Inc()
	return nil
}

// OnChargeSucceeded implements plugin.OnChargeSucceeded.
func (m *MetricsExtension) OnChargeSucceeded(_ context.Context, a *attempt.Attempt, _ time.Time) error {
	m.ChargesSucceeded.Inc()
	m.ChargeAmount.Observe(float64(a.Amount.Amount))
	m.AttemptsToSucceed.Observe(float64(a.AttemptNumber))
	return nil
}

// OnChargeFailed implements plugin.OnChargeFailed.
func (m *MetricsExtension) OnChargeFailed(_ context.Context, a *attempt.Attempt, _ string) error {
	m.ChargesFailed.Inc()
	switch a.Status {
	case attempt.StatusFail:
		m.ChargesDeclined.Inc()
	case attempt.StatusCancel:
		m.ChargesCanceled.Inc()
	case attempt.StatusGatewayError:
		m.ChargeErrors.Inc()
	}
	return nil
}

// OnChargePending implements plugin.OnChargePending.
func (m *MetricsExtension) OnChargePending(_ context.Context, _ *attempt.Attempt) error {
	m.ChargesPending.Inc()
	return nil
}

// OnAttemptStale implements plugin.OnAttemptStale.
func (m *MetricsExtension) OnAttemptStale(_ context.Context, _ *attempt.Attempt) error {
	m.AttemptsStale.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscriber hooks
// ──────────────────────────────────────────────────

// OnAutopayDisabled implements plugin.OnAutopayDisabled.
func (m *MetricsExtension) OnAutopayDisabled(_ context.Context, _ id.SubscriberID, _ string) error {
	m.AutopayDisabled.Inc()
	return nil
}

// OnConsentMissing implements plugin.OnConsentMissing.
func (m *MetricsExtension) OnConsentMissing(_ context.Context, _ id.SubscriberID) error {
	m.ConsentMissing.Inc()
	return nil
}

// OnManualPendingSkipped implements plugin.OnManualPendingSkipped.
func (m *MetricsExtension) OnManualPendingSkipped(_ context.Context, _ id.SubscriberID) error {
	m.ManualPendingSkipped.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Run hooks
// ──────────────────────────────────────────────────

// OnRunCompleted implements plugin.OnRunCompleted. Dry runs only count
// toward the run counters.
func (m *MetricsExtension) OnRunCompleted(_ context.Context, s plugin.RunSummary) error {
	switch s.Kind {
	case "reconcile":
		m.ReconcileRuns.Inc()
	default:
		m.ChargeRuns.Inc()
	}
	if s.DryRun {
		return nil
	}
	m.RunErrors.Add(float64(s.Errors))
	m.RunScanned.Observe(float64(s.Scanned))
	m.RunLatency.Observe(float64(s.Elapsed.Milliseconds()))
	return nil
}
