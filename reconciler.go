package autopay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
)

// ReconcileOptions tunes one reconcile pass.
type ReconcileOptions struct {
	// DryRun polls the gateway but writes nothing.
	DryRun bool
}

// ReconcilePending resolves attempts left pending. In-flight attempts are
// polled at the gateway; attempts still unresolved past the pending TTL,
// and reservation-only attempts abandoned by terminated runs, are declared
// stale so the next charge pass may retry them.
func (e *Engine) ReconcilePending(ctx context.Context, opts ReconcileOptions) (*RunReport, error) {
	start := time.Now()
	now := e.now()

	inFlight, reservationOnly := true, false
	polled, err := e.store.ListPending(ctx, attempt.PendingFilter{
		HasProviderID: &inFlight,
		Limit:         e.config.BatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("autopay: list in-flight attempts: %w", err)
	}
	dangling, err := e.store.ListPending(ctx, attempt.PendingFilter{
		HasProviderID: &reservationOnly,
		CreatedBefore: now.Add(-e.config.PendingTTL),
		Limit:         e.config.BatchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("autopay: list abandoned reservations: %w", err)
	}

	report := newReport("reconcile", opts.DryRun, now)
	report.Scanned = len(polled) + len(dangling)

	e.forEach(ctx, len(polled), func(ctx context.Context, i int) {
		e.reconcileAttempt(ctx, polled[i], opts.DryRun, report)
	})
	e.forEach(ctx, len(dangling), func(ctx context.Context, i int) {
		e.sweepReservation(ctx, dangling[i], opts.DryRun, report)
	})

	report.Elapsed = time.Since(start)
	e.plugins.EmitRunCompleted(ctx, report.Summary())

	e.logger.Info("autopay reconcile pass finished",
		"dry_run", opts.DryRun,
		"scanned", report.Scanned,
		"succeeded", report.Count(OutcomeSucceeded),
		"failed", report.Count(OutcomeFailed),
		"stale", report.Count(OutcomeStale),
		"still_pending", report.Count(OutcomePending),
		"errors", report.Count(OutcomeError),
		"elapsed_ms", report.Elapsed.Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("autopay: reconcile pass interrupted: %w", err)
	}
	return report, nil
}

// reconcileAttempt polls one in-flight attempt.
func (e *Engine) reconcileAttempt(ctx context.Context, a *attempt.Attempt, dryRun bool, report *RunReport) {
	now := e.now()
	item := itemFor(a)
	log := e.logger.With(
		"subscriber_id", a.SubscriberID.String(),
		"attempt_id", a.ID.String(),
		"provider_charge_id", a.ProviderChargeID,
	)

	poll, err := e.gateway.PollStatus(ctx, a.ProviderChargeID)
	if err != nil {
		if a.OlderThan(e.config.PendingTTL, now) {
			log.Warn("poll failed for expired pending attempt", "error", err)
			e.staleItem(ctx, a, now, dryRun, item, report, log)
			return
		}
		e.failItem(report, item, log, "poll gateway", err)
		return
	}

	if poll.BillingToken != "" && !dryRun {
		e.refreshBillingToken(ctx, a.SubscriberID, poll.BillingToken, log)
	}

	status := e.statusMap.Map(poll.RawStatus)
	if status == attempt.StatusPending {
		if a.OlderThan(e.config.PendingTTL, now) {
			e.staleItem(ctx, a, now, dryRun, item, report, log)
			return
		}
		item.Outcome = OutcomePending
		report.add(item)
		return
	}

	if dryRun {
		item.Outcome = OutcomeSkipped
		item.Reason = "would resolve to " + string(status)
		report.add(item)
		return
	}

	observed := now
	if poll.SettledAt != nil {
		observed = *poll.SettledAt
	}
	res := attempt.Result{
		ProviderChargeID: a.ProviderChargeID,
		Status:           status,
		RawStatus:        poll.RawStatus,
		Reason:           poll.Reason,
		ObservedAt:       observed,
	}
	e.scheduleRetry(a, &res)

	outcome, err := e.settle(ctx, a.SubscriberID, a, res, log)
	if err != nil {
		e.failItem(report, item, log, "apply poll result", err)
		return
	}
	item.Outcome = outcome
	item.Reason = res.Reason
	report.add(item)
}

// sweepReservation releases a reservation whose run never reached the
// gateway or never recorded the answer.
func (e *Engine) sweepReservation(ctx context.Context, a *attempt.Attempt, dryRun bool, report *RunReport) {
	log := e.logger.With("subscriber_id", a.SubscriberID.String(), "attempt_id", a.ID.String())
	e.staleItem(ctx, a, e.now(), dryRun, itemFor(a), report, log)
}

func (e *Engine) staleItem(ctx context.Context, a *attempt.Attempt, now time.Time, dryRun bool, item Item, report *RunReport, log *slog.Logger) {
	if !dryRun {
		if err := e.markStale(ctx, a, now); err != nil {
			if errors.Is(err, ErrAttemptNotPending) {
				item.Outcome = OutcomeConflict
				report.add(item)
				return
			}
			e.failItem(report, item, log, "mark stale attempt", err)
			return
		}
		log.Info("pending attempt declared stale", "created_at", a.CreatedAt)
	}
	item.Outcome = OutcomeStale
	report.add(item)
}

// refreshBillingToken stores a token the gateway rotated.
func (e *Engine) refreshBillingToken(ctx context.Context, subID id.SubscriberID, token string, log *slog.Logger) {
	s, err := e.store.GetSubscriber(ctx, subID)
	if err != nil {
		log.Warn("load subscriber for token refresh failed", "error", err)
		return
	}
	if s.BillingToken == token {
		return
	}
	if err := e.store.UpdateBillingToken(ctx, subID, token); err != nil {
		log.Warn("billing token refresh failed", "error", err)
		return
	}
	log.Info("billing token refreshed")
}

func itemFor(a *attempt.Attempt) Item {
	return Item{
		SubscriberID:  a.SubscriberID,
		AttemptID:     a.ID,
		CycleKey:      a.CycleKey,
		AttemptNumber: a.AttemptNumber,
		State:         string(a.Status),
	}
}
