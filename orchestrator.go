package autopay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/gateway"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/notify"
	"github.com/xraph/autopay/retry"
	"github.com/xraph/autopay/subscriber"
)

// RunOptions tunes one charge pass.
type RunOptions struct {
	// DryRun classifies and guards every due subscriber but writes nothing
	// and never calls the gateway.
	DryRun bool
	// LeadTime overrides Config.LeadTime when positive.
	LeadTime time.Duration
}

// RunDue charges every due subscriber once. Per-subscriber failures are
// recorded in the ledger and the report; only a failure to select due
// subscribers aborts the pass.
func (e *Engine) RunDue(ctx context.Context, opts RunOptions) (*RunReport, error) {
	start := time.Now()
	now := e.now()

	lead := e.config.LeadTime
	if opts.LeadTime > 0 {
		lead = opts.LeadTime
	}

	report := newReport("charge", opts.DryRun, now)
	if err := e.chargeDue(ctx, now.Add(lead), opts.DryRun, report); err != nil {
		if report.Scanned == 0 {
			return nil, err
		}
		e.logger.Error("autopay charge pass stopped early", "error", err, "scanned", report.Scanned)
		report.Elapsed = time.Since(start)
		return report, err
	}

	report.Elapsed = time.Since(start)
	e.plugins.EmitRunCompleted(ctx, report.Summary())

	e.logger.Info("autopay charge pass finished",
		"dry_run", opts.DryRun,
		"scanned", report.Scanned,
		"reserved", report.Reserved(),
		"succeeded", report.Count(OutcomeSucceeded),
		"failed", report.Count(OutcomeFailed),
		"errors", report.Count(OutcomeError),
		"elapsed_ms", report.Elapsed.Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("autopay: charge pass interrupted: %w", err)
	}
	return report, nil
}

// chargeDue walks the due set in (expires_at, id) order. With a BatchLimit
// it pages through the set until that many subscribers were charged (or
// would be, in a dry run), so subscribers that cannot progress never hold
// the batch.
func (e *Engine) chargeDue(ctx context.Context, before time.Time, dryRun bool, report *RunReport) error {
	limit := e.config.BatchLimit
	seen := make(map[string]bool)
	var after *subscriber.DueCursor
	charged := 0

	for {
		q := subscriber.DueQuery{Before: before, After: after}
		if limit > 0 {
			q.Limit = limit - charged
		}
		page, err := e.store.ListDue(ctx, q)
		if err != nil {
			return fmt.Errorf("autopay: select due subscribers: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		after = subscriber.CursorOf(page[len(page)-1])

		// An extension can move a subscriber later in the ordering within
		// the same pass; charge each one at most once.
		batch := make([]*subscriber.Subscriber, 0, len(page))
		for _, sub := range page {
			if !seen[sub.ID.String()] {
				seen[sub.ID.String()] = true
				batch = append(batch, sub)
			}
		}
		report.Scanned += len(batch)

		var n atomic.Int64
		e.forEach(ctx, len(batch), func(ctx context.Context, i int) {
			if e.chargeSubscriber(ctx, batch[i], dryRun, report) {
				n.Add(1)
			}
		})
		charged += int(n.Load())

		if limit == 0 || len(page) < q.Limit || charged >= limit || ctx.Err() != nil {
			return nil
		}
	}
}

// chargeSubscriber runs the cycle state machine for one subscriber and
// reports whether it reserved an attempt (or would have, in a dry run).
func (e *Engine) chargeSubscriber(ctx context.Context, sub *subscriber.Subscriber, dryRun bool, report *RunReport) bool {
	now := e.now()
	cycleKey := retry.CycleKey(*sub.ExpiresAt)
	item := Item{SubscriberID: sub.ID, CycleKey: cycleKey}
	log := e.logger.With("subscriber_id", sub.ID.String(), "cycle_key", cycleKey)

	attempts, err := e.store.ListByCycle(ctx, sub.ID, cycleKey)
	if err != nil {
		e.failItem(report, item, log, "load attempts", err)
		return false
	}

	d := Classify(attempts, e.config.Retry, e.config.PendingTTL, now)
	if d.State == StatePendingStale {
		stale := *d.Latest
		stale.MarkStale(now)
		if !dryRun {
			if err := e.markStale(ctx, d.Latest, now); err != nil {
				if errors.Is(err, ErrAttemptNotPending) {
					item.Outcome = OutcomeConflict
					report.add(item)
					return false
				}
				e.failItem(report, item, log, "mark stale attempt", err)
				return false
			}
			log.Info("stale reservation released", "attempt_number", stale.AttemptNumber)
		}
		attempts[len(attempts)-1] = &stale
		d = Classify(attempts, e.config.Retry, e.config.PendingTTL, now)
	}

	item.State = d.State.String()
	if d.Latest != nil {
		item.AttemptID = d.Latest.ID
		item.AttemptNumber = d.Latest.AttemptNumber
	}

	switch d.State {
	case StateNoAttempt, StateRetryEligible:
	case StateSucceeded:
		// A due subscriber whose cycle already succeeded was never
		// extended; finish that renewal without charging again.
		paid := paidAttempt(attempts)
		item.AttemptID = paid.ID
		item.AttemptNumber = paid.AttemptNumber
		item.Outcome = OutcomeSkipped
		if dryRun {
			item.Reason = "would extend subscription"
			report.add(item)
			return false
		}
		extended, err := e.renew(ctx, sub.ID, paid, paid.PaidAt(), log.With("attempt_id", paid.ID.String()))
		if err != nil {
			e.failItem(report, item, log, "extend subscription", err)
			return false
		}
		if extended {
			log.Warn("completed renewal left unextended by an earlier run")
			item.Outcome = OutcomeSucceeded
			item.Reason = "renewal completed"
		}
		report.add(item)
		return false
	case StateExhausted:
		if dryRun {
			item.Outcome = OutcomeSkipped
			item.Reason = "would disable autopay"
			report.add(item)
			return false
		}
		disabled, err := e.exhaust(ctx, sub.ID, d.Latest)
		if err != nil {
			e.failItem(report, item, log, "disable autopay", err)
			return false
		}
		item.Outcome = OutcomeSkipped
		if disabled {
			item.Outcome = OutcomeAutopayDisabled
		}
		report.add(item)
		return false
	default:
		item.Outcome = OutcomeSkipped
		report.add(item)
		return false
	}

	item.AttemptID = id.Nil
	item.AttemptNumber = d.NextNumber

	// Best effort: a manual checkout for the same renewal may be in flight.
	manual, err := e.store.HasPendingManual(ctx, sub.ID, now.Add(-e.config.ManualLookback), e.config.manualMinAmount())
	if err != nil {
		e.failItem(report, item, log, "check manual payments", err)
		return false
	}
	if manual {
		if !dryRun {
			e.audit(ctx, event.KindSkipManualPending, sub.ID, id.Nil, "manual payment pending", "cycle_key", cycleKey)
			e.plugins.EmitManualPendingSkipped(ctx, sub.ID)
		}
		log.Info("autopay skipped, manual payment pending")
		item.Outcome = OutcomeManualPending
		report.add(item)
		return false
	}

	ok, err := e.consent.HasActiveConsent(ctx, sub.ID)
	if err != nil {
		e.failItem(report, item, log, "check consent", err)
		return false
	}
	if !ok {
		if !dryRun {
			e.audit(ctx, event.KindConsentMissing, sub.ID, id.Nil, ErrConsentMissing.Error(), "cycle_key", cycleKey)
			e.plugins.EmitConsentMissing(ctx, sub.ID)
		}
		log.Warn("autopay skipped, consent missing")
		item.Outcome = OutcomeConsentMissing
		report.add(item)
		return false
	}

	if dryRun {
		item.Outcome = OutcomeWouldReserve
		report.add(item)
		return true
	}

	a := attempt.New(sub.ID, cycleKey, d.NextNumber, e.config.Amount, now)
	res, err := e.store.Reserve(ctx, a)
	if err != nil {
		e.failItem(report, item, log, "reserve attempt", err)
		return false
	}
	if res.Conflict {
		log.Debug("attempt slot owned by another run", "attempt_number", a.AttemptNumber)
		item.Outcome = OutcomeConflict
		report.add(item)
		return false
	}

	report.markReserved()
	item.AttemptID = a.ID
	e.audit(ctx, event.KindAttemptReserved, sub.ID, a.ID, "", "order_id", a.OrderID)
	e.plugins.EmitAttemptReserved(ctx, a)

	e.charge(ctx, sub, a, item, report, log.With("attempt_id", a.ID.String(), "attempt_number", a.AttemptNumber))
	return true
}

// charge calls the gateway for a freshly reserved attempt and applies the
// outcome.
func (e *Engine) charge(ctx context.Context, sub *subscriber.Subscriber, a *attempt.Attempt, item Item, report *RunReport, log *slog.Logger) {
	resp, err := e.gateway.Charge(ctx, gateway.ChargeRequest{
		OrderID:      a.OrderID,
		Amount:       a.Amount,
		BillingToken: sub.BillingToken,
		CustomerRef:  sub.CustomerRef,
		Description:  e.config.Description,
	})
	if err != nil && ctx.Err() != nil {
		// The request may have reached the gateway. Leave the reservation
		// pending for the stale sweep instead of guessing.
		log.Warn("charge interrupted, reservation left pending", "error", err)
		item.Outcome = OutcomeError
		item.Reason = err.Error()
		report.add(item)
		return
	}
	if err != nil {
		log.Warn("gateway charge failed", "error", err)
	}

	res := e.chargeResult(a, resp, err, e.now())
	outcome, err := e.settle(ctx, sub.ID, a, res, log)
	if err != nil {
		e.failItem(report, item, log, "apply charge result", err)
		return
	}
	item.Outcome = outcome
	item.Reason = res.Reason
	report.add(item)
}

// chargeResult maps a gateway response onto the internal vocabulary. A
// response without a charge id cannot be a confirmed success or an
// in-flight charge, so those become gateway errors.
func (e *Engine) chargeResult(a *attempt.Attempt, resp *gateway.ChargeResponse, err error, at time.Time) attempt.Result {
	res := attempt.Result{ObservedAt: at}
	switch {
	case err != nil:
		res.Status = attempt.StatusGatewayError
		res.Reason = err.Error()
	case resp == nil:
		res.Status = attempt.StatusGatewayError
		res.Reason = "gateway returned no response"
	default:
		res.ProviderChargeID = resp.ProviderChargeID
		res.RawStatus = resp.RawStatus
		res.Reason = resp.Reason
		res.Status = e.statusMap.Map(resp.RawStatus)
		if resp.ProviderChargeID == "" && (res.Status == attempt.StatusSuccess || res.Status == attempt.StatusPending) {
			res.Status = attempt.StatusGatewayError
			if res.Reason == "" {
				res.Reason = "gateway returned no charge id"
			}
		}
	}
	e.scheduleRetry(a, &res)
	return res
}

// scheduleRetry sets NextRetryAt for retryable statuses with a follow-up slot.
func (e *Engine) scheduleRetry(a *attempt.Attempt, res *attempt.Result) {
	if !e.config.Retry.IsRetryable(res.Status) {
		return
	}
	if next, ok := e.config.Retry.NextRetryAt(a.AttemptNumber, res.ObservedAt); ok {
		next = next.UTC().Truncate(time.Microsecond)
		res.NextRetryAt = &next
	}
}

// settle persists res and runs its side effects. Losing the compare-and-set
// to another execution yields OutcomeConflict, not an error.
func (e *Engine) settle(ctx context.Context, subID id.SubscriberID, a *attempt.Attempt, res attempt.Result, log *slog.Logger) (Outcome, error) {
	if err := e.store.ApplyResult(ctx, a.ID, res); err != nil {
		if !isConflictLoss(err) {
			return OutcomeError, err
		}
		if res.Status == attempt.StatusSuccess {
			// The gateway took the money but the ledger kept another
			// outcome. Leave a trail for manual reconciliation.
			log.Error("gateway success not recorded, attempt resolved by another run",
				"error", err, "provider_charge_id", res.ProviderChargeID)
			e.audit(ctx, event.KindChargeUnrecorded, subID, a.ID, err.Error(),
				"provider_charge_id", res.ProviderChargeID, "raw_status", res.RawStatus)
			return OutcomeConflict, nil
		}
		log.Info("attempt resolved by another run", "error", err)
		return OutcomeConflict, nil
	}
	a.Apply(res)

	switch res.Status {
	case attempt.StatusSuccess:
		if _, err := e.renew(ctx, subID, a, res.ObservedAt, log); err != nil {
			return OutcomeError, err
		}
		return OutcomeSucceeded, nil

	case attempt.StatusPending:
		e.audit(ctx, event.KindChargePending, subID, a.ID, "", "provider_charge_id", a.ProviderChargeID)
		e.plugins.EmitChargePending(ctx, a)
		log.Info("charge accepted, awaiting settlement", "provider_charge_id", a.ProviderChargeID)
		return OutcomePending, nil
	}

	e.audit(ctx, event.KindChargeFailed, subID, a.ID, res.Reason, "status", string(res.Status), "raw_status", res.RawStatus)
	e.plugins.EmitChargeFailed(ctx, a, res.Reason)
	e.notify(ctx, subID, notify.OutcomeFailure, res.Reason, a.ID)
	log.Info("charge failed", "status", string(res.Status), "reason", res.Reason, "next_retry_at", res.NextRetryAt)

	if e.config.Retry.IsRetryable(res.Status) && !e.config.Retry.HasNext(a.AttemptNumber) {
		disabled, err := e.exhaust(ctx, subID, a)
		if err != nil {
			return OutcomeError, fmt.Errorf("disable autopay: %w", err)
		}
		if disabled {
			return OutcomeAutopayDisabled, nil
		}
	}
	return OutcomeFailed, nil
}

// renew extends subID for the cycle a paid for and runs the success side
// effects. The store applies a cycle's extension once, so when another run
// already renewed it this reports false and emits nothing.
func (e *Engine) renew(ctx context.Context, subID id.SubscriberID, a *attempt.Attempt, paidFrom time.Time, log *slog.Logger) (bool, error) {
	cycle, err := retry.ParseCycleKey(a.CycleKey)
	if err != nil {
		return false, err
	}
	expiresAt, extended, err := e.store.ExtendSubscription(ctx, subID, subscriber.Renewal{
		Cycle:    cycle,
		PaidFrom: paidFrom,
		Period:   e.config.RenewalPeriod,
	})
	if err != nil {
		log.Error("charge succeeded but subscription was not extended",
			"error", err, "provider_charge_id", a.ProviderChargeID)
		return false, fmt.Errorf("extend subscription: %w", err)
	}
	if !extended {
		log.Info("renewal already applied", "expires_at", expiresAt)
		return false, nil
	}

	e.audit(ctx, event.KindChargeSucceeded, subID, a.ID, "", "provider_charge_id", a.ProviderChargeID)
	e.audit(ctx, event.KindSubscriptionExtended, subID, a.ID, "", "expires_at", expiresAt.Format(time.RFC3339))
	e.plugins.EmitChargeSucceeded(ctx, a, expiresAt)
	e.notify(ctx, subID, notify.OutcomeSuccess, "", a.ID)
	log.Info("charge succeeded", "expires_at", expiresAt)
	return true, nil
}

// exhaust disables autopay after the last permitted attempt failed. The
// store's compare-and-set makes the notification fire once per subscriber.
func (e *Engine) exhaust(ctx context.Context, subID id.SubscriberID, latest *attempt.Attempt) (bool, error) {
	reason := fmt.Sprintf("retries exhausted after %d attempts in cycle %s", latest.AttemptNumber, latest.CycleKey)

	changed, err := e.store.DisableAutopay(ctx, subID, reason, e.now())
	if err != nil || !changed {
		return false, err
	}

	e.audit(ctx, event.KindAutopayDisabled, subID, latest.ID, reason)
	e.plugins.EmitAutopayDisabled(ctx, subID, reason)
	e.notify(ctx, subID, notify.OutcomeAutopayDisabled, reason, latest.ID)
	e.logger.Warn("autopay disabled", "subscriber_id", subID.String(), "reason", reason)
	return true, nil
}

// markStale declares a pending attempt timed out.
func (e *Engine) markStale(ctx context.Context, a *attempt.Attempt, now time.Time) error {
	if err := e.store.MarkStale(ctx, a.ID, now); err != nil {
		return err
	}
	stale := *a
	stale.MarkStale(now)
	e.audit(ctx, event.KindAttemptStale, a.SubscriberID, a.ID, attempt.ReasonStale)
	e.plugins.EmitAttemptStale(ctx, &stale)
	return nil
}

func (e *Engine) failItem(report *RunReport, item Item, log *slog.Logger, op string, err error) {
	log.Error("autopay: "+op+" failed", "error", err)
	item.Outcome = OutcomeError
	item.Reason = fmt.Sprintf("%s: %v", op, err)
	report.add(item)
}

// paidAttempt returns the successful attempt of a settled cycle.
func paidAttempt(attempts []*attempt.Attempt) *attempt.Attempt {
	for _, a := range attempts {
		if a.Status == attempt.StatusSuccess {
			return a
		}
	}
	return attempts[len(attempts)-1]
}

// forEach runs fn for indexes [0, n) on at most Config.Workers goroutines.
// fn never fails the group; a cancelled ctx stops new dispatches.
func (e *Engine) forEach(ctx context.Context, n int, fn func(context.Context, int)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)

	for i := range n {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("autopay: worker panicked", "index", i, "panic", r)
				}
			}()
			fn(gctx, i)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
}
