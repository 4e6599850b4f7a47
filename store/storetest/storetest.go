// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/consent"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/payment"
	"github.com/xraph/autopay/retry"
	"github.com/xraph/autopay/store"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

// Factory returns a fresh, migrated, empty store. It is called once per
// subtest; the suite closes nothing, so register cleanup in the factory.
type Factory func(t *testing.T) store.Store

// base is a fixed instant with whole milliseconds so every backend
// round-trips it exactly.
var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"SubscriberRoundTrip", testSubscriberRoundTrip},
		{"ListDue", testListDue},
		{"ListDueCursorTies", testListDueCursorTies},
		{"ExtendNeverShortens", testExtendNeverShortens},
		{"ExtendOncePerCycle", testExtendOncePerCycle},
		{"DisableAutopayOnce", testDisableAutopayOnce},
		{"ReserveIsIdempotent", testReserveIsIdempotent},
		{"ConcurrentReserve", testConcurrentReserve},
		{"ListByCycleOrdered", testListByCycleOrdered},
		{"ApplyResultCompareAndSet", testApplyResultCompareAndSet},
		{"SingleSuccessPerCycle", testSingleSuccessPerCycle},
		{"MarkStale", testMarkStale},
		{"ListPending", testListPending},
		{"ManualPayments", testManualPayments},
		{"Consent", testConsent},
		{"Events", testEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newSubscriber(t *testing.T, s store.Store, expiresAt time.Time) *subscriber.Subscriber {
	t.Helper()
	sub := subscriber.New("cus_test", "pm_test", expiresAt, base)
	require.NoError(t, s.CreateSubscriber(context.Background(), sub))
	return sub
}

func reserve(t *testing.T, s store.Store, sub *subscriber.Subscriber, cycle string, n int, at time.Time) *attempt.Attempt {
	t.Helper()
	a := attempt.New(sub.ID, cycle, n, types.KRW(9900), at)
	res, err := s.Reserve(context.Background(), a)
	require.NoError(t, err)
	require.False(t, res.Conflict)
	require.Equal(t, a.ID, res.AttemptID)
	return a
}

func testSubscriberRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base.Add(24*time.Hour))

	got, err := s.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, "cus_test", got.CustomerRef)
	assert.Equal(t, "pm_test", got.BillingToken)
	assert.True(t, got.AutopayEnabled)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, sub.ExpiresAt.Equal(*got.ExpiresAt))

	require.ErrorIs(t, s.CreateSubscriber(ctx, sub), autopay.ErrAlreadyExists)

	require.NoError(t, s.UpdateBillingToken(ctx, sub.ID, "pm_rotated"))
	got, err = s.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "pm_rotated", got.BillingToken)

	missing := subscriber.New("", "", base, base)
	_, err = s.GetSubscriber(ctx, missing.ID)
	assert.ErrorIs(t, err, autopay.ErrSubscriberNotFound)
	assert.ErrorIs(t, s.UpdateBillingToken(ctx, missing.ID, "x"), autopay.ErrSubscriberNotFound)
}

func testListDue(t *testing.T, s store.Store) {
	ctx := context.Background()

	late := newSubscriber(t, s, base.Add(2*time.Hour))
	early := newSubscriber(t, s, base.Add(-2*time.Hour))
	newSubscriber(t, s, base.Add(72*time.Hour))

	noToken := subscriber.New("cus", "", base.Add(-time.Hour), base)
	require.NoError(t, s.CreateSubscriber(ctx, noToken))

	off := newSubscriber(t, s, base.Add(-time.Hour))
	_, err := s.DisableAutopay(ctx, off.ID, "user request", base)
	require.NoError(t, err)

	before := base.Add(2 * time.Hour)
	due, err := s.ListDue(ctx, subscriber.DueQuery{Before: before})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	due, err = s.ListDue(ctx, subscriber.DueQuery{Before: before, Limit: 1})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early.ID, due[0].ID)

	due, err = s.ListDue(ctx, subscriber.DueQuery{Before: before, After: subscriber.CursorOf(due[0]), Limit: 1})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, late.ID, due[0].ID)

	due, err = s.ListDue(ctx, subscriber.DueQuery{Before: before, After: subscriber.CursorOf(due[0])})
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testListDueCursorTies(t *testing.T, s store.Store) {
	ctx := context.Background()

	var ids []string
	for range 3 {
		ids = append(ids, newSubscriber(t, s, base.Add(-time.Hour)).ID.String())
	}
	slices.Sort(ids)

	var seen []string
	var after *subscriber.DueCursor
	for {
		page, err := s.ListDue(ctx, subscriber.DueQuery{Before: base, After: after, Limit: 2})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, sub := range page {
			seen = append(seen, sub.ID.String())
		}
		after = subscriber.CursorOf(page[len(page)-1])
	}
	assert.Equal(t, ids, seen, "equal expiries page by id without gaps or repeats")
}

func renewalOf(t *testing.T, sub *subscriber.Subscriber, paidFrom time.Time, period time.Duration) subscriber.Renewal {
	t.Helper()
	cycle, err := retry.ParseCycleKey(retry.CycleKey(*sub.ExpiresAt))
	require.NoError(t, err)
	return subscriber.Renewal{Cycle: cycle, PaidFrom: paidFrom, Period: period}
}

func testExtendNeverShortens(t *testing.T, s store.Store) {
	ctx := context.Background()
	period := 30 * 24 * time.Hour

	lapsed := newSubscriber(t, s, base.Add(-72*time.Hour))
	got, extended, err := s.ExtendSubscription(ctx, lapsed.ID, renewalOf(t, lapsed, base, period))
	require.NoError(t, err)
	assert.True(t, extended)
	assert.True(t, got.Equal(base.Add(period)), "got %s", got)

	ahead := newSubscriber(t, s, base.Add(48*time.Hour))
	got, extended, err = s.ExtendSubscription(ctx, ahead.ID, renewalOf(t, ahead, base, period))
	require.NoError(t, err)
	assert.True(t, extended)
	assert.True(t, got.Equal(base.Add(48*time.Hour+period)), "got %s", got)

	stored, err := s.GetSubscriber(ctx, ahead.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(got))

	missing := subscriber.New("", "", base, base)
	_, _, err = s.ExtendSubscription(ctx, missing.ID, renewalOf(t, missing, base, period))
	assert.ErrorIs(t, err, autopay.ErrSubscriberNotFound)
}

func testExtendOncePerCycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	period := 30 * 24 * time.Hour
	sub := newSubscriber(t, s, base.Add(-time.Hour))
	r := renewalOf(t, sub, base, period)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, extended, err := s.ExtendSubscription(ctx, sub.ID, r)
			assert.NoError(t, err)
			if extended {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "a cycle extends once")

	got, extended, err := s.ExtendSubscription(ctx, sub.ID, r)
	require.NoError(t, err)
	assert.False(t, extended)
	assert.True(t, got.Equal(base.Add(period)), "got %s", got)

	stored, err := s.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(base.Add(period)))
}

func testDisableAutopayOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)

	changed, err := s.DisableAutopay(ctx, sub.ID, "retries exhausted", base)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.DisableAutopay(ctx, sub.ID, "again", base)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.AutopayEnabled)
	assert.Equal(t, "retries exhausted", got.AutopayDisabledReason)
	require.NotNil(t, got.AutopayDisabledAt)

	require.NoError(t, s.EnableAutopay(ctx, sub.ID))
	got, err = s.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.AutopayEnabled)
	assert.Nil(t, got.AutopayDisabledAt)
	assert.Empty(t, got.AutopayDisabledReason)
}

func testReserveIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)

	first := reserve(t, s, sub, "20260301", 1, base)

	// Same slot, fresh attempt id: a second run racing for it.
	dup := attempt.New(sub.ID, "20260301", 1, types.KRW(9900), base.Add(time.Second))
	res, err := s.Reserve(ctx, dup)
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.True(t, res.AttemptID.IsNil())

	attempts, err := s.ListByCycle(ctx, sub.ID, "20260301")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, first.ID, attempts[0].ID)
	assert.Equal(t, first.OrderID, attempts[0].OrderID)
	assert.Equal(t, attempt.StatusPending, attempts[0].Status)
	assert.True(t, attempts[0].Amount.Equal(types.KRW(9900)))
}

func testConcurrentReserve(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Reserve(ctx, attempt.New(sub.ID, "20260301", 1, types.KRW(9900), base))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Conflict {
				conflicts++
			} else {
				won++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, racers-1, conflicts)
}

func testListByCycleOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)

	for n := 1; n <= 3; n++ {
		a := reserve(t, s, sub, "20260301", n, base.Add(time.Duration(n)*time.Hour))
		require.NoError(t, s.ApplyResult(ctx, a.ID, attempt.Result{Status: attempt.StatusFail, ObservedAt: a.CreatedAt}))
	}
	reserve(t, s, sub, "20260331", 1, base.Add(30*24*time.Hour))

	attempts, err := s.ListByCycle(ctx, sub.ID, "20260301")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}

	all, err := s.ListBySubscriber(ctx, sub.ID, attempt.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "20260331", all[0].CycleKey, "newest first")

	page, err := s.ListBySubscriber(ctx, sub.ID, attempt.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 3, page[0].AttemptNumber)
}

func testApplyResultCompareAndSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)
	a := reserve(t, s, sub, "20260301", 1, base)

	next := base.Add(24 * time.Hour)
	require.NoError(t, s.ApplyResult(ctx, a.ID, attempt.Result{
		ProviderChargeID: "pi_1",
		Status:           attempt.StatusFail,
		RawStatus:        "declined",
		Reason:           "card_declined",
		ObservedAt:       base,
		NextRetryAt:      &next,
	}))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusFail, got.Status)
	assert.Equal(t, "pi_1", got.ProviderChargeID)
	assert.Equal(t, "declined", got.RawStatus)
	assert.Equal(t, "card_declined", got.FailureReason)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, next.Equal(*got.NextRetryAt))
	require.NotNil(t, got.ResolvedAt)

	err = s.ApplyResult(ctx, a.ID, attempt.Result{Status: attempt.StatusSuccess, ObservedAt: base})
	assert.ErrorIs(t, err, autopay.ErrAttemptNotPending)

	got, err = s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusFail, got.Status, "terminal rows are immutable")

	missing := attempt.New(sub.ID, "x", 1, types.KRW(1), base)
	assert.ErrorIs(t, s.ApplyResult(ctx, missing.ID, attempt.Result{Status: attempt.StatusFail, ObservedAt: base}), autopay.ErrAttemptNotFound)
	_, err = s.GetAttempt(ctx, missing.ID)
	assert.ErrorIs(t, err, autopay.ErrAttemptNotFound)

	// Pending with a provider id keeps the attempt open.
	b := reserve(t, s, sub, "20260301", 2, base)
	require.NoError(t, s.ApplyResult(ctx, b.ID, attempt.Result{ProviderChargeID: "pi_2", Status: attempt.StatusPending, RawStatus: "processing", ObservedAt: base}))
	got, err = s.GetAttempt(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsInFlight())
	assert.Nil(t, got.ResolvedAt)
	require.NoError(t, s.ApplyResult(ctx, b.ID, attempt.Result{Status: attempt.StatusSuccess, RawStatus: "succeeded", ObservedAt: base}))
	got, err = s.GetAttempt(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusSuccess, got.Status)
	assert.Equal(t, "pi_2", got.ProviderChargeID, "provider id survives a result without one")
}

func testSingleSuccessPerCycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)

	a := reserve(t, s, sub, "20260301", 1, base)
	b := reserve(t, s, sub, "20260301", 2, base)

	require.NoError(t, s.ApplyResult(ctx, a.ID, attempt.Result{Status: attempt.StatusSuccess, ObservedAt: base}))
	err := s.ApplyResult(ctx, b.ID, attempt.Result{Status: attempt.StatusSuccess, ObservedAt: base})
	assert.ErrorIs(t, err, autopay.ErrCycleSettled)

	got, err := s.GetAttempt(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusPending, got.Status)

	// Another cycle is unaffected.
	c := reserve(t, s, sub, "20260331", 1, base)
	require.NoError(t, s.ApplyResult(ctx, c.ID, attempt.Result{Status: attempt.StatusSuccess, ObservedAt: base}))
}

func testMarkStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)
	a := reserve(t, s, sub, "20260301", 1, base)

	now := base.Add(time.Hour)
	require.NoError(t, s.MarkStale(ctx, a.ID, now))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.StatusGatewayError, got.Status)
	assert.Equal(t, attempt.ReasonStale, got.FailureReason)
	require.NotNil(t, got.NextRetryAt)
	assert.False(t, got.NextRetryAt.After(now))

	assert.ErrorIs(t, s.MarkStale(ctx, a.ID, now), autopay.ErrAttemptNotPending)
}

func testListPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)

	reservationOnly := reserve(t, s, sub, "20260301", 1, base)
	inFlight := reserve(t, s, sub, "20260302", 1, base.Add(time.Minute))
	require.NoError(t, s.ApplyResult(ctx, inFlight.ID, attempt.Result{ProviderChargeID: "pi_9", Status: attempt.StatusPending, ObservedAt: base}))
	done := reserve(t, s, sub, "20260303", 1, base)
	require.NoError(t, s.ApplyResult(ctx, done.ID, attempt.Result{Status: attempt.StatusCancel, ObservedAt: base}))

	all, err := s.ListPending(ctx, attempt.PendingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	yes, no := true, false
	withID, err := s.ListPending(ctx, attempt.PendingFilter{HasProviderID: &yes})
	require.NoError(t, err)
	require.Len(t, withID, 1)
	assert.Equal(t, inFlight.ID, withID[0].ID)

	withoutID, err := s.ListPending(ctx, attempt.PendingFilter{HasProviderID: &no, CreatedBefore: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, withoutID, 1)
	assert.Equal(t, reservationOnly.ID, withoutID[0].ID)

	none, err := s.ListPending(ctx, attempt.PendingFilter{HasProviderID: &no, CreatedBefore: base})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := s.ListPending(ctx, attempt.PendingFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, reservationOnly.ID, limited[0].ID, "oldest first")
}

func testManualPayments(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)

	ok, err := s.HasPendingManual(ctx, sub.ID, base.Add(-24*time.Hour), 9900)
	require.NoError(t, err)
	assert.False(t, ok)

	small := payment.New(sub.ID, types.KRW(500), base)
	require.NoError(t, s.CreateManualPayment(ctx, small))
	ok, err = s.HasPendingManual(ctx, sub.ID, base.Add(-24*time.Hour), 9900)
	require.NoError(t, err)
	assert.False(t, ok, "below the amount threshold")

	renewal := payment.New(sub.ID, types.KRW(9900), base)
	require.NoError(t, s.CreateManualPayment(ctx, renewal))
	ok, err = s.HasPendingManual(ctx, sub.ID, base.Add(-24*time.Hour), 9900)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasPendingManual(ctx, sub.ID, base.Add(time.Hour), 9900)
	require.NoError(t, err)
	assert.False(t, ok, "outside the lookback window")

	require.NoError(t, s.UpdateManualPaymentStatus(ctx, renewal.ID, payment.StatusPaid))
	ok, err = s.HasPendingManual(ctx, sub.ID, base.Add(-24*time.Hour), 9900)
	require.NoError(t, err)
	assert.False(t, ok)

	missing := payment.New(sub.ID, types.KRW(1), base)
	assert.ErrorIs(t, s.UpdateManualPaymentStatus(ctx, missing.ID, payment.StatusPaid), autopay.ErrManualPaymentNotFound)
}

func testConsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)
	guard := consent.StoreGuard{Store: s}

	_, err := s.GetConsent(ctx, sub.ID)
	require.ErrorIs(t, err, consent.ErrNoRecord)
	ok, err := guard.HasActiveConsent(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantConsent(ctx, sub.ID, base))
	ok, err = guard.HasActiveConsent(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RevokeConsent(ctx, sub.ID, base.Add(time.Hour)))
	c, err := s.GetConsent(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, c.Active())
	require.NotNil(t, c.RevokedAt)

	require.NoError(t, s.GrantConsent(ctx, sub.ID, base.Add(2*time.Hour)))
	ok, err = guard.HasActiveConsent(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, ok, "granting again clears the revocation")
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := newSubscriber(t, s, base)
	a := reserve(t, s, sub, "20260301", 1, base)

	reserved := event.New(event.KindAttemptReserved, sub.ID, a.ID, "", base)
	reserved.Metadata = map[string]string{"order_id": a.OrderID}
	require.NoError(t, s.RecordEvent(ctx, reserved))
	require.NoError(t, s.RecordEvent(ctx, event.New(event.KindConsentMissing, sub.ID, a.ID, "no consent", base.Add(time.Second))))
	require.NoError(t, s.RecordEvent(ctx, event.New(event.KindConsentMissing, newSubscriber(t, s, base).ID, a.ID, "", base)))

	all, err := s.ListEvents(ctx, sub.ID, event.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, event.KindAttemptReserved, all[0].Kind)
	assert.Equal(t, a.OrderID, all[0].Metadata["order_id"])
	assert.Equal(t, a.ID, all[0].AttemptID)

	missing, err := s.ListEvents(ctx, sub.ID, event.ListOpts{Kind: event.KindConsentMissing})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "no consent", missing[0].Reason)
}
