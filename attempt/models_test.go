package attempt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/types"
)

func TestOrderIDIsDeterministic(t *testing.T) {
	sub := id.NewSubscriberID()

	a := OrderID(sub, "20260301", 1)
	assert.Equal(t, a, OrderID(sub, "20260301", 1))
	assert.NotEqual(t, a, OrderID(sub, "20260301", 2))
	assert.NotEqual(t, a, OrderID(sub, "20260302", 1))
	assert.NotEqual(t, a, OrderID(id.NewSubscriberID(), "20260301", 1))
	assert.Equal(t, "ap-"+sub.String()+"-20260301-1", a)
}

func TestNewReservation(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sub := id.NewSubscriberID()

	a := New(sub, "20260301", 2, types.KRW(9900), now)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, OrderID(sub, "20260301", 2), a.OrderID)
	assert.True(t, a.IsReservationOnly())
	assert.False(t, a.IsInFlight())
	assert.Equal(t, now, a.CreatedAt)

	a.ProviderChargeID = "pi_123"
	assert.True(t, a.IsInFlight())
}

func TestStatusClassification(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	for _, s := range []Status{StatusSuccess, StatusFail, StatusCancel, StatusGatewayError} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, Status("declined").Valid())
}

func TestPendingFilterMatches(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New(id.NewSubscriberID(), "20260301", 1, types.KRW(9900), now)

	yes, no := true, false
	assert.True(t, PendingFilter{}.Matches(a))
	assert.True(t, PendingFilter{HasProviderID: &no}.Matches(a))
	assert.False(t, PendingFilter{HasProviderID: &yes}.Matches(a))
	assert.False(t, PendingFilter{CreatedBefore: now}.Matches(a))
	assert.True(t, PendingFilter{CreatedBefore: now.Add(time.Second)}.Matches(a))

	a.Status = StatusFail
	assert.False(t, PendingFilter{}.Matches(a))
}

func TestApplyAndMarkStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New(id.NewSubscriberID(), "20260301", 1, types.KRW(9900), now)

	next := now.Add(24 * time.Hour)
	a.Apply(Result{ProviderChargeID: "pi_1", Status: StatusFail, RawStatus: "declined", Reason: "card_declined", ObservedAt: now, NextRetryAt: &next})
	assert.Equal(t, "pi_1", a.ProviderChargeID)
	assert.Equal(t, StatusFail, a.Status)
	assert.Equal(t, &next, a.NextRetryAt)
	if assert.NotNil(t, a.ResolvedAt) {
		assert.Equal(t, now, *a.ResolvedAt)
	}

	b := New(id.NewSubscriberID(), "20260301", 1, types.KRW(9900), now)
	b.Apply(Result{ProviderChargeID: "pi_2", Status: StatusPending, RawStatus: "processing", ObservedAt: now})
	assert.True(t, b.IsInFlight())
	assert.Nil(t, b.ResolvedAt)

	later := now.Add(time.Hour)
	b.MarkStale(later)
	assert.Equal(t, StatusGatewayError, b.Status)
	assert.Equal(t, ReasonStale, b.FailureReason)
	assert.Equal(t, later, *b.NextRetryAt)
	assert.Equal(t, "pi_2", b.ProviderChargeID)
}
