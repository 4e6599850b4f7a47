package autopay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/retry"
	"github.com/xraph/autopay/types"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	policy := retry.DefaultPolicy()
	ttl := 30 * time.Minute
	sub := id.NewSubscriberID()

	mk := func(n int, status attempt.Status, providerID string, age time.Duration) *attempt.Attempt {
		a := attempt.New(sub, "20260310", n, types.KRW(9900), now.Add(-age))
		a.Status = status
		a.ProviderChargeID = providerID
		if policy.IsRetryable(status) {
			if next, ok := policy.NextRetryAt(n, a.CreatedAt); ok {
				a.NextRetryAt = &next
			}
		}
		return a
	}

	tests := []struct {
		name     string
		attempts []*attempt.Attempt
		state    CycleState
		next     int
	}{
		{"empty cycle", nil, StateNoAttempt, 1},
		{"fresh reservation", []*attempt.Attempt{mk(1, attempt.StatusPending, "", time.Minute)}, StatePendingFresh, 0},
		{"stale reservation", []*attempt.Attempt{mk(1, attempt.StatusPending, "", time.Hour)}, StatePendingStale, 0},
		{"in flight never goes stale here", []*attempt.Attempt{mk(1, attempt.StatusPending, "pi_1", 48*time.Hour)}, StatePendingInFlight, 0},
		{"succeeded", []*attempt.Attempt{mk(1, attempt.StatusSuccess, "pi_1", time.Hour)}, StateSucceeded, 0},
		{
			"success beats a later failure",
			[]*attempt.Attempt{mk(1, attempt.StatusSuccess, "pi_1", 30*time.Hour), mk(2, attempt.StatusFail, "pi_2", time.Hour)},
			StateSucceeded, 0,
		},
		{"retry not due", []*attempt.Attempt{mk(1, attempt.StatusFail, "pi_1", 23*time.Hour)}, StateRetryNotDue, 0},
		{"retry due after one day", []*attempt.Attempt{mk(1, attempt.StatusFail, "pi_1", 24*time.Hour)}, StateRetryEligible, 2},
		{"gateway error retries", []*attempt.Attempt{mk(1, attempt.StatusGatewayError, "", 25*time.Hour)}, StateRetryEligible, 2},
		{
			"second retry waits two days",
			[]*attempt.Attempt{mk(1, attempt.StatusFail, "pi_1", 72*time.Hour), mk(2, attempt.StatusFail, "pi_2", 47*time.Hour)},
			StateRetryNotDue, 0,
		},
		{
			"second retry due",
			[]*attempt.Attempt{mk(1, attempt.StatusFail, "pi_1", 72*time.Hour), mk(2, attempt.StatusFail, "pi_2", 48*time.Hour)},
			StateRetryEligible, 3,
		},
		{
			"exhausted",
			[]*attempt.Attempt{
				mk(1, attempt.StatusFail, "pi_1", 96*time.Hour),
				mk(2, attempt.StatusFail, "pi_2", 72*time.Hour),
				mk(3, attempt.StatusFail, "pi_3", time.Hour),
			},
			StateExhausted, 0,
		},
		{"cancel terminates", []*attempt.Attempt{mk(1, attempt.StatusCancel, "pi_1", 48*time.Hour)}, StateTerminated, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.attempts, policy, ttl, now)
			assert.Equal(t, tt.state, d.State, "got %s", d.State)
			assert.Equal(t, tt.next, d.NextNumber)
			assert.Equal(t, tt.next > 0, d.Reserves())
			if len(tt.attempts) > 0 {
				assert.Same(t, tt.attempts[len(tt.attempts)-1], d.Latest)
			} else {
				assert.Nil(t, d.Latest)
			}
		})
	}
}

func TestClassifyUsesStoredRetryTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := attempt.New(id.NewSubscriberID(), "20260310", 1, types.KRW(1), now.Add(-time.Hour))
	a.Status = attempt.StatusGatewayError
	a.NextRetryAt = &now

	d := Classify([]*attempt.Attempt{a}, retry.DefaultPolicy(), 30*time.Minute, now)
	assert.Equal(t, StateRetryEligible, d.State)
}

func TestSingleAttemptPolicy(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := attempt.New(id.NewSubscriberID(), "20260310", 1, types.KRW(1), now.Add(-time.Hour))
	a.Status = attempt.StatusFail

	d := Classify([]*attempt.Attempt{a}, retry.Policy{Retryable: retry.DefaultRetryable}, 30*time.Minute, now)
	assert.Equal(t, StateExhausted, d.State)
}

func TestCycleStateString(t *testing.T) {
	assert.Equal(t, "pending_stale", StatePendingStale.String())
	assert.Equal(t, "unknown", CycleState(99).String())
}
