package autopay

import (
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/retry"
)

// CycleState is where a subscriber's current billing cycle stands, inferred
// from its attempt history.
type CycleState int

const (
	// StateNoAttempt has no attempts yet; attempt 1 may be reserved.
	StateNoAttempt CycleState = iota
	// StatePendingFresh is a reservation-only attempt still within the
	// pending TTL. Another run owns it or its gateway call is in flight.
	StatePendingFresh
	// StatePendingInFlight was acknowledged by the gateway but not resolved.
	// The pending reconciler owns it.
	StatePendingInFlight
	// StatePendingStale is a reservation-only attempt past the pending TTL.
	StatePendingStale
	// StateRetryEligible may reserve the next attempt now.
	StateRetryEligible
	// StateRetryNotDue waits for the next retry slot.
	StateRetryNotDue
	// StateExhausted failed on its last permitted attempt.
	StateExhausted
	// StateTerminated ended on a non-retryable status such as cancel.
	StateTerminated
	// StateSucceeded has a successful attempt; nothing more happens this cycle.
	StateSucceeded
)

var cycleStateNames = [...]string{
	StateNoAttempt:       "no_attempt",
	StatePendingFresh:    "pending_fresh",
	StatePendingInFlight: "pending_in_flight",
	StatePendingStale:    "pending_stale",
	StateRetryEligible:   "retry_eligible",
	StateRetryNotDue:     "retry_not_due",
	StateExhausted:       "exhausted",
	StateTerminated:      "terminated",
	StateSucceeded:       "succeeded",
}

func (s CycleState) String() string {
	if s < 0 || int(s) >= len(cycleStateNames) {
		return "unknown"
	}
	return cycleStateNames[s]
}

// Decision is the classification of one cycle.
type Decision struct {
	State CycleState
	// Latest is the highest-numbered attempt, nil for StateNoAttempt.
	Latest *attempt.Attempt
	// NextNumber is the attempt number to reserve for StateNoAttempt and
	// StateRetryEligible, zero otherwise.
	NextNumber int
}

// Reserves reports whether the decision leads to a new reservation.
func (d Decision) Reserves() bool {
	return d.State == StateNoAttempt || d.State == StateRetryEligible
}

// Classify infers the state of a cycle from its attempts, which must be
// ordered by attempt number.
func Classify(attempts []*attempt.Attempt, policy retry.Policy, pendingTTL time.Duration, now time.Time) Decision {
	if len(attempts) == 0 {
		return Decision{State: StateNoAttempt, NextNumber: 1}
	}

	latest := attempts[len(attempts)-1]
	for _, a := range attempts {
		if a.Status == attempt.StatusSuccess {
			return Decision{State: StateSucceeded, Latest: latest}
		}
	}

	d := Decision{Latest: latest}
	switch {
	case latest.IsInFlight():
		d.State = StatePendingInFlight
	case latest.IsReservationOnly():
		if latest.OlderThan(pendingTTL, now) {
			d.State = StatePendingStale
		} else {
			d.State = StatePendingFresh
		}
	case !policy.IsRetryable(latest.Status):
		d.State = StateTerminated
	case !policy.HasNext(latest.AttemptNumber):
		d.State = StateExhausted
	case policy.IsRetryDue(latest.AttemptNumber, latest.CreatedAt, latest.NextRetryAt, now):
		d.State = StateRetryEligible
		d.NextNumber = latest.AttemptNumber + 1
	default:
		d.State = StateRetryNotDue
	}
	return d
}
