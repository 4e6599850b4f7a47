// Package attempt defines the charge-attempt ledger row and its store contract.
package attempt

import (
	"fmt"
	"time"

	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/types"
)

// Status is the lifecycle state of a charge attempt.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSuccess      Status = "success"
	StatusFail         Status = "fail"
	StatusCancel       Status = "cancel"
	StatusGatewayError Status = "gateway_error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFail, StatusCancel, StatusGatewayError:
		return true
	}
	return false
}

// IsTerminal reports whether s is a resolved status.
func (s Status) IsTerminal() bool {
	return s.Valid() && s != StatusPending
}

// Attempt is one try at collecting the recurring charge for a billing cycle.
// Rows are never deleted.
type Attempt struct {
	types.Entity
	ID               id.AttemptID    `json:"id"`
	SubscriberID     id.SubscriberID `json:"subscriber_id"`
	CycleKey         string          `json:"cycle_key"`
	AttemptNumber    int             `json:"attempt_number"`
	OrderID          string          `json:"order_id"`
	Amount           types.Money     `json:"amount"`
	Status           Status          `json:"status"`
	ProviderChargeID string          `json:"provider_charge_id,omitempty"`
	RawStatus        string          `json:"raw_status,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// IsReservationOnly reports whether the attempt records intent only: it is
// pending and the gateway never acknowledged it.
func (a *Attempt) IsReservationOnly() bool {
	return a.Status == StatusPending && a.ProviderChargeID == ""
}

// IsInFlight reports whether the gateway acknowledged the attempt but it has
// not resolved yet.
func (a *Attempt) IsInFlight() bool {
	return a.Status == StatusPending && a.ProviderChargeID != ""
}

// PaidAt is when a successful attempt resolved, falling back to its last
// update for rows written without a resolution time.
func (a *Attempt) PaidAt() time.Time {
	if a.ResolvedAt != nil {
		return *a.ResolvedAt
	}
	return a.UpdatedAt
}

// New builds a pending reservation for the given cycle slot.
func New(subscriberID id.SubscriberID, cycleKey string, number int, amount types.Money, now time.Time) *Attempt {
	return &Attempt{
		Entity:        types.NewEntity(now),
		ID:            id.NewAttemptID(),
		SubscriberID:  subscriberID,
		CycleKey:      cycleKey,
		AttemptNumber: number,
		OrderID:       OrderID(subscriberID, cycleKey, number),
		Amount:        amount,
		Status:        StatusPending,
	}
}

// OrderID is the gateway idempotency key for a cycle slot. The same inputs
// always yield the same key.
func OrderID(subscriberID id.SubscriberID, cycleKey string, number int) string {
	return fmt.Sprintf("ap-%s-%s-%d", subscriberID.String(), cycleKey, number)
}

// Reservation is the outcome of reserving a cycle slot. Conflict means the
// slot already belongs to another execution; AttemptID is then Nil.
type Reservation struct {
	AttemptID id.AttemptID
	Conflict  bool
}

// Result is an observed gateway outcome applied to a pending attempt.
type Result struct {
	ProviderChargeID string
	Status           Status
	RawStatus        string
	Reason           string
	ObservedAt       time.Time
	// NextRetryAt is stored only for retryable statuses; nil clears it.
	NextRetryAt *time.Time
}

// ReasonStale is the failure reason MarkStale records.
const ReasonStale = "pending confirmation timed out"

// Apply copies res onto a the way stores persist it. The provider id is
// kept when res carries none; terminal statuses stamp ResolvedAt.
func (a *Attempt) Apply(res Result) {
	if res.ProviderChargeID != "" {
		a.ProviderChargeID = res.ProviderChargeID
	}
	a.Status = res.Status
	a.RawStatus = res.RawStatus
	a.FailureReason = res.Reason
	a.NextRetryAt = res.NextRetryAt
	if res.Status.IsTerminal() {
		at := res.ObservedAt.UTC().Truncate(time.Microsecond)
		a.ResolvedAt = &at
	}
	a.Touch(res.ObservedAt)
}

// MarkStale turns a pending attempt into a gateway error eligible for an
// immediate retry.
func (a *Attempt) MarkStale(now time.Time) {
	now = now.UTC().Truncate(time.Microsecond)
	a.Status = StatusGatewayError
	a.FailureReason = ReasonStale
	a.NextRetryAt = &now
	a.ResolvedAt = &now
	a.Touch(now)
}

// PendingFilter narrows ListPending.
type PendingFilter struct {
	// HasProviderID selects in-flight (true) or reservation-only (false)
	// attempts; nil selects both.
	HasProviderID *bool
	// CreatedBefore, when non-zero, keeps attempts created strictly before it.
	CreatedBefore time.Time
	Limit         int
}

// Matches reports whether a satisfies f, ignoring Limit. Backends that
// filter in process use it.
func (f PendingFilter) Matches(a *Attempt) bool {
	if a.Status != StatusPending {
		return false
	}
	if f.HasProviderID != nil && *f.HasProviderID != (a.ProviderChargeID != "") {
		return false
	}
	if !f.CreatedBefore.IsZero() && !a.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// ListOpts pages ListBySubscriber.
type ListOpts struct {
	Limit  int
	Offset int
}
