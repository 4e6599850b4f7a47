// Package subscriber defines billing accounts renewed by autopay.
package subscriber

import (
	"time"

	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/types"
)

// Subscriber is a billing account. ExpiresAt is the paid-through time and
// is nil until the first paid period.
type Subscriber struct {
	types.Entity
	ID                    id.SubscriberID `json:"id"`
	CustomerRef           string          `json:"customer_ref,omitempty"`
	ExpiresAt             *time.Time      `json:"expires_at,omitempty"`
	AutopayEnabled        bool            `json:"autopay_enabled"`
	BillingToken          string          `json:"billing_token,omitempty"`
	AutopayDisabledAt     *time.Time      `json:"autopay_disabled_at,omitempty"`
	AutopayDisabledReason string          `json:"autopay_disabled_reason,omitempty"`
}

// New creates an enabled subscriber paid through expiresAt.
func New(customerRef, billingToken string, expiresAt time.Time, now time.Time) *Subscriber {
	exp := expiresAt.UTC().Truncate(time.Microsecond)
	return &Subscriber{
		Entity:         types.NewEntity(now),
		ID:             id.NewSubscriberID(),
		CustomerRef:    customerRef,
		ExpiresAt:      &exp,
		AutopayEnabled: billingToken != "",
		BillingToken:   billingToken,
	}
}

// IsChargeable reports whether autopay can run for s at all.
func (s *Subscriber) IsChargeable() bool {
	return s.AutopayEnabled && s.BillingToken != "" && s.ExpiresAt != nil
}

// IsDue reports whether s is chargeable and expires at or before dueBefore.
func (s *Subscriber) IsDue(dueBefore time.Time) bool {
	return s.IsChargeable() && !s.ExpiresAt.After(dueBefore)
}

// ExtendedExpiry is max(current, paidFrom) + period. Existing paid time is
// never shortened.
func ExtendedExpiry(current *time.Time, paidFrom time.Time, period time.Duration) time.Time {
	base := paidFrom
	if current != nil && current.After(base) {
		base = *current
	}
	return base.Add(period).UTC().Truncate(time.Microsecond)
}

// Renewal extends a subscriber for one paid cycle.
type Renewal struct {
	// Cycle is midnight UTC of the day the paid cycle is keyed on. The
	// extension applies only while expires_at still falls on that day, so
	// each cycle extends at most once.
	Cycle    time.Time
	PaidFrom time.Time
	Period   time.Duration
}

// CycleEnd is the exclusive upper bound of the cycle day.
func (r Renewal) CycleEnd() time.Time {
	return r.Cycle.Add(24 * time.Hour)
}

// Covers reports whether expiresAt still lies in the renewed cycle.
func (r Renewal) Covers(expiresAt *time.Time) bool {
	return expiresAt != nil && !expiresAt.Before(r.Cycle) && expiresAt.Before(r.CycleEnd())
}
