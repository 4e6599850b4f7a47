// Package event defines the audit trail written alongside the ledger.
package event

import (
	"context"
	"time"

	"github.com/xraph/autopay/id"
)

// Kind names what happened.
type Kind string

const (
	KindAttemptReserved      Kind = "attempt.reserved"
	KindChargeSucceeded      Kind = "charge.succeeded"
	KindChargeFailed         Kind = "charge.failed"
	KindChargePending        Kind = "charge.pending"
	KindChargeUnrecorded     Kind = "charge.unrecorded"
	KindAttemptStale         Kind = "attempt.stale"
	KindAutopayDisabled      Kind = "autopay.disabled"
	KindConsentMissing       Kind = "consent.missing"
	KindSkipManualPending    Kind = "skip.manual_pending"
	KindSubscriptionExtended Kind = "subscription.extended"
)

// Event is one audit row.
type Event struct {
	ID           id.EventID        `json:"id"`
	SubscriberID id.SubscriberID   `json:"subscriber_id"`
	AttemptID    id.AttemptID      `json:"attempt_id,omitempty"`
	Kind         Kind              `json:"kind"`
	Reason       string            `json:"reason,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// New builds an event stamped at now.
func New(kind Kind, subscriberID id.SubscriberID, attemptID id.AttemptID, reason string, now time.Time) *Event {
	return &Event{
		ID:           id.NewEventID(),
		SubscriberID: subscriberID,
		AttemptID:    attemptID,
		Kind:         kind,
		Reason:       reason,
		CreatedAt:    now.UTC().Truncate(time.Microsecond),
	}
}

// ListOpts filters ListEvents. Zero values match everything.
type ListOpts struct {
	Kind  Kind
	Limit int
}

// Store persists events in creation order.
type Store interface {
	RecordEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, subscriberID id.SubscriberID, opts ListOpts) ([]*Event, error)
}
