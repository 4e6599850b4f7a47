package attempt

import (
	"context"
	"time"

	"github.com/xraph/autopay/id"
)

// Store persists charge attempts. Reserve relies on storage-level uniqueness
// of (subscriber_id, cycle_key, attempt_number) and of order_id.
type Store interface {
	Reserve(ctx context.Context, a *Attempt) (Reservation, error)
	GetAttempt(ctx context.Context, attemptID id.AttemptID) (*Attempt, error)
	ListByCycle(ctx context.Context, subscriberID id.SubscriberID, cycleKey string) ([]*Attempt, error)
	ListBySubscriber(ctx context.Context, subscriberID id.SubscriberID, opts ListOpts) ([]*Attempt, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]*Attempt, error)
	// ApplyResult and MarkStale only touch attempts still pending.
	ApplyResult(ctx context.Context, attemptID id.AttemptID, res Result) error
	MarkStale(ctx context.Context, attemptID id.AttemptID, now time.Time) error
}
