package subscriber

import (
	"context"
	"time"

	"github.com/xraph/autopay/id"
)

// Store persists subscribers.
type Store interface {
	CreateSubscriber(ctx context.Context, s *Subscriber) error
	GetSubscriber(ctx context.Context, subID id.SubscriberID) (*Subscriber, error)
	// ListDue returns chargeable subscribers with expires_at <= q.Before,
	// ordered by (expires_at, id).
	ListDue(ctx context.Context, q DueQuery) ([]*Subscriber, error)
	// ExtendSubscription atomically applies ExtendedExpiry when r covers the
	// current expires_at and returns the new paid-through time. Otherwise it
	// returns the current expiry with extended=false.
	ExtendSubscription(ctx context.Context, subID id.SubscriberID, r Renewal) (expiresAt time.Time, extended bool, err error)
	// DisableAutopay reports changed=false when autopay was already off.
	DisableAutopay(ctx context.Context, subID id.SubscriberID, reason string, at time.Time) (bool, error)
	EnableAutopay(ctx context.Context, subID id.SubscriberID) error
	UpdateBillingToken(ctx context.Context, subID id.SubscriberID, token string) error
}

// DueQuery pages through due subscribers in (expires_at, id) order.
type DueQuery struct {
	Before time.Time
	// After resumes the listing strictly after this position. Nil starts
	// from the earliest expiry.
	After *DueCursor
	// Limit 0 means no limit.
	Limit int
}

// DueCursor is a position in the due ordering.
type DueCursor struct {
	ExpiresAt time.Time
	ID        id.SubscriberID
}

// CursorOf returns the position of sub in the due ordering.
func CursorOf(sub *Subscriber) *DueCursor {
	c := &DueCursor{ID: sub.ID}
	if sub.ExpiresAt != nil {
		c.ExpiresAt = *sub.ExpiresAt
	}
	return c
}

// Precedes reports whether sub sorts strictly after c. A nil cursor
// precedes everything.
func (c *DueCursor) Precedes(sub *Subscriber) bool {
	if c == nil {
		return true
	}
	if sub.ExpiresAt == nil {
		return false
	}
	if cmp := sub.ExpiresAt.Compare(c.ExpiresAt); cmp != 0 {
		return cmp > 0
	}
	return sub.ID.String() > c.ID.String()
}
