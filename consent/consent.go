// Package consent records and checks the subscriber's permission for
// unattended charging.
package consent

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/autopay/id"
)

// Consent is the latest consent state for a subscriber.
type Consent struct {
	SubscriberID id.SubscriberID `json:"subscriber_id"`
	GrantedAt    time.Time       `json:"granted_at"`
	RevokedAt    *time.Time      `json:"revoked_at,omitempty"`
}

// Active reports whether consent is granted and not revoked.
func (c *Consent) Active() bool {
	return c != nil && !c.GrantedAt.IsZero() && c.RevokedAt == nil
}

// Store persists consent. Grant clears any previous revocation.
type Store interface {
	GrantConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error
	RevokeConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error
	// GetConsent returns an error satisfying errors.Is(err, ErrNoRecord)
	// when the subscriber never granted consent.
	GetConsent(ctx context.Context, subscriberID id.SubscriberID) (*Consent, error)
}

// ErrNoRecord is returned by stores for subscribers without a consent row.
var ErrNoRecord = errors.New("consent: no record")

// Guard answers whether a subscriber may be charged unattended.
type Guard interface {
	HasActiveConsent(ctx context.Context, subscriberID id.SubscriberID) (bool, error)
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx context.Context, subscriberID id.SubscriberID) (bool, error)

// HasActiveConsent implements Guard.
func (f GuardFunc) HasActiveConsent(ctx context.Context, subscriberID id.SubscriberID) (bool, error) {
	return f(ctx, subscriberID)
}

// StoreGuard checks consent rows in a Store. A missing row is no consent.
type StoreGuard struct {
	Store Store
}

// HasActiveConsent implements Guard.
func (g StoreGuard) HasActiveConsent(ctx context.Context, subscriberID id.SubscriberID) (bool, error) {
	c, err := g.Store.GetConsent(ctx, subscriberID)
	if errors.Is(err, ErrNoRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Active(), nil
}

// AlwaysGranted is a Guard for deployments that record consent elsewhere.
var AlwaysGranted Guard = GuardFunc(func(context.Context, id.SubscriberID) (bool, error) {
	return true, nil
})
