package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/id"
)

type mapStore map[string]*Consent

func (m mapStore) GrantConsent(_ context.Context, sub id.SubscriberID, at time.Time) error {
	m[sub.String()] = &Consent{SubscriberID: sub, GrantedAt: at}
	return nil
}

func (m mapStore) RevokeConsent(_ context.Context, sub id.SubscriberID, at time.Time) error {
	if c, ok := m[sub.String()]; ok {
		c.RevokedAt = &at
	}
	return nil
}

func (m mapStore) GetConsent(_ context.Context, sub id.SubscriberID) (*Consent, error) {
	if c, ok := m[sub.String()]; ok {
		return c, nil
	}
	return nil, ErrNoRecord
}

func TestStoreGuard(t *testing.T) {
	ctx := context.Background()
	store := mapStore{}
	guard := StoreGuard{Store: store}
	sub := id.NewSubscriberID()

	ok, err := guard.HasActiveConsent(ctx, sub)
	require.NoError(t, err)
	assert.False(t, ok, "no record means no consent")

	require.NoError(t, store.GrantConsent(ctx, sub, time.Now()))
	ok, err = guard.HasActiveConsent(ctx, sub)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.RevokeConsent(ctx, sub, time.Now()))
	ok, err = guard.HasActiveConsent(ctx, sub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardFuncPropagatesErrors(t *testing.T) {
	boom := errors.New("consent service down")
	g := GuardFunc(func(context.Context, id.SubscriberID) (bool, error) { return false, boom })

	_, err := g.HasActiveConsent(context.Background(), id.NewSubscriberID())
	assert.ErrorIs(t, err, boom)

	ok, err := AlwaysGranted.HasActiveConsent(context.Background(), id.NewSubscriberID())
	require.NoError(t, err)
	assert.True(t, ok)
}
