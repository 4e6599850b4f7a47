package subscriber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExtendedExpiryNeverShortens(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	period := 30 * 24 * time.Hour

	past := now.Add(-72 * time.Hour)
	assert.Equal(t, now.Add(period), ExtendedExpiry(&past, now, period), "lapsed subscriptions restart from paidFrom")

	future := now.Add(48 * time.Hour)
	assert.Equal(t, future.Add(period), ExtendedExpiry(&future, now, period), "remaining paid time is kept")

	assert.Equal(t, now.Add(period), ExtendedExpiry(nil, now, period))
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New("cus_1", "tok_1", now.Add(24*time.Hour), now)

	assert.False(t, s.IsDue(now))
	assert.True(t, s.IsDue(now.Add(24*time.Hour)))

	s.BillingToken = ""
	assert.False(t, s.IsDue(now.Add(48*time.Hour)))

	s.BillingToken = "tok_1"
	s.AutopayEnabled = false
	assert.False(t, s.IsDue(now.Add(48*time.Hour)))

	s.AutopayEnabled = true
	s.ExpiresAt = nil
	assert.False(t, s.IsChargeable())
}

func TestNewWithoutTokenIsDisabled(t *testing.T) {
	s := New("cus_1", "", time.Now(), time.Now())
	assert.False(t, s.AutopayEnabled)
}
