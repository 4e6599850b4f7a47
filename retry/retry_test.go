package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/attempt"
)

func TestCycleKeyNormalizesToUTCDay(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)

	morning := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, "20260301", CycleKey(morning))
	assert.Equal(t, CycleKey(morning), CycleKey(evening))

	// 08:00 KST on the 2nd is still the 1st in UTC.
	assert.Equal(t, "20260301", CycleKey(time.Date(2026, 3, 2, 8, 0, 0, 0, seoul)))

	parsed, err := ParseCycleKey("20260301")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	_, err = ParseCycleKey("2026-03-01")
	assert.Error(t, err)
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 3, DefaultPolicy().MaxAttempts())
	assert.Equal(t, 1, Policy{}.MaxAttempts())
}

func TestNextRetryAt(t *testing.T) {
	p := DefaultPolicy()
	ref := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, ok := p.NextRetryAt(1, ref)
	require.True(t, ok)
	assert.Equal(t, ref.Add(24*time.Hour), next)

	next, ok = p.NextRetryAt(2, ref)
	require.True(t, ok)
	assert.Equal(t, ref.Add(48*time.Hour), next)

	_, ok = p.NextRetryAt(3, ref)
	assert.False(t, ok)
	_, ok = p.NextRetryAt(0, ref)
	assert.False(t, ok)

	_, ok = Policy{}.NextRetryAt(1, ref)
	assert.False(t, ok, "empty schedule allows a single attempt only")
}

func TestRetryTimingSchedule(t *testing.T) {
	p := DefaultPolicy()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Attempt 1 fails at start.
	next1, ok := p.NextRetryAt(1, start)
	require.True(t, ok)
	assert.False(t, p.IsRetryDue(1, start, &next1, start.Add(24*time.Hour-time.Second)))
	assert.True(t, p.IsRetryDue(1, start, &next1, start.Add(24*time.Hour)))
	assert.True(t, p.IsRetryDue(1, start, &next1, start.Add(30*time.Hour)))

	// Attempt 2 runs exactly when allowed and fails.
	second := start.Add(24 * time.Hour)
	next2, ok := p.NextRetryAt(2, second)
	require.True(t, ok)
	assert.Equal(t, start.Add(72*time.Hour), next2)
	assert.False(t, p.IsRetryDue(2, second, &next2, start.Add(72*time.Hour-time.Second)))
	assert.True(t, p.IsRetryDue(2, second, &next2, start.Add(72*time.Hour)))

	// Attempt 3 is the last one.
	third := start.Add(72 * time.Hour)
	assert.False(t, p.HasNext(3))
	assert.False(t, p.IsRetryDue(3, third, nil, third.Add(365*24*time.Hour)))
}

func TestIsRetryDueFallsBackToCreatedAt(t *testing.T) {
	p := DefaultPolicy()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.False(t, p.IsRetryDue(1, created, nil, created.Add(23*time.Hour)))
	assert.True(t, p.IsRetryDue(1, created, nil, created.Add(24*time.Hour)))

	// A stored value earlier than the computed one wins (stale sweep sets now).
	early := created.Add(time.Minute)
	assert.True(t, p.IsRetryDue(1, created, &early, created.Add(2*time.Minute)))
}

func TestIsRetryable(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsRetryable(attempt.StatusFail))
	assert.True(t, p.IsRetryable(attempt.StatusGatewayError))
	assert.False(t, p.IsRetryable(attempt.StatusCancel))
	assert.False(t, p.IsRetryable(attempt.StatusSuccess))
	assert.False(t, p.IsRetryable(attempt.StatusPending))

	custom := Policy{Delays: p.Delays, Retryable: []attempt.Status{attempt.StatusGatewayError}}
	assert.False(t, custom.IsRetryable(attempt.StatusFail))

	assert.True(t, Policy{}.IsRetryable(attempt.StatusFail), "empty set falls back to defaults")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, Policy{}.Validate())
	assert.Error(t, Policy{Delays: []time.Duration{time.Hour, 0}}.Validate())
	assert.Error(t, Policy{Retryable: []attempt.Status{attempt.StatusPending}}.Validate())
	assert.Error(t, Policy{Retryable: []attempt.Status{attempt.StatusSuccess}}.Validate())
}

func TestParseDelays(t *testing.T) {
	got, err := ParseDelays([]string{"24h", "2d", "90m"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{24 * time.Hour, 48 * time.Hour, 90 * time.Minute}, got)

	_, err = ParseDelays([]string{"tomorrow"})
	assert.Error(t, err)

	_, err = ParseDelays([]string{"1.5d"})
	assert.Error(t, err)
}

func TestParseStatuses(t *testing.T) {
	got, err := ParseStatuses([]string{"fail", "gateway_error"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryable, got)

	_, err = ParseStatuses([]string{"declined"})
	assert.Error(t, err)
}
