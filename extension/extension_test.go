package extension

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/gateway/sandbox"
	"github.com/xraph/autopay/store/memory"
	"github.com/xraph/autopay/subscriber"
)

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{Amount: 12000, RetryDelays: []string{"1d"}}
	prog := Config{Currency: "usd", Amount: 500, Workers: 8, DisableMigrate: true, Interval: time.Minute}

	got := mergeConfigurations(yaml, prog)
	assert.Equal(t, int64(12000), got.Amount, "yaml wins")
	assert.Equal(t, "usd", got.Currency, "programmatic fills gaps")
	assert.Equal(t, 8, got.Workers)
	assert.True(t, got.DisableMigrate)
	assert.Equal(t, time.Minute, got.Interval)
	assert.Equal(t, []string{"1d"}, got.RetryDelays)
	assert.Equal(t, 30*time.Minute, got.PendingTTL, "defaults fill the rest")
}

func TestEngineConfig(t *testing.T) {
	cfg := mergeWithDefaults(Config{RetryDelays: []string{"12h", "2d", "3d"}, LeadTime: 6 * time.Hour})

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(9900), ec.Amount.Amount)
	assert.Equal(t, "krw", ec.Amount.Currency)
	assert.Equal(t, 4, ec.Retry.MaxAttempts())
	assert.Equal(t, 48*time.Hour, ec.Retry.Delays[1])
	assert.Equal(t, 6*time.Hour, ec.LeadTime)

	cfg.RetryDelays = []string{"soon"}
	_, err = cfg.EngineConfig()
	assert.ErrorIs(t, err, autopay.ErrInvalidInput)
}

func TestRunOnceWithDefaults(t *testing.T) {
	s := memory.New()
	e := New(WithStore(s), WithGateway(sandbox.New()))
	e.config = mergeWithDefaults(e.config)

	eng, err := e.buildEngine()
	require.NoError(t, err)
	e.engine = eng

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	now := time.Now()
	sub := subscriber.New("cus", "pm_ok", now.Add(-time.Hour), now)
	require.NoError(t, eng.Enroll(ctx, sub))
	require.NoError(t, eng.GrantConsent(ctx, sub.ID))

	charge, reconcile, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, charge.Count(autopay.OutcomeSucceeded))
	assert.Zero(t, reconcile.Scanned)
	assert.NoError(t, e.Health(ctx))
}

func TestBuildEngineNeedsGateway(t *testing.T) {
	s := memory.New()
	e := New(WithStore(s))
	e.config = mergeWithDefaults(e.config)

	_, err := e.buildEngine()
	require.ErrorIs(t, err, errNoGateway)
	assert.Nil(t, e.engine)
}
