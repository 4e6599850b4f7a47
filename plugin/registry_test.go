package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
)

type recordingPlugin struct {
	name string
	mu   sync.Mutex
	seen []string
	err  error
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) add(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, s)
	return p.err
}

func (p *recordingPlugin) OnAttemptReserved(_ context.Context, a *attempt.Attempt) error {
	return p.add("reserved:" + a.CycleKey)
}

func (p *recordingPlugin) OnAutopayDisabled(_ context.Context, _ id.SubscriberID, reason string) error {
	return p.add("disabled:" + reason)
}

func (p *recordingPlugin) OnRunCompleted(_ context.Context, s RunSummary) error {
	return p.add("run:" + s.Kind)
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnConsentMissing(ctx context.Context, _ id.SubscriberID) error {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}

type panicPlugin struct{}

func (panicPlugin) Name() string { return "panics" }

func (panicPlugin) OnChargeFailed(context.Context, *attempt.Attempt, string) error {
	panic("boom")
}

func quietRegistry() *Registry {
	return NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := quietRegistry()
	require.NoError(t, r.Register(&recordingPlugin{name: "a"}))
	assert.Error(t, r.Register(&recordingPlugin{name: "a"}))
	assert.Equal(t, 1, r.Count())
	assert.NotNil(t, r.Get("a"))
	assert.Nil(t, r.Get("b"))
}

func TestEmitDispatchesOnlyToImplementers(t *testing.T) {
	r := quietRegistry()
	rec := &recordingPlugin{name: "rec", err: errors.New("ignored")}
	require.NoError(t, r.Register(rec))
	require.NoError(t, r.Register(slowPlugin{}))

	ctx := context.Background()
	r.EmitAttemptReserved(ctx, &attempt.Attempt{CycleKey: "20260301"})
	r.EmitAutopayDisabled(ctx, id.NewSubscriberID(), "retries exhausted")
	r.EmitRunCompleted(ctx, RunSummary{Kind: "charge"})
	r.EmitChargeSucceeded(ctx, &attempt.Attempt{}, time.Now())

	assert.Equal(t, []string{"reserved:20260301", "disabled:retries exhausted", "run:charge"}, rec.seen)
	assert.ElementsMatch(t, []string{"OnAttemptReserved", "OnAutopayDisabled", "OnRunCompleted"}, implementedHooks(rec))
}

func TestHookTimeoutAndPanicDoNotPropagate(t *testing.T) {
	r := quietRegistry().WithTimeout(20 * time.Millisecond)
	require.NoError(t, r.Register(slowPlugin{}))
	require.NoError(t, r.Register(panicPlugin{}))

	start := time.Now()
	r.EmitConsentMissing(context.Background(), id.NewSubscriberID())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.NotPanics(t, func() {
		r.EmitChargeFailed(context.Background(), &attempt.Attempt{}, "declined")
	})
}
