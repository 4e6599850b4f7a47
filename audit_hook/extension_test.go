package audithook_test

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

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/attempt"
	audithook "github.com/xraph/autopay/audit_hook"
	"github.com/xraph/autopay/gateway/sandbox"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/notify"
	"github.com/xraph/autopay/plugin"
	"github.com/xraph/autopay/store/memory"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

type sink struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (s *sink) Record(_ context.Context, evt *audithook.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *sink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Action
	}
	return out
}

func TestChargeFailedCarriesReason(t *testing.T) {
	rec := &sink{}
	ext := audithook.New(rec)

	a := attempt.New(id.NewSubscriberID(), "20260301", 2, types.KRW(9900), time.Now())
	a.Status = attempt.StatusFail
	a.RawStatus = "declined"

	require.NoError(t, ext.OnChargeFailed(context.Background(), a, "card_declined"))
	require.Len(t, rec.events, 1)

	evt := rec.events[0]
	assert.Equal(t, audithook.ActionChargeFailed, evt.Action)
	assert.Equal(t, audithook.OutcomeFailure, evt.Outcome)
	assert.Equal(t, audithook.SeverityWarning, evt.Severity)
	assert.Equal(t, "card_declined", evt.Reason)
	assert.Equal(t, a.ID.String(), evt.ResourceID)
	assert.Equal(t, 2, evt.Metadata["attempt_number"])
	assert.Equal(t, a.OrderID, evt.Metadata["order_id"])
}

func TestFilteredActions(t *testing.T) {
	rec := &sink{}
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionConsentMissing))

	sub := id.NewSubscriberID()
	require.NoError(t, ext.OnConsentMissing(context.Background(), sub))
	require.NoError(t, ext.OnAutopayDisabled(context.Background(), sub, "retries exhausted"))

	assert.Equal(t, []string{audithook.ActionAutopayDisabled}, rec.actions())

	only := &sink{}
	ext = audithook.New(only, audithook.WithEnabledActions(audithook.ActionRunCompleted))
	require.NoError(t, ext.OnConsentMissing(context.Background(), sub))
	require.NoError(t, ext.OnRunCompleted(context.Background(), plugin.RunSummary{Kind: "charge", Scanned: 3}))
	assert.Equal(t, []string{audithook.ActionRunCompleted}, only.actions())
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	failing := audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("sink down")
	})
	ext := audithook.New(failing, audithook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	assert.NoError(t, ext.OnConsentMissing(context.Background(), id.NewSubscriberID()))
}

func TestDryRunSummaryIsNotAudited(t *testing.T) {
	rec := &sink{}
	ext := audithook.New(rec)

	require.NoError(t, ext.OnRunCompleted(context.Background(), plugin.RunSummary{Kind: "charge", DryRun: true}))
	assert.Empty(t, rec.events)
}

func TestEngineEmitsAuditTrail(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := &sink{}

	engine := autopay.New(memory.New(), sandbox.New(),
		autopay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		autopay.WithClock(clock),
		autopay.WithNotifier(notify.Nop),
		autopay.WithPlugin(audithook.New(rec)),
	)
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))

	sub := subscriber.New("cus_1", "pm_ok", now.Add(-time.Hour), now)
	require.NoError(t, engine.Enroll(ctx, sub))
	require.NoError(t, engine.GrantConsent(ctx, sub.ID))

	_, err := engine.RunDue(ctx, autopay.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		audithook.ActionAttemptReserved,
		audithook.ActionChargeSucceeded,
		audithook.ActionRunCompleted,
	}, rec.actions())
}
