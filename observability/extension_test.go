package observability_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/gateway/sandbox"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/notify"
	"github.com/xraph/autopay/observability"
	"github.com/xraph/autopay/plugin"
	"github.com/xraph/autopay/store/memory"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

func count(f *observability.PrometheusFactory, name string) float64 {
	return testutil.ToFloat64(f.Counter(name).(prometheus.Collector))
}

func TestFactoryReusesCollectors(t *testing.T) {
	f := observability.NewPrometheusFactory(nil)

	f.Counter("autopay.charge.succeeded").Inc()
	f.Counter("autopay.charge.succeeded").Add(2)
	f.Histogram("autopay.run.latency_ms").Observe(12)
	f.Histogram("autopay.run.latency_ms").Observe(40)

	assert.Equal(t, float64(3), count(f, "autopay.charge.succeeded"))

	n, err := testutil.GatherAndCount(f.Registry(), "autopay_charge_succeeded_total", "autopay_run_latency_ms")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFailureBreakdown(t *testing.T) {
	f := observability.NewPrometheusFactory(nil)
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	for _, status := range []attempt.Status{attempt.StatusFail, attempt.StatusCancel, attempt.StatusGatewayError, attempt.StatusFail} {
		a := attempt.New(id.NewSubscriberID(), "20260301", 1, types.KRW(9900), time.Now())
		a.Status = status
		require.NoError(t, m.OnChargeFailed(ctx, a, "x"))
	}

	assert.Equal(t, float64(4), count(f, "autopay.charge.failed"))
	assert.Equal(t, float64(2), count(f, "autopay.charge.declined"))
	assert.Equal(t, float64(1), count(f, "autopay.charge.canceled"))
	assert.Equal(t, float64(1), count(f, "autopay.charge.gateway_errors"))
}

func TestDryRunOnlyCountsRun(t *testing.T) {
	f := observability.NewPrometheusFactory(nil)
	m := observability.NewMetricsExtension(f)

	require.NoError(t, m.OnRunCompleted(context.Background(), plugin.RunSummary{Kind: "reconcile", DryRun: true, Errors: 2}))

	assert.Equal(t, float64(1), count(f, "autopay.run.reconcile"))
	assert.Zero(t, count(f, "autopay.run.errors"))
}

func TestEngineMetrics(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := observability.NewPrometheusFactory(nil)

	engine := autopay.New(memory.New(), sandbox.New(),
		autopay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		autopay.WithClock(func() time.Time { return now }),
		autopay.WithNotifier(notify.Nop),
		autopay.WithPlugin(observability.NewMetricsExtension(f)),
	)
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))

	for _, token := range []string{"pm_ok", "pm_decline", "pm_pending"} {
		sub := subscriber.New("cus", token, now.Add(-time.Hour), now)
		require.NoError(t, engine.Enroll(ctx, sub))
		require.NoError(t, engine.GrantConsent(ctx, sub.ID))
	}
	_, err := engine.RunDue(ctx, autopay.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, float64(3), count(f, "autopay.attempt.reserved"))
	assert.Equal(t, float64(1), count(f, "autopay.charge.succeeded"))
	assert.Equal(t, float64(1), count(f, "autopay.charge.declined"))
	assert.Equal(t, float64(1), count(f, "autopay.charge.pending"))
	assert.Equal(t, float64(1), count(f, "autopay.run.charge"))

	rec := httptest.NewRecorder()
	f.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "autopay_charge_succeeded_total 1")
}
