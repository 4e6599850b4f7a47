package autopay_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/gateway/sandbox"
	"github.com/xraph/autopay/retry"
	"github.com/xraph/autopay/store/memory"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

// TestDocumentationExamples verifies that the package documentation examples compile and run.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()

		// Sandbox gateway; swap in gateway/stripe for live charges
		gw := sandbox.New()

		cfg := autopay.DefaultConfig()
		cfg.Amount = types.KRW(9900)
		cfg.LeadTime = 24 * time.Hour

		engine := autopay.New(store, gw,
			autopay.WithLogger(slog.Default()),
			autopay.WithConfig(cfg),
		)

		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop(ctx) //nolint:errcheck // example

		// Enroll a subscriber whose paid period ends tomorrow
		sub := subscriber.New("customer_42", "pm_card_visa", time.Now().Add(12*time.Hour), time.Now())
		if err := engine.Enroll(ctx, sub); err != nil {
			t.Fatal(err)
		}
		if err := engine.GrantConsent(ctx, sub.ID); err != nil {
			t.Fatal(err)
		}

		// One charge pass, then settle anything still in flight
		report, err := engine.RunDue(ctx, autopay.RunOptions{})
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("charged: %d succeeded, %d failed\n",
			report.Count(autopay.OutcomeSucceeded), report.Count(autopay.OutcomeFailed))

		if _, err := engine.ReconcilePending(ctx, autopay.ReconcileOptions{}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("RetryPolicyExamples", func(t *testing.T) {
		policy := retry.DefaultPolicy() // 24h, then 48h; three attempts per cycle
		_ = policy.MaxAttempts()        // 3

		delays, err := retry.ParseDelays([]string{"1d", "36h"})
		if err != nil {
			t.Fatal(err)
		}
		policy.Delays = delays

		_ = retry.CycleKey(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)) // "20260301"
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		_ = types.KRW(9900) // KRW 9900
		_ = types.USD(499)  // USD 4.99

		m := types.NewMoney(1250, "EUR")
		_ = m.String()      // "EUR 12.50"
		_ = m.FormatMajor() // "12.50"
	})
}
