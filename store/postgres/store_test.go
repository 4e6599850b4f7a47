package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/autopay/store"
	"github.com/xraph/autopay/store/postgres"
	"github.com/xraph/autopay/store/storetest"
)

// Set AUTOPAY_TEST_POSTGRES_URL to a disposable database to run these.
func TestConformance(t *testing.T) {
	url := os.Getenv("AUTOPAY_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("AUTOPAY_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	s, err := postgres.Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrate twice")

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := pgdriver.Unwrap(s.DB()).Exec(ctx, `TRUNCATE autopay_subscribers, autopay_attempts,
			autopay_manual_payments, autopay_consents, autopay_events`)
		require.NoError(t, err)
		return s
	})
}
