package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/store/sqlite"
	"github.com/xraph/autopay/subscriber"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// seed creates a migrated sqlite file holding one consenting subscriber
// whose paid period ended an hour ago.
func seed(t *testing.T, token string) (string, *subscriber.Subscriber) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "autopay.db")

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck // test fixture

	require.NoError(t, s.Migrate(ctx))
	now := time.Now()
	sub := subscriber.New("cus_cli", token, now.Add(-time.Hour), now)
	require.NoError(t, s.CreateSubscriber(ctx, sub))
	require.NoError(t, s.GrantConsent(ctx, sub.ID, now))
	return path, sub
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestMigrateCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	stdout, _, err := executeCLI(t, "--driver", "sqlite", "--dsn", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sqlite store migrated")

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRunChargesDueSubscriber(t *testing.T) {
	path, sub := seed(t, "pm_ok")

	stdout, _, err := executeCLI(t, "--driver", "sqlite", "--dsn", path, "--gateway", "sandbox", "run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "charge: scanned=1 reserved=1 succeeded=1")
	assert.Contains(t, stdout, "reconcile: scanned=0")

	stdout, _, err = executeCLI(t, "--driver", "sqlite", "--dsn", path, "attempts", "--subscriber", sub.ID.String(), "--json")
	require.NoError(t, err)

	var attempts []attempt.Attempt
	require.NoError(t, json.Unmarshal([]byte(stdout), &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, attempt.StatusSuccess, attempts[0].Status)
	assert.Equal(t, "sbx_1", attempts[0].ProviderChargeID)

	stdout, _, err = executeCLI(t, "--driver", "sqlite", "--dsn", path, "--gateway", "sandbox", "run", "--skip-reconcile")
	require.NoError(t, err)
	assert.Contains(t, stdout, "charge: scanned=0")
	assert.NotContains(t, stdout, "reconcile:")
}

func TestRunExitsCleanOnDeclines(t *testing.T) {
	path, sub := seed(t, "pm_decline")

	stdout, _, err := executeCLI(t, "--driver", "sqlite", "--dsn", path, "--gateway", "sandbox", "run", "--workers", "2")
	require.NoError(t, err, "per-subscriber failures never fail the command")
	assert.Contains(t, stdout, "failed=1")

	stdout, _, err = executeCLI(t, "--driver", "sqlite", "--dsn", path, "attempts", "--subscriber", sub.ID.String())
	require.NoError(t, err)
	assert.Contains(t, stdout, "card_declined")
	assert.Contains(t, stdout, string(attempt.StatusFail))
}

func TestDryRunLeavesLedgerUntouched(t *testing.T) {
	path, sub := seed(t, "pm_ok")

	stdout, _, err := executeCLI(t, "--driver", "sqlite", "--dsn", path, "--gateway", "sandbox", "run", "--dry-run", "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"dry_run": true`)
	assert.Contains(t, stdout, `"outcome": "would_reserve"`)

	stdout, _, err = executeCLI(t, "--driver", "sqlite", "--dsn", path, "attempts", "--subscriber", sub.ID.String(), "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", stdout)
}

func TestConfigFileAndEnv(t *testing.T) {
	path, _ := seed(t, "pm_ok")
	cfg := filepath.Join(t.TempDir(), "autopay.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
store:
  driver: sqlite
  dsn: `+path+`
gateway:
  provider: sandbox
engine:
  retry_delays: ["12h"]
log:
  format: json
`), 0o600))

	stdout, stderr, err := executeCLI(t, "--config", cfg, "run", "--skip-reconcile")
	require.NoError(t, err)
	assert.Contains(t, stdout, "succeeded=1")
	assert.Contains(t, stderr, `"msg":"autopay started"`)

	t.Setenv("AUTOPAY_LOG_LEVEL", "error")
	_, stderr, err = executeCLI(t, "--config", cfg, "run", "--skip-reconcile")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "autopay started")
}

func TestCatastrophicFailures(t *testing.T) {
	_, _, err := executeCLI(t, "--driver", "cassandra", "--gateway", "sandbox", "run")
	require.ErrorIs(t, err, errUnknownDriver)

	_, _, err = executeCLI(t, "--driver", "memory", "--gateway", "sandbox", "--log-level", "loud", "run")
	require.Error(t, err)

	_, _, err = executeCLI(t, "--driver", "memory", "attempts", "--subscriber", "nope")
	require.Error(t, err)

	_, _, err = executeCLI(t, "--driver", "memory", "--gateway", "stripe", "run")
	require.Error(t, err, "stripe needs an api key")
}

func TestRunNeedsExplicitGateway(t *testing.T) {
	path, sub := seed(t, "pm_ok")

	_, _, err := executeCLI(t, "--driver", "sqlite", "--dsn", path, "run")
	require.ErrorIs(t, err, errNoGateway)

	t.Setenv("AUTOPAY_GATEWAY_PROVIDER", "sandbox")
	stdout, _, err := executeCLI(t, "--driver", "sqlite", "--dsn", path, "run", "--skip-reconcile")
	require.NoError(t, err)
	assert.Contains(t, stdout, "succeeded=1")

	stdout, _, err = executeCLI(t, "--driver", "sqlite", "--dsn", path, "attempts", "--subscriber", sub.ID.String(), "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sbx_1")
}

func TestDryRunDoesNotMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	_, _, err := executeCLI(t, "--driver", "sqlite", "--dsn", path, "--gateway", "sandbox", "run", "--dry-run")
	require.Error(t, err, "an unmigrated store has nothing to classify")

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck // test fixture

	var tables int
	require.NoError(t, s.DB().GetContext(context.Background(), &tables,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'`))
	assert.Zero(t, tables, "dry run created schema")
}
