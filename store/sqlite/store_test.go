package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/store"
	"github.com/xraph/autopay/store/sqlite"
	"github.com/xraph/autopay/store/storetest"
)

func open(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "autopay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return open(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))

	var applied int
	require.NoError(t, s.DB().GetContext(ctx, &applied, `SELECT COUNT(*) FROM grove_migrations WHERE "group" = 'autopay'`))
	assert.Equal(t, len(sqlite.Migrations.Migrations()), applied)

	var held int
	require.NoError(t, s.DB().GetContext(ctx, &held, `SELECT COUNT(*) FROM grove_migration_locks WHERE locked_at IS NOT NULL`))
	assert.Zero(t, held, "lock released after migrating")
}

func TestMigrateRefusesHeldLock(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	_, err := s.DB().ExecContext(ctx,
		`UPDATE grove_migration_locks SET locked_at = ?, locked_by = 'other-host:42' WHERE id = 1`,
		time.Now().UnixMicro())
	require.NoError(t, err)

	err = s.Migrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")

	_, err = s.DB().ExecContext(ctx,
		`UPDATE grove_migration_locks SET locked_at = ? WHERE id = 1`,
		time.Now().Add(-time.Hour).UnixMicro())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx), "expired lock is taken over")
}
