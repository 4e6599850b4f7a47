package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/migrate"
)

const (
	migrationTableName = "grove_migrations"
	lockTableName      = "grove_migration_locks"

	// lockTTL bounds how long a crashed migrator can block the next one.
	lockTTL = 10 * time.Minute
)

// errLockHeld is returned by AcquireLock while another migrator holds the lock.
var errLockHeld = errors.New("autopay/sqlite: migration lock is held by another process")

// executor runs grove migrations over a sqlx handle. It keeps the same
// bookkeeping tables as grove's SQL executors so tooling sees one layout.
type executor struct {
	db *sqlx.DB
}

var _ migrate.Executor = (*executor)(nil)

func (e *executor) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	return e.db.ExecContext(ctx, query, args...)
}

func (e *executor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return e.db.QueryContext(ctx, query, args...)
}

func (e *executor) EnsureMigrationTable(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		version     TEXT NOT NULL,
		name        TEXT NOT NULL,
		"group"     TEXT NOT NULL,
		migrated_at TEXT NOT NULL,
		UNIQUE(version, "group")
	)`, migrationTableName))
	return err
}

func (e *executor) EnsureLockTable(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		locked_at INTEGER,
		locked_by TEXT
	)`, lockTableName))
	return err
}

// AcquireLock claims the single lock row unless a live holder has it.
func (e *executor) AcquireLock(ctx context.Context, lockedBy string) error {
	now := time.Now()
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %[1]s (id, locked_at, locked_by) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET locked_at = excluded.locked_at, locked_by = excluded.locked_by
WHERE %[1]s.locked_at IS NULL OR %[1]s.locked_at < ?`, lockTableName),
		micros(now), lockedBy, micros(now.Add(-lockTTL)))
	if err != nil {
		return fmt.Errorf("autopay/sqlite: acquire migration lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLockHeld
	}
	return nil
}

func (e *executor) ReleaseLock(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET locked_at = NULL, locked_by = NULL WHERE id = 1`, lockTableName))
	return err
}

func (e *executor) ListApplied(ctx context.Context) ([]*migrate.AppliedMigration, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, version, name, "group", migrated_at FROM %s ORDER BY id ASC`, migrationTableName))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var applied []*migrate.AppliedMigration
	for rows.Next() {
		a := &migrate.AppliedMigration{}
		if err := rows.Scan(&a.ID, &a.Version, &a.Name, &a.Group, &a.MigratedAt); err != nil {
			return nil, fmt.Errorf("autopay/sqlite: scan applied migration: %w", err)
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

func (e *executor) RecordApplied(ctx context.Context, m *migrate.Migration) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version, name, "group", migrated_at) VALUES (?, ?, ?, ?)`, migrationTableName),
		m.Version, m.Name, m.Group, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (e *executor) RemoveApplied(ctx context.Context, m *migrate.Migration) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE version = ? AND "group" = ?`, migrationTableName),
		m.Version, m.Group)
	return err
}
