package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the autopay store (SQLite).
// Timestamps are INTEGER unix microseconds in UTC.
var Migrations = migrate.NewGroup("autopay")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_autopay_subscribers",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS autopay_subscribers (
    id                      TEXT PRIMARY KEY,
    customer_ref            TEXT NOT NULL DEFAULT '',
    expires_at              INTEGER,
    autopay_enabled         INTEGER NOT NULL DEFAULT 0,
    billing_token           TEXT NOT NULL DEFAULT '',
    autopay_disabled_at     INTEGER,
    autopay_disabled_reason TEXT NOT NULL DEFAULT '',
    created_at              INTEGER NOT NULL,
    updated_at              INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_autopay_subscribers_due
    ON autopay_subscribers (expires_at) WHERE autopay_enabled = 1;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS autopay_subscribers`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_autopay_attempts",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS autopay_attempts (
    id                 TEXT PRIMARY KEY,
    subscriber_id      TEXT NOT NULL,
    cycle_key          TEXT NOT NULL,
    attempt_number     INTEGER NOT NULL,
    order_id           TEXT NOT NULL,
    amount             INTEGER NOT NULL,
    currency           TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    provider_charge_id TEXT NOT NULL DEFAULT '',
    raw_status         TEXT NOT NULL DEFAULT '',
    failure_reason     TEXT NOT NULL DEFAULT '',
    next_retry_at      INTEGER,
    resolved_at        INTEGER,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_autopay_attempts_slot
    ON autopay_attempts (subscriber_id, cycle_key, attempt_number);
CREATE UNIQUE INDEX IF NOT EXISTS idx_autopay_attempts_order
    ON autopay_attempts (order_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_autopay_attempts_success
    ON autopay_attempts (subscriber_id, cycle_key) WHERE status = 'success';
CREATE INDEX IF NOT EXISTS idx_autopay_attempts_pending
    ON autopay_attempts (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_autopay_attempts_subscriber
    ON autopay_attempts (subscriber_id, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS autopay_attempts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_autopay_manual_payments",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS autopay_manual_payments (
    id            TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL,
    amount        INTEGER NOT NULL,
    currency      TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_autopay_manual_payments_lookup
    ON autopay_manual_payments (subscriber_id, status, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS autopay_manual_payments`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_autopay_consents",
			Version: "20260301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS autopay_consents (
    subscriber_id TEXT PRIMARY KEY,
    granted_at    INTEGER NOT NULL,
    revoked_at    INTEGER
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS autopay_consents`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_autopay_events",
			Version: "20260301000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS autopay_events (
    id            TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL,
    attempt_id    TEXT NOT NULL DEFAULT '',
    kind          TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_autopay_events_subscriber
    ON autopay_events (subscriber_id, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS autopay_events`)
				return err
			},
		},
	)
}
