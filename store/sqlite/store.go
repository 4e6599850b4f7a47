// Package sqlite is a store.Store on SQLite via sqlx and go-sqlite3.
//
// The connection pool is capped at one connection: SQLite serializes
// writers anyway, and a single connection keeps the compare-and-set
// updates free of SQLITE_BUSY retries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/xraph/grove/migrate"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/consent"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/payment"
	autopaystore "github.com/xraph/autopay/store"
	"github.com/xraph/autopay/subscriber"
)

// compile-time interface check
var _ autopaystore.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at dsn (a file path or a
// go-sqlite3 URI).
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("autopay/sqlite: open: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Store {
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// DB returns the underlying handle for direct access.
func (s *Store) DB() *sqlx.DB { return s.db }

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL"
}

// Migrate applies pending migrations through the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	orch := migrate.NewOrchestrator(&executor{db: s.db}, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("autopay/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscriber Store ====================

func (s *Store) CreateSubscriber(ctx context.Context, sub *subscriber.Subscriber) error {
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO autopay_subscribers (
    id, customer_ref, expires_at, autopay_enabled, billing_token,
    autopay_disabled_at, autopay_disabled_reason, created_at, updated_at
) VALUES (
    :id, :customer_ref, :expires_at, :autopay_enabled, :billing_token,
    :autopay_disabled_at, :autopay_disabled_reason, :created_at, :updated_at
)`, toSubscriberModel(sub))
	if isUniqueViolation(err) {
		return autopay.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSubscriber(ctx context.Context, subID id.SubscriberID) (*subscriber.Subscriber, error) {
	m := new(subscriberModel)
	err := s.db.GetContext(ctx, m, `SELECT * FROM autopay_subscribers WHERE id = ?`, subID.String())
	if err != nil {
		if isNoRows(err) {
			return nil, autopay.ErrSubscriberNotFound
		}
		return nil, err
	}
	return fromSubscriberModel(m)
}

func (s *Store) ListDue(ctx context.Context, dq subscriber.DueQuery) ([]*subscriber.Subscriber, error) {
	q := `
SELECT * FROM autopay_subscribers
WHERE autopay_enabled = 1
  AND billing_token <> ''
  AND expires_at IS NOT NULL
  AND expires_at <= ?`
	args := []any{micros(dq.Before)}
	if dq.After != nil {
		q += `
  AND (expires_at, id) > (?, ?)`
		args = append(args, micros(dq.After.ExpiresAt), dq.After.ID.String())
	}
	q += `
ORDER BY expires_at ASC, id ASC`
	if dq.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, dq.Limit)
	}

	var models []subscriberModel
	if err := s.db.SelectContext(ctx, &models, q, args...); err != nil {
		return nil, err
	}

	result := make([]*subscriber.Subscriber, len(models))
	for i := range models {
		sub, err := fromSubscriberModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

// ExtendSubscription applies the renewal only while expires_at lies in the
// cycle window, so a renewal applies once.
func (s *Store) ExtendSubscription(ctx context.Context, subID id.SubscriberID, r subscriber.Renewal) (time.Time, bool, error) {
	var expires int64
	err := s.db.QueryRowxContext(ctx, `
UPDATE autopay_subscribers
SET expires_at = MAX(expires_at, ?) + ?,
    updated_at = ?
WHERE id = ? AND expires_at >= ? AND expires_at < ?
RETURNING expires_at`,
		micros(r.PaidFrom), r.Period.Microseconds(), micros(time.Now()), subID.String(),
		micros(r.Cycle), micros(r.CycleEnd()),
	).Scan(&expires)
	if err == nil {
		return fromMicros(expires), true, nil
	}
	if !isNoRows(err) {
		return time.Time{}, false, err
	}
	sub, err := s.GetSubscriber(ctx, subID)
	if err != nil {
		return time.Time{}, false, err
	}
	if sub.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return *sub.ExpiresAt, false, nil
}

func (s *Store) DisableAutopay(ctx context.Context, subID id.SubscriberID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE autopay_subscribers
SET autopay_enabled = 0, autopay_disabled_at = ?, autopay_disabled_reason = ?, updated_at = ?
WHERE id = ? AND autopay_enabled = 1`,
		micros(at), reason, micros(at), subID.String())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 { //nolint:errcheck // sqlite always reports it
		return true, nil
	}
	if _, err := s.GetSubscriber(ctx, subID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) EnableAutopay(ctx context.Context, subID id.SubscriberID) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE autopay_subscribers
SET autopay_enabled = 1, autopay_disabled_at = NULL, autopay_disabled_reason = '', updated_at = ?
WHERE id = ?`,
		micros(time.Now()), subID.String())
	return expectRow(res, err, autopay.ErrSubscriberNotFound)
}

func (s *Store) UpdateBillingToken(ctx context.Context, subID id.SubscriberID, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE autopay_subscribers SET billing_token = ?, updated_at = ? WHERE id = ?`,
		token, micros(time.Now()), subID.String())
	return expectRow(res, err, autopay.ErrSubscriberNotFound)
}

// ==================== Attempt Store ====================

func (s *Store) Reserve(ctx context.Context, a *attempt.Attempt) (attempt.Reservation, error) {
	res, err := s.db.NamedExecContext(ctx, `
INSERT INTO autopay_attempts (
    id, subscriber_id, cycle_key, attempt_number, order_id, amount, currency,
    status, provider_charge_id, raw_status, failure_reason,
    next_retry_at, resolved_at, created_at, updated_at
) VALUES (
    :id, :subscriber_id, :cycle_key, :attempt_number, :order_id, :amount, :currency,
    :status, :provider_charge_id, :raw_status, :failure_reason,
    :next_retry_at, :resolved_at, :created_at, :updated_at
) ON CONFLICT DO NOTHING`, toAttemptModel(a))
	if err != nil {
		return attempt.Reservation{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return attempt.Reservation{}, err
	}
	if n == 0 {
		return attempt.Reservation{Conflict: true}, nil
	}
	return attempt.Reservation{AttemptID: a.ID}, nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID id.AttemptID) (*attempt.Attempt, error) {
	m := new(attemptModel)
	err := s.db.GetContext(ctx, m, `SELECT * FROM autopay_attempts WHERE id = ?`, attemptID.String())
	if err != nil {
		if isNoRows(err) {
			return nil, autopay.ErrAttemptNotFound
		}
		return nil, err
	}
	return fromAttemptModel(m)
}

func (s *Store) ListByCycle(ctx context.Context, subscriberID id.SubscriberID, cycle string) ([]*attempt.Attempt, error) {
	var models []attemptModel
	err := s.db.SelectContext(ctx, &models, `
SELECT * FROM autopay_attempts
WHERE subscriber_id = ? AND cycle_key = ?
ORDER BY attempt_number ASC`, subscriberID.String(), cycle)
	if err != nil {
		return nil, err
	}
	return fromAttemptModels(models)
}

func (s *Store) ListBySubscriber(ctx context.Context, subscriberID id.SubscriberID, opts attempt.ListOpts) ([]*attempt.Attempt, error) {
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	var models []attemptModel
	err := s.db.SelectContext(ctx, &models, `
SELECT * FROM autopay_attempts
WHERE subscriber_id = ?
ORDER BY created_at DESC, attempt_number DESC
LIMIT ? OFFSET ?`, subscriberID.String(), limit, max(opts.Offset, 0))
	if err != nil {
		return nil, err
	}
	return fromAttemptModels(models)
}

func (s *Store) ListPending(ctx context.Context, filter attempt.PendingFilter) ([]*attempt.Attempt, error) {
	q := `SELECT * FROM autopay_attempts WHERE status = 'pending'`
	var args []any
	if filter.HasProviderID != nil {
		if *filter.HasProviderID {
			q += ` AND provider_charge_id <> ''`
		} else {
			q += ` AND provider_charge_id = ''`
		}
	}
	if !filter.CreatedBefore.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, micros(filter.CreatedBefore))
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var models []attemptModel
	if err := s.db.SelectContext(ctx, &models, q, args...); err != nil {
		return nil, err
	}
	return fromAttemptModels(models)
}

func (s *Store) ApplyResult(ctx context.Context, attemptID id.AttemptID, res attempt.Result) error {
	if !res.Status.Valid() {
		return fmt.Errorf("%w: status %q", autopay.ErrInvalidInput, res.Status)
	}
	a, err := s.pendingAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	a.Apply(res)
	return s.resolve(ctx, a)
}

func (s *Store) MarkStale(ctx context.Context, attemptID id.AttemptID, now time.Time) error {
	a, err := s.pendingAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	a.MarkStale(now)
	return s.resolve(ctx, a)
}

func (s *Store) pendingAttempt(ctx context.Context, attemptID id.AttemptID) (*attempt.Attempt, error) {
	a, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.Status != attempt.StatusPending {
		return nil, autopay.ErrAttemptNotPending
	}
	return a, nil
}

// resolve writes a's outcome only if the row is still pending. The partial
// unique index on successful rows rejects a second success per cycle.
func (s *Store) resolve(ctx context.Context, a *attempt.Attempt) error {
	res, err := s.db.NamedExecContext(ctx, `
UPDATE autopay_attempts
SET status = :status,
    provider_charge_id = :provider_charge_id,
    raw_status = :raw_status,
    failure_reason = :failure_reason,
    next_retry_at = :next_retry_at,
    resolved_at = :resolved_at,
    updated_at = :updated_at
WHERE id = :id AND status = 'pending'`, toAttemptModel(a))
	if isUniqueViolation(err) {
		return autopay.ErrCycleSettled
	}
	return expectRow(res, err, autopay.ErrAttemptNotPending)
}

// ==================== Manual Payment Store ====================

func (s *Store) CreateManualPayment(ctx context.Context, p *payment.ManualPayment) error {
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO autopay_manual_payments (id, subscriber_id, amount, currency, status, created_at, updated_at)
VALUES (:id, :subscriber_id, :amount, :currency, :status, :created_at, :updated_at)`,
		toManualPaymentModel(p))
	if isUniqueViolation(err) {
		return autopay.ErrAlreadyExists
	}
	return err
}

func (s *Store) UpdateManualPaymentStatus(ctx context.Context, paymentID id.ManualPaymentID, status payment.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE autopay_manual_payments SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), micros(time.Now()), paymentID.String())
	return expectRow(res, err, autopay.ErrManualPaymentNotFound)
}

func (s *Store) HasPendingManual(ctx context.Context, subscriberID id.SubscriberID, since time.Time, minAmount int64) (bool, error) {
	var found bool
	err := s.db.GetContext(ctx, &found, `
SELECT EXISTS (
    SELECT 1 FROM autopay_manual_payments
    WHERE subscriber_id = ? AND status = 'pending' AND created_at >= ? AND amount >= ?
)`, subscriberID.String(), micros(since), minAmount)
	return found, err
}

// ==================== Consent Store ====================

func (s *Store) GrantConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO autopay_consents (subscriber_id, granted_at, revoked_at) VALUES (?, ?, NULL)
ON CONFLICT (subscriber_id) DO UPDATE SET granted_at = excluded.granted_at, revoked_at = NULL`,
		subscriberID.String(), micros(at))
	return err
}

func (s *Store) RevokeConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE autopay_consents SET revoked_at = ? WHERE subscriber_id = ?`,
		micros(at), subscriberID.String())
	return expectRow(res, err, consent.ErrNoRecord)
}

func (s *Store) GetConsent(ctx context.Context, subscriberID id.SubscriberID) (*consent.Consent, error) {
	m := new(consentModel)
	err := s.db.GetContext(ctx, m, `SELECT * FROM autopay_consents WHERE subscriber_id = ?`, subscriberID.String())
	if err != nil {
		if isNoRows(err) {
			return nil, consent.ErrNoRecord
		}
		return nil, err
	}
	return fromConsentModel(m)
}

// ==================== Event Store ====================

func (s *Store) RecordEvent(ctx context.Context, e *event.Event) error {
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO autopay_events (id, subscriber_id, attempt_id, kind, reason, metadata, created_at)
VALUES (:id, :subscriber_id, :attempt_id, :kind, :reason, :metadata, :created_at)`,
		toEventModel(e))
	return err
}

func (s *Store) ListEvents(ctx context.Context, subscriberID id.SubscriberID, opts event.ListOpts) ([]*event.Event, error) {
	q := `SELECT * FROM autopay_events WHERE subscriber_id = ?`
	args := []any{subscriberID.String()}
	if opts.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(opts.Kind))
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var models []eventModel
	if err := s.db.SelectContext(ctx, &models, q, args...); err != nil {
		return nil, err
	}
	result := make([]*event.Event, len(models))
	for i := range models {
		e, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// ==================== Helpers ====================

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// expectRow maps an update that matched nothing to notFound.
func expectRow(res sql.Result, err, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
