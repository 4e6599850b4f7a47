// Package postgres is a store.Store on PostgreSQL via grove's pgdriver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the "pg" migration executor
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

const uniqueViolation = "23505"

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pgdb := pgdriver.New()
	if err := pgdb.Open(ctx, dsn); err != nil {
		return nil, fmt.Errorf("autopay/postgres: connect: %w", err)
	}
	db, err := grove.Open(pgdb)
	if err != nil {
		_ = pgdb.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("autopay/postgres: open grove: %w", err)
	}
	return New(db), nil
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate applies pending migrations through the grove orchestrator, which
// serialises concurrent deployments on an advisory lock.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("autopay/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("autopay/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscriber Store ====================

func (s *Store) CreateSubscriber(ctx context.Context, sub *subscriber.Subscriber) error {
	_, err := s.pg.NewInsert(toSubscriberModel(sub)).Exec(ctx)
	if isUniqueViolation(err) {
		return autopay.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSubscriber(ctx context.Context, subID id.SubscriberID) (*subscriber.Subscriber, error) {
	m := new(subscriberModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, autopay.ErrSubscriberNotFound
		}
		return nil, err
	}
	return fromSubscriberModel(m)
}

func (s *Store) ListDue(ctx context.Context, q subscriber.DueQuery) ([]*subscriber.Subscriber, error) {
	var models []subscriberModel
	sel := s.pg.NewSelect(&models).
		Where("autopay_enabled").
		Where("billing_token <> ''").
		Where("expires_at IS NOT NULL").
		Where("expires_at <= $1", q.Before)
	if q.After != nil {
		sel = sel.Where("(expires_at, id) > ($2, $3)", q.After.ExpiresAt, q.After.ID.String())
	}
	sel = sel.OrderExpr("expires_at ASC, id ASC")
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}

	if err := sel.Scan(ctx); err != nil {
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

// ExtendSubscription computes max(expires_at, paidFrom) + period in a single
// statement guarded by the cycle window, so a renewal applies once.
func (s *Store) ExtendSubscription(ctx context.Context, subID id.SubscriberID, r subscriber.Renewal) (time.Time, bool, error) {
	var expires time.Time
	err := s.pg.QueryRow(ctx, `
UPDATE autopay_subscribers
SET expires_at = GREATEST(expires_at, $2) + ($3::bigint * INTERVAL '1 microsecond'),
    updated_at = NOW()
WHERE id = $1 AND expires_at >= $4 AND expires_at < $5
RETURNING expires_at`,
		subID.String(), r.PaidFrom, r.Period.Microseconds(), r.Cycle, r.CycleEnd(),
	).Scan(&expires)
	if err == nil {
		return expires.UTC(), true, nil
	}
	if !isNoRows(err) {
		return time.Time{}, false, err
	}
	return s.unextended(ctx, subID)
}

// unextended reports the current expiry of a subscriber whose renewal was
// already applied.
func (s *Store) unextended(ctx context.Context, subID id.SubscriberID) (time.Time, bool, error) {
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
	res, err := s.pg.NewUpdate((*subscriberModel)(nil)).
		Set("autopay_enabled = FALSE").
		Set("autopay_disabled_at = ?", at).
		Set("autopay_disabled_reason = ?", reason).
		Set("updated_at = ?", at).
		Where("id = ?", subID.String()).
		Where("autopay_enabled").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 { //nolint:errcheck // pgx always reports
		return true, nil
	}
	if _, err := s.GetSubscriber(ctx, subID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) EnableAutopay(ctx context.Context, subID id.SubscriberID) error {
	res, err := s.pg.NewUpdate((*subscriberModel)(nil)).
		Set("autopay_enabled = TRUE").
		Set("autopay_disabled_at = NULL").
		Set("autopay_disabled_reason = ''").
		Set("updated_at = NOW()").
		Where("id = ?", subID.String()).
		Exec(ctx)
	return expectRow(res, err, autopay.ErrSubscriberNotFound)
}

func (s *Store) UpdateBillingToken(ctx context.Context, subID id.SubscriberID, token string) error {
	res, err := s.pg.NewUpdate((*subscriberModel)(nil)).
		Set("billing_token = ?", token).
		Set("updated_at = NOW()").
		Where("id = ?", subID.String()).
		Exec(ctx)
	return expectRow(res, err, autopay.ErrSubscriberNotFound)
}

// ==================== Attempt Store ====================

// Reserve inserts the attempt unless any unique index already covers its
// slot, order id or a successful charge for the cycle.
func (s *Store) Reserve(ctx context.Context, a *attempt.Attempt) (attempt.Reservation, error) {
	res, err := s.pg.NewInsert(toAttemptModel(a)).
		OnConflict("DO NOTHING").
		Exec(ctx)
	if err != nil {
		return attempt.Reservation{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // pgx always reports
		return attempt.Reservation{Conflict: true}, nil
	}
	return attempt.Reservation{AttemptID: a.ID}, nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID id.AttemptID) (*attempt.Attempt, error) {
	m := new(attemptModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", attemptID.String()).
		Scan(ctx)
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
	err := s.pg.NewSelect(&models).
		Where("subscriber_id = $1", subscriberID.String()).
		Where("cycle_key = $2", cycle).
		OrderExpr("attempt_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromAttemptModels(models)
}

func (s *Store) ListBySubscriber(ctx context.Context, subscriberID id.SubscriberID, opts attempt.ListOpts) ([]*attempt.Attempt, error) {
	var models []attemptModel
	q := s.pg.NewSelect(&models).
		Where("subscriber_id = $1", subscriberID.String()).
		OrderExpr("created_at DESC, attempt_number DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromAttemptModels(models)
}

func (s *Store) ListPending(ctx context.Context, filter attempt.PendingFilter) ([]*attempt.Attempt, error) {
	var models []attemptModel
	q := s.pg.NewSelect(&models).Where("status = 'pending'")
	if filter.HasProviderID != nil {
		if *filter.HasProviderID {
			q = q.Where("provider_charge_id <> ''")
		} else {
			q = q.Where("provider_charge_id = ''")
		}
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where("created_at < $1", filter.CreatedBefore)
	}
	q = q.OrderExpr("created_at ASC, id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
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
	res, err := s.pg.NewUpdate((*attemptModel)(nil)).
		Set("status = ?", string(a.Status)).
		Set("provider_charge_id = ?", a.ProviderChargeID).
		Set("raw_status = ?", a.RawStatus).
		Set("failure_reason = ?", a.FailureReason).
		Set("next_retry_at = ?", a.NextRetryAt).
		Set("resolved_at = ?", a.ResolvedAt).
		Set("updated_at = ?", a.UpdatedAt).
		Where("id = ?", a.ID.String()).
		Where("status = 'pending'").
		Exec(ctx)
	if isUniqueViolation(err) {
		return autopay.ErrCycleSettled
	}
	return expectRow(res, err, autopay.ErrAttemptNotPending)
}

// ==================== Manual Payment Store ====================

func (s *Store) CreateManualPayment(ctx context.Context, p *payment.ManualPayment) error {
	_, err := s.pg.NewInsert(toManualPaymentModel(p)).Exec(ctx)
	if isUniqueViolation(err) {
		return autopay.ErrAlreadyExists
	}
	return err
}

func (s *Store) UpdateManualPaymentStatus(ctx context.Context, paymentID id.ManualPaymentID, status payment.Status) error {
	res, err := s.pg.NewUpdate((*manualPaymentModel)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = NOW()").
		Where("id = ?", paymentID.String()).
		Exec(ctx)
	return expectRow(res, err, autopay.ErrManualPaymentNotFound)
}

func (s *Store) HasPendingManual(ctx context.Context, subscriberID id.SubscriberID, since time.Time, minAmount int64) (bool, error) {
	n, err := s.pg.NewSelect((*manualPaymentModel)(nil)).
		Where("subscriber_id = $1", subscriberID.String()).
		Where("status = 'pending'").
		Where("created_at >= $2", since).
		Where("amount >= $3", minAmount).
		Count(ctx)
	return n > 0, err
}

// ==================== Consent Store ====================

func (s *Store) GrantConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error {
	_, err := s.pg.NewInsert(&consentModel{SubscriberID: subscriberID.String(), GrantedAt: at}).
		OnConflict("(subscriber_id) DO UPDATE").
		Set("granted_at = EXCLUDED.granted_at").
		Set("revoked_at = NULL").
		Exec(ctx)
	return err
}

func (s *Store) RevokeConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error {
	res, err := s.pg.NewUpdate((*consentModel)(nil)).
		Set("revoked_at = ?", at).
		Where("subscriber_id = ?", subscriberID.String()).
		Exec(ctx)
	return expectRow(res, err, consent.ErrNoRecord)
}

func (s *Store) GetConsent(ctx context.Context, subscriberID id.SubscriberID) (*consent.Consent, error) {
	m := new(consentModel)
	err := s.pg.NewSelect(m).
		Where("subscriber_id = $1", subscriberID.String()).
		Scan(ctx)
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
	_, err := s.pg.NewInsert(toEventModel(e)).Exec(ctx)
	return err
}

func (s *Store) ListEvents(ctx context.Context, subscriberID id.SubscriberID, opts event.ListOpts) ([]*event.Event, error) {
	var models []eventModel
	q := s.pg.NewSelect(&models).Where("subscriber_id = $1", subscriberID.String())
	if opts.Kind != "" {
		q = q.Where("kind = $2", string(opts.Kind))
	}
	q = q.OrderExpr("created_at ASC, id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Scan(ctx); err != nil {
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
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, grove.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// expectRow maps an update that matched nothing to notFound.
func expectRow(res driver.Result, err, notFound error) error {
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
