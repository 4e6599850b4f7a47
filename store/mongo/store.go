// Package mongo is a store.Store on MongoDB via grove's mongodriver. BSON
// dates carry millisecond precision, so timestamps round-trip truncated to
// the millisecond.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/consent"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/payment"
	autopaystore "github.com/xraph/autopay/store"
	"github.com/xraph/autopay/subscriber"
)

// Collection name constants.
const (
	colSubscribers    = "autopay_subscribers"
	colAttempts       = "autopay_attempts"
	colManualPayments = "autopay_manual_payments"
	colConsents       = "autopay_consents"
	colEvents         = "autopay_events"
)

// compile-time interface check
var _ autopaystore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// Open connects to uri and uses database name.
func Open(ctx context.Context, uri, name string) (*Store, error) {
	mdb := mongodriver.New()
	if err := mdb.Open(ctx, uri, mongodriver.WithDatabase(name)); err != nil {
		return nil, fmt.Errorf("autopay/mongo: connect: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		_ = mdb.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("autopay/mongo: open grove: %w", err)
	}
	s := New(db)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("autopay/mongo: ping: %w", err)
	}
	return s, nil
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all autopay collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("autopay/mongo: migrate %s indexes: %w", col, err)
		}
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
	_, err := s.mdb.NewInsert(toSubscriberModel(sub)).Exec(ctx)
	if mongo.IsDuplicateKeyError(err) {
		return autopay.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("autopay/mongo: create subscriber: %w", err)
	}
	return nil
}

func (s *Store) GetSubscriber(ctx context.Context, subID id.SubscriberID) (*subscriber.Subscriber, error) {
	var m subscriberModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, autopay.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("autopay/mongo: get subscriber: %w", err)
	}
	return fromSubscriberModel(&m)
}

func (s *Store) ListDue(ctx context.Context, q subscriber.DueQuery) ([]*subscriber.Subscriber, error) {
	filter := bson.M{
		"autopay_enabled": true,
		"billing_token":   bson.M{"$ne": ""},
		"expires_at":      bson.M{"$lte": q.Before},
	}
	if q.After != nil {
		filter["$or"] = bson.A{
			bson.M{"expires_at": bson.M{"$gt": q.After.ExpiresAt}},
			bson.M{"expires_at": q.After.ExpiresAt, "_id": bson.M{"$gt": q.After.ID.String()}},
		}
	}

	var models []subscriberModel
	find := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "expires_at", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		find = find.Limit(int64(q.Limit))
	}
	if err := find.Scan(ctx); err != nil {
		return nil, fmt.Errorf("autopay/mongo: list due subscribers: %w", err)
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

// ExtendSubscription runs max(expires_at, paidFrom) + period server side in
// one pipeline update, filtered on the cycle window so a renewal applies once.
func (s *Store) ExtendSubscription(ctx context.Context, subID id.SubscriberID, r subscriber.Renewal) (time.Time, bool, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "expires_at", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$max", Value: bson.A{"$expires_at", r.PaidFrom}}},
				r.Period.Milliseconds(),
			}}}},
			{Key: "updated_at", Value: "$$NOW"},
		}}},
	}
	filter := bson.M{
		"_id":        subID.String(),
		"expires_at": bson.M{"$gte": r.Cycle, "$lt": r.CycleEnd()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m subscriberModel
	err := s.mdb.Collection(colSubscribers).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if !isNoDocuments(err) {
			return time.Time{}, false, fmt.Errorf("autopay/mongo: extend subscription: %w", err)
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
	if m.ExpiresAt == nil {
		return time.Time{}, false, fmt.Errorf("autopay/mongo: extend subscription: expires_at missing after update")
	}
	return m.ExpiresAt.UTC(), true, nil
}

func (s *Store) DisableAutopay(ctx context.Context, subID id.SubscriberID, reason string, at time.Time) (bool, error) {
	res, err := s.mdb.NewUpdate((*subscriberModel)(nil)).
		Filter(bson.M{"_id": subID.String(), "autopay_enabled": true}).
		Set("autopay_enabled", false).
		Set("autopay_disabled_at", at).
		Set("autopay_disabled_reason", reason).
		Set("updated_at", at).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("autopay/mongo: disable autopay: %w", err)
	}
	if res.MatchedCount() > 0 {
		return true, nil
	}
	if _, err := s.GetSubscriber(ctx, subID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) EnableAutopay(ctx context.Context, subID id.SubscriberID) error {
	return s.updateSubscriber(ctx, subID, bson.M{
		"autopay_enabled":         true,
		"autopay_disabled_at":     nil,
		"autopay_disabled_reason": "",
	})
}

func (s *Store) UpdateBillingToken(ctx context.Context, subID id.SubscriberID, token string) error {
	return s.updateSubscriber(ctx, subID, bson.M{"billing_token": token})
}

func (s *Store) updateSubscriber(ctx context.Context, subID id.SubscriberID, set bson.M) error {
	set["updated_at"] = time.Now().UTC()
	res, err := s.mdb.NewUpdate((*subscriberModel)(nil)).
		Filter(bson.M{"_id": subID.String()}).
		SetUpdate(bson.M{"$set": set}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("autopay/mongo: update subscriber: %w", err)
	}
	if res.MatchedCount() == 0 {
		return autopay.ErrSubscriberNotFound
	}
	return nil
}

// ==================== Attempt Store ====================

func (s *Store) Reserve(ctx context.Context, a *attempt.Attempt) (attempt.Reservation, error) {
	_, err := s.mdb.NewInsert(toAttemptModel(a)).Exec(ctx)
	if mongo.IsDuplicateKeyError(err) {
		return attempt.Reservation{Conflict: true}, nil
	}
	if err != nil {
		return attempt.Reservation{}, fmt.Errorf("autopay/mongo: reserve attempt: %w", err)
	}
	return attempt.Reservation{AttemptID: a.ID}, nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID id.AttemptID) (*attempt.Attempt, error) {
	var m attemptModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": attemptID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, autopay.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("autopay/mongo: get attempt: %w", err)
	}
	return fromAttemptModel(&m)
}

func (s *Store) ListByCycle(ctx context.Context, subscriberID id.SubscriberID, cycle string) ([]*attempt.Attempt, error) {
	var models []attemptModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"subscriber_id": subscriberID.String(), "cycle_key": cycle}).
		Sort(bson.D{{Key: "attempt_number", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("autopay/mongo: list attempts by cycle: %w", err)
	}
	return fromAttemptModels(models)
}

func (s *Store) ListBySubscriber(ctx context.Context, subscriberID id.SubscriberID, opts attempt.ListOpts) ([]*attempt.Attempt, error) {
	var models []attemptModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"subscriber_id": subscriberID.String()}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "attempt_number", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("autopay/mongo: list attempts: %w", err)
	}
	return fromAttemptModels(models)
}

func (s *Store) ListPending(ctx context.Context, filter attempt.PendingFilter) ([]*attempt.Attempt, error) {
	f := bson.M{"status": string(attempt.StatusPending)}
	if filter.HasProviderID != nil {
		if *filter.HasProviderID {
			f["provider_charge_id"] = bson.M{"$ne": ""}
		} else {
			f["provider_charge_id"] = ""
		}
	}
	if !filter.CreatedBefore.IsZero() {
		f["created_at"] = bson.M{"$lt": filter.CreatedBefore}
	}
	var models []attemptModel
	q := s.mdb.NewFind(&models).
		Filter(f).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		q = q.Limit(int64(filter.Limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("autopay/mongo: list pending attempts: %w", err)
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

// resolve writes a's outcome only if the document is still pending. The
// partial unique index on successful documents rejects a second success.
func (s *Store) resolve(ctx context.Context, a *attempt.Attempt) error {
	res, err := s.mdb.NewUpdate((*attemptModel)(nil)).
		Filter(bson.M{"_id": a.ID.String(), "status": string(attempt.StatusPending)}).
		Set("status", string(a.Status)).
		Set("provider_charge_id", a.ProviderChargeID).
		Set("raw_status", a.RawStatus).
		Set("failure_reason", a.FailureReason).
		Set("next_retry_at", a.NextRetryAt).
		Set("resolved_at", a.ResolvedAt).
		Set("updated_at", a.UpdatedAt).
		Exec(ctx)
	if mongo.IsDuplicateKeyError(err) {
		return autopay.ErrCycleSettled
	}
	if err != nil {
		return fmt.Errorf("autopay/mongo: resolve attempt: %w", err)
	}
	if res.MatchedCount() == 0 {
		return autopay.ErrAttemptNotPending
	}
	return nil
}

// ==================== Manual Payment Store ====================

func (s *Store) CreateManualPayment(ctx context.Context, p *payment.ManualPayment) error {
	_, err := s.mdb.NewInsert(toManualPaymentModel(p)).Exec(ctx)
	if mongo.IsDuplicateKeyError(err) {
		return autopay.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("autopay/mongo: create manual payment: %w", err)
	}
	return nil
}

func (s *Store) UpdateManualPaymentStatus(ctx context.Context, paymentID id.ManualPaymentID, status payment.Status) error {
	res, err := s.mdb.NewUpdate((*manualPaymentModel)(nil)).
		Filter(bson.M{"_id": paymentID.String()}).
		Set("status", string(status)).
		Set("updated_at", time.Now().UTC()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("autopay/mongo: update manual payment: %w", err)
	}
	if res.MatchedCount() == 0 {
		return autopay.ErrManualPaymentNotFound
	}
	return nil
}

func (s *Store) HasPendingManual(ctx context.Context, subscriberID id.SubscriberID, since time.Time, minAmount int64) (bool, error) {
	n, err := s.mdb.Collection(colManualPayments).CountDocuments(ctx, bson.M{
		"subscriber_id": subscriberID.String(),
		"status":        string(payment.StatusPending),
		"created_at":    bson.M{"$gte": since},
		"amount":        bson.M{"$gte": minAmount},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("autopay/mongo: find pending manual payment: %w", err)
	}
	return n > 0, nil
}

// ==================== Consent Store ====================

func (s *Store) GrantConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error {
	_, err := s.mdb.NewUpdate((*consentModel)(nil)).
		Filter(bson.M{"_id": subscriberID.String()}).
		Set("granted_at", at).
		Set("revoked_at", nil).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("autopay/mongo: grant consent: %w", err)
	}
	return nil
}

func (s *Store) RevokeConsent(ctx context.Context, subscriberID id.SubscriberID, at time.Time) error {
	res, err := s.mdb.NewUpdate((*consentModel)(nil)).
		Filter(bson.M{"_id": subscriberID.String()}).
		Set("revoked_at", at).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("autopay/mongo: revoke consent: %w", err)
	}
	if res.MatchedCount() == 0 {
		return consent.ErrNoRecord
	}
	return nil
}

func (s *Store) GetConsent(ctx context.Context, subscriberID id.SubscriberID) (*consent.Consent, error) {
	var m consentModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subscriberID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, consent.ErrNoRecord
		}
		return nil, fmt.Errorf("autopay/mongo: get consent: %w", err)
	}
	return fromConsentModel(&m)
}

// ==================== Event Store ====================

func (s *Store) RecordEvent(ctx context.Context, e *event.Event) error {
	if _, err := s.mdb.NewInsert(toEventModel(e)).Exec(ctx); err != nil {
		return fmt.Errorf("autopay/mongo: record event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, subscriberID id.SubscriberID, opts event.ListOpts) ([]*event.Event, error) {
	filter := bson.M{"subscriber_id": subscriberID.String()}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	var models []eventModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("autopay/mongo: list events: %w", err)
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

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all autopay
// collections. The unique indexes carry the reservation and single-success
// guarantees.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscribers: {
			{Keys: bson.D{{Key: "autopay_enabled", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		colAttempts: {
			{
				Keys:    bson.D{{Key: "subscriber_id", Value: 1}, {Key: "cycle_key", Value: 1}, {Key: "attempt_number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "order_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "cycle_key", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetName("uniq_success_per_cycle").
					SetPartialFilterExpression(bson.M{"status": string(attempt.StatusSuccess)}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colManualPayments: {
			{Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colEvents: {
			{Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
}
