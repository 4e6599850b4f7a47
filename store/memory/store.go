// Package memory is an in-process store.Store. Uniqueness constraints are
// composite map keys checked under one mutex, which gives the same
// guarantees the SQL backends get from unique indexes.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

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

type slotKey struct {
	subscriberID string
	cycleKey     string
	number       int
}

type cycleKey struct {
	subscriberID string
	cycleKey     string
}

type Store struct {
	mu sync.RWMutex

	// Subscriber storage
	subscribers map[string]*subscriber.Subscriber

	// Attempt storage and its unique indexes
	attempts map[string]*attempt.Attempt
	slots    map[slotKey]string
	orders   map[string]string
	settled  map[cycleKey]string

	// Manual payment storage
	manual map[string]*payment.ManualPayment

	// Consent storage
	consents map[string]*consent.Consent

	// Audit events in insertion order
	events []*event.Event
}

func New() *Store {
	return &Store{
		subscribers: make(map[string]*subscriber.Subscriber),
		attempts:    make(map[string]*attempt.Attempt),
		slots:       make(map[slotKey]string),
		orders:      make(map[string]string),
		settled:     make(map[cycleKey]string),
		manual:      make(map[string]*payment.ManualPayment),
		consents:    make(map[string]*consent.Consent),
	}
}

// ==================== Subscriber Store ====================

func (s *Store) CreateSubscriber(_ context.Context, sub *subscriber.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscribers[sub.ID.String()]; exists {
		return autopay.ErrAlreadyExists
	}
	s.subscribers[sub.ID.String()] = cloneSubscriber(sub)
	return nil
}

func (s *Store) GetSubscriber(_ context.Context, subID id.SubscriberID) (*subscriber.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscribers[subID.String()]; ok {
		return cloneSubscriber(sub), nil
	}
	return nil, autopay.ErrSubscriberNotFound
}

func (s *Store) ListDue(_ context.Context, q subscriber.DueQuery) ([]*subscriber.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscriber.Subscriber, 0)
	for _, sub := range s.subscribers {
		if sub.IsDue(q.Before) && q.After.Precedes(sub) {
			result = append(result, cloneSubscriber(sub))
		}
	}
	slices.SortFunc(result, func(a, b *subscriber.Subscriber) int {
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (s *Store) ExtendSubscription(_ context.Context, subID id.SubscriberID, r subscriber.Renewal) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subID.String()]
	if !ok {
		return time.Time{}, false, autopay.ErrSubscriberNotFound
	}
	if !r.Covers(sub.ExpiresAt) {
		return currentExpiry(sub), false, nil
	}
	expires := subscriber.ExtendedExpiry(sub.ExpiresAt, r.PaidFrom, r.Period)
	sub.ExpiresAt = &expires
	sub.Touch(time.Now())
	return expires, true, nil
}

func currentExpiry(sub *subscriber.Subscriber) time.Time {
	if sub.ExpiresAt == nil {
		return time.Time{}
	}
	return *sub.ExpiresAt
}

func (s *Store) DisableAutopay(_ context.Context, subID id.SubscriberID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subID.String()]
	if !ok {
		return false, autopay.ErrSubscriberNotFound
	}
	if !sub.AutopayEnabled {
		return false, nil
	}
	at = at.UTC().Truncate(time.Microsecond)
	sub.AutopayEnabled = false
	sub.AutopayDisabledAt = &at
	sub.AutopayDisabledReason = reason
	sub.Touch(at)
	return true, nil
}

func (s *Store) EnableAutopay(_ context.Context, subID id.SubscriberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subID.String()]
	if !ok {
		return autopay.ErrSubscriberNotFound
	}
	sub.AutopayEnabled = true
	sub.AutopayDisabledAt = nil
	sub.AutopayDisabledReason = ""
	sub.Touch(time.Now())
	return nil
}

func (s *Store) UpdateBillingToken(_ context.Context, subID id.SubscriberID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subID.String()]
	if !ok {
		return autopay.ErrSubscriberNotFound
	}
	sub.BillingToken = token
	sub.Touch(time.Now())
	return nil
}

// ==================== Attempt Store ====================

func (s *Store) Reserve(_ context.Context, a *attempt.Attempt) (attempt.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := slotKey{a.SubscriberID.String(), a.CycleKey, a.AttemptNumber}
	if _, taken := s.slots[slot]; taken {
		return attempt.Reservation{Conflict: true}, nil
	}
	if _, taken := s.orders[a.OrderID]; taken {
		return attempt.Reservation{Conflict: true}, nil
	}
	if _, exists := s.attempts[a.ID.String()]; exists {
		return attempt.Reservation{}, autopay.ErrAlreadyExists
	}

	s.attempts[a.ID.String()] = cloneAttempt(a)
	s.slots[slot] = a.ID.String()
	s.orders[a.OrderID] = a.ID.String()
	return attempt.Reservation{AttemptID: a.ID}, nil
}

func (s *Store) GetAttempt(_ context.Context, attemptID id.AttemptID) (*attempt.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.attempts[attemptID.String()]; ok {
		return cloneAttempt(a), nil
	}
	return nil, autopay.ErrAttemptNotFound
}

func (s *Store) ListByCycle(_ context.Context, subscriberID id.SubscriberID, cycle string) ([]*attempt.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*attempt.Attempt, 0)
	for _, a := range s.attempts {
		if a.SubscriberID == subscriberID && a.CycleKey == cycle {
			result = append(result, cloneAttempt(a))
		}
	}
	slices.SortFunc(result, func(a, b *attempt.Attempt) int {
		return cmp.Compare(a.AttemptNumber, b.AttemptNumber)
	})
	return result, nil
}

func (s *Store) ListBySubscriber(_ context.Context, subscriberID id.SubscriberID, opts attempt.ListOpts) ([]*attempt.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*attempt.Attempt, 0)
	for _, a := range s.attempts {
		if a.SubscriberID == subscriberID {
			result = append(result, cloneAttempt(a))
		}
	}
	slices.SortFunc(result, func(a, b *attempt.Attempt) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.AttemptNumber, a.AttemptNumber)
	})

	// Apply limit/offset
	start := min(opts.Offset, len(result))
	end := len(result)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return result[start:end], nil
}

func (s *Store) ListPending(_ context.Context, filter attempt.PendingFilter) ([]*attempt.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*attempt.Attempt, 0)
	for _, a := range s.attempts {
		if filter.Matches(a) {
			result = append(result, cloneAttempt(a))
		}
	}
	slices.SortFunc(result, func(a, b *attempt.Attempt) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ApplyResult(_ context.Context, attemptID id.AttemptID, res attempt.Result) error {
	if !res.Status.Valid() {
		return fmt.Errorf("%w: status %q", autopay.ErrInvalidInput, res.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID.String()]
	if !ok {
		return autopay.ErrAttemptNotFound
	}
	if a.Status != attempt.StatusPending {
		return autopay.ErrAttemptNotPending
	}

	cycle := cycleKey{a.SubscriberID.String(), a.CycleKey}
	if res.Status == attempt.StatusSuccess {
		if _, done := s.settled[cycle]; done {
			return autopay.ErrCycleSettled
		}
		s.settled[cycle] = a.ID.String()
	}

	a.Apply(res)
	return nil
}

func (s *Store) MarkStale(_ context.Context, attemptID id.AttemptID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID.String()]
	if !ok {
		return autopay.ErrAttemptNotFound
	}
	if a.Status != attempt.StatusPending {
		return autopay.ErrAttemptNotPending
	}
	a.MarkStale(now)
	return nil
}

// ==================== Manual Payment Store ====================

func (s *Store) CreateManualPayment(_ context.Context, p *payment.ManualPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.manual[p.ID.String()]; exists {
		return autopay.ErrAlreadyExists
	}
	cp := *p
	s.manual[p.ID.String()] = &cp
	return nil
}

func (s *Store) UpdateManualPaymentStatus(_ context.Context, paymentID id.ManualPaymentID, status payment.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.manual[paymentID.String()]
	if !ok {
		return autopay.ErrManualPaymentNotFound
	}
	p.Status = status
	p.Touch(time.Now())
	return nil
}

func (s *Store) HasPendingManual(_ context.Context, subscriberID id.SubscriberID, since time.Time, minAmount int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.manual {
		if p.SubscriberID == subscriberID && p.Covers(since, minAmount) {
			return true, nil
		}
	}
	return false, nil
}

// ==================== Consent Store ====================

func (s *Store) GrantConsent(_ context.Context, subscriberID id.SubscriberID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consents[subscriberID.String()] = &consent.Consent{
		SubscriberID: subscriberID,
		GrantedAt:    at.UTC().Truncate(time.Microsecond),
	}
	return nil
}

func (s *Store) RevokeConsent(_ context.Context, subscriberID id.SubscriberID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consents[subscriberID.String()]
	if !ok {
		return consent.ErrNoRecord
	}
	at = at.UTC().Truncate(time.Microsecond)
	c.RevokedAt = &at
	return nil
}

func (s *Store) GetConsent(_ context.Context, subscriberID id.SubscriberID) (*consent.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.consents[subscriberID.String()]
	if !ok {
		return nil, consent.ErrNoRecord
	}
	cp := *c
	return &cp, nil
}

// ==================== Event Store ====================

func (s *Store) RecordEvent(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListEvents(_ context.Context, subscriberID id.SubscriberID, opts event.ListOpts) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Event, 0)
	for _, e := range s.events {
		if e.SubscriberID != subscriberID {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		cp := *e
		cp.Metadata = maps.Clone(e.Metadata)
		result = append(result, &cp)
		if opts.Limit > 0 && len(result) == opts.Limit {
			break
		}
	}
	return result, nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func cloneSubscriber(sub *subscriber.Subscriber) *subscriber.Subscriber {
	cp := *sub
	cp.ExpiresAt = cloneTime(sub.ExpiresAt)
	cp.AutopayDisabledAt = cloneTime(sub.AutopayDisabledAt)
	return &cp
}

func cloneAttempt(a *attempt.Attempt) *attempt.Attempt {
	cp := *a
	cp.NextRetryAt = cloneTime(a.NextRetryAt)
	cp.ResolvedAt = cloneTime(a.ResolvedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
