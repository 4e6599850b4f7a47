package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/consent"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/payment"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

// ==================== Time helpers ====================

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func entity(created, updated int64) types.Entity {
	return types.Entity{CreatedAt: fromMicros(created), UpdatedAt: fromMicros(updated)}
}

// ==================== Subscriber models ====================

type subscriberModel struct {
	ID                    string        `db:"id"`
	CustomerRef           string        `db:"customer_ref"`
	ExpiresAt             sql.NullInt64 `db:"expires_at"`
	AutopayEnabled        bool          `db:"autopay_enabled"`
	BillingToken          string        `db:"billing_token"`
	AutopayDisabledAt     sql.NullInt64 `db:"autopay_disabled_at"`
	AutopayDisabledReason string        `db:"autopay_disabled_reason"`
	CreatedAt             int64         `db:"created_at"`
	UpdatedAt             int64         `db:"updated_at"`
}

func toSubscriberModel(s *subscriber.Subscriber) *subscriberModel {
	return &subscriberModel{
		ID:                    s.ID.String(),
		CustomerRef:           s.CustomerRef,
		ExpiresAt:             nullMicros(s.ExpiresAt),
		AutopayEnabled:        s.AutopayEnabled,
		BillingToken:          s.BillingToken,
		AutopayDisabledAt:     nullMicros(s.AutopayDisabledAt),
		AutopayDisabledReason: s.AutopayDisabledReason,
		CreatedAt:             micros(s.CreatedAt),
		UpdatedAt:             micros(s.UpdatedAt),
	}
}

func fromSubscriberModel(m *subscriberModel) (*subscriber.Subscriber, error) {
	subID, err := id.ParseSubscriberID(m.ID)
	if err != nil {
		return nil, err
	}
	return &subscriber.Subscriber{
		Entity:                entity(m.CreatedAt, m.UpdatedAt),
		ID:                    subID,
		CustomerRef:           m.CustomerRef,
		ExpiresAt:             fromNullMicros(m.ExpiresAt),
		AutopayEnabled:        m.AutopayEnabled,
		BillingToken:          m.BillingToken,
		AutopayDisabledAt:     fromNullMicros(m.AutopayDisabledAt),
		AutopayDisabledReason: m.AutopayDisabledReason,
	}, nil
}

// ==================== Attempt models ====================

type attemptModel struct {
	ID               string        `db:"id"`
	SubscriberID     string        `db:"subscriber_id"`
	CycleKey         string        `db:"cycle_key"`
	AttemptNumber    int           `db:"attempt_number"`
	OrderID          string        `db:"order_id"`
	Amount           int64         `db:"amount"`
	Currency         string        `db:"currency"`
	Status           string        `db:"status"`
	ProviderChargeID string        `db:"provider_charge_id"`
	RawStatus        string        `db:"raw_status"`
	FailureReason    string        `db:"failure_reason"`
	NextRetryAt      sql.NullInt64 `db:"next_retry_at"`
	ResolvedAt       sql.NullInt64 `db:"resolved_at"`
	CreatedAt        int64         `db:"created_at"`
	UpdatedAt        int64         `db:"updated_at"`
}

func toAttemptModel(a *attempt.Attempt) *attemptModel {
	return &attemptModel{
		ID:               a.ID.String(),
		SubscriberID:     a.SubscriberID.String(),
		CycleKey:         a.CycleKey,
		AttemptNumber:    a.AttemptNumber,
		OrderID:          a.OrderID,
		Amount:           a.Amount.Amount,
		Currency:         a.Amount.Currency,
		Status:           string(a.Status),
		ProviderChargeID: a.ProviderChargeID,
		RawStatus:        a.RawStatus,
		FailureReason:    a.FailureReason,
		NextRetryAt:      nullMicros(a.NextRetryAt),
		ResolvedAt:       nullMicros(a.ResolvedAt),
		CreatedAt:        micros(a.CreatedAt),
		UpdatedAt:        micros(a.UpdatedAt),
	}
}

func fromAttemptModel(m *attemptModel) (*attempt.Attempt, error) {
	attemptID, err := id.ParseAttemptID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriberID(m.SubscriberID)
	if err != nil {
		return nil, err
	}
	return &attempt.Attempt{
		Entity:           entity(m.CreatedAt, m.UpdatedAt),
		ID:               attemptID,
		SubscriberID:     subID,
		CycleKey:         m.CycleKey,
		AttemptNumber:    m.AttemptNumber,
		OrderID:          m.OrderID,
		Amount:           types.Money{Amount: m.Amount, Currency: m.Currency},
		Status:           attempt.Status(m.Status),
		ProviderChargeID: m.ProviderChargeID,
		RawStatus:        m.RawStatus,
		FailureReason:    m.FailureReason,
		NextRetryAt:      fromNullMicros(m.NextRetryAt),
		ResolvedAt:       fromNullMicros(m.ResolvedAt),
	}, nil
}

func fromAttemptModels(models []attemptModel) ([]*attempt.Attempt, error) {
	result := make([]*attempt.Attempt, len(models))
	for i := range models {
		a, err := fromAttemptModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = a
	}
	return result, nil
}

// ==================== Manual payment models ====================

type manualPaymentModel struct {
	ID           string `db:"id"`
	SubscriberID string `db:"subscriber_id"`
	Amount       int64  `db:"amount"`
	Currency     string `db:"currency"`
	Status       string `db:"status"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func toManualPaymentModel(p *payment.ManualPayment) *manualPaymentModel {
	return &manualPaymentModel{
		ID:           p.ID.String(),
		SubscriberID: p.SubscriberID.String(),
		Amount:       p.Amount.Amount,
		Currency:     p.Amount.Currency,
		Status:       string(p.Status),
		CreatedAt:    micros(p.CreatedAt),
		UpdatedAt:    micros(p.UpdatedAt),
	}
}

// ==================== Consent models ====================

type consentModel struct {
	SubscriberID string        `db:"subscriber_id"`
	GrantedAt    int64         `db:"granted_at"`
	RevokedAt    sql.NullInt64 `db:"revoked_at"`
}

func fromConsentModel(m *consentModel) (*consent.Consent, error) {
	subID, err := id.ParseSubscriberID(m.SubscriberID)
	if err != nil {
		return nil, err
	}
	return &consent.Consent{
		SubscriberID: subID,
		GrantedAt:    fromMicros(m.GrantedAt),
		RevokedAt:    fromNullMicros(m.RevokedAt),
	}, nil
}

// ==================== Event models ====================

type eventModel struct {
	ID           string `db:"id"`
	SubscriberID string `db:"subscriber_id"`
	AttemptID    string `db:"attempt_id"`
	Kind         string `db:"kind"`
	Reason       string `db:"reason"`
	Metadata     string `db:"metadata"`
	CreatedAt    int64  `db:"created_at"`
}

func toEventModel(e *event.Event) *eventModel {
	meta := "{}"
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = string(b)
		}
	}
	return &eventModel{
		ID:           e.ID.String(),
		SubscriberID: e.SubscriberID.String(),
		AttemptID:    e.AttemptID.String(),
		Kind:         string(e.Kind),
		Reason:       e.Reason,
		Metadata:     meta,
		CreatedAt:    micros(e.CreatedAt),
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	eventID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriberID(m.SubscriberID)
	if err != nil {
		return nil, err
	}
	attemptID, err := id.ParseOptional(m.AttemptID)
	if err != nil {
		return nil, err
	}

	var meta map[string]string
	if m.Metadata != "" && m.Metadata != "{}" {
		_ = json.Unmarshal([]byte(m.Metadata), &meta) //nolint:errcheck // best-effort
	}

	return &event.Event{
		ID:           eventID,
		SubscriberID: subID,
		AttemptID:    attemptID,
		Kind:         event.Kind(m.Kind),
		Reason:       m.Reason,
		Metadata:     meta,
		CreatedAt:    fromMicros(m.CreatedAt),
	}, nil
}
