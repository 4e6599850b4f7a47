package postgres

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/consent"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/payment"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

// pgx decodes timestamptz in the local zone; the domain works in UTC.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func entity(created, updated time.Time) types.Entity {
	return types.Entity{CreatedAt: created.UTC(), UpdatedAt: updated.UTC()}
}

// ==================== Subscriber models ====================

type subscriberModel struct {
	grove.BaseModel `grove:"table:autopay_subscribers"`

	ID                    string     `grove:"id,pk"`
	CustomerRef           string     `grove:"customer_ref"`
	ExpiresAt             *time.Time `grove:"expires_at"`
	AutopayEnabled        bool       `grove:"autopay_enabled"`
	BillingToken          string     `grove:"billing_token"`
	AutopayDisabledAt     *time.Time `grove:"autopay_disabled_at"`
	AutopayDisabledReason string     `grove:"autopay_disabled_reason"`
	CreatedAt             time.Time  `grove:"created_at"`
	UpdatedAt             time.Time  `grove:"updated_at"`
}

func toSubscriberModel(sub *subscriber.Subscriber) *subscriberModel {
	return &subscriberModel{
		ID:                    sub.ID.String(),
		CustomerRef:           sub.CustomerRef,
		ExpiresAt:             sub.ExpiresAt,
		AutopayEnabled:        sub.AutopayEnabled,
		BillingToken:          sub.BillingToken,
		AutopayDisabledAt:     sub.AutopayDisabledAt,
		AutopayDisabledReason: sub.AutopayDisabledReason,
		CreatedAt:             sub.CreatedAt,
		UpdatedAt:             sub.UpdatedAt,
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
		ExpiresAt:             utc(m.ExpiresAt),
		AutopayEnabled:        m.AutopayEnabled,
		BillingToken:          m.BillingToken,
		AutopayDisabledAt:     utc(m.AutopayDisabledAt),
		AutopayDisabledReason: m.AutopayDisabledReason,
	}, nil
}

// ==================== Attempt models ====================

type attemptModel struct {
	grove.BaseModel `grove:"table:autopay_attempts"`

	ID               string     `grove:"id,pk"`
	SubscriberID     string     `grove:"subscriber_id"`
	CycleKey         string     `grove:"cycle_key"`
	AttemptNumber    int        `grove:"attempt_number"`
	OrderID          string     `grove:"order_id"`
	Amount           int64      `grove:"amount"`
	Currency         string     `grove:"currency"`
	Status           string     `grove:"status"`
	ProviderChargeID string     `grove:"provider_charge_id"`
	RawStatus        string     `grove:"raw_status"`
	FailureReason    string     `grove:"failure_reason"`
	NextRetryAt      *time.Time `grove:"next_retry_at"`
	ResolvedAt       *time.Time `grove:"resolved_at"`
	CreatedAt        time.Time  `grove:"created_at"`
	UpdatedAt        time.Time  `grove:"updated_at"`
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
		NextRetryAt:      a.NextRetryAt,
		ResolvedAt:       a.ResolvedAt,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
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
		NextRetryAt:      utc(m.NextRetryAt),
		ResolvedAt:       utc(m.ResolvedAt),
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

// ==================== Consent models ====================

type consentModel struct {
	grove.BaseModel `grove:"table:autopay_consents"`

	SubscriberID string     `grove:"subscriber_id,pk"`
	GrantedAt    time.Time  `grove:"granted_at"`
	RevokedAt    *time.Time `grove:"revoked_at"`
}

func fromConsentModel(m *consentModel) (*consent.Consent, error) {
	subID, err := id.ParseSubscriberID(m.SubscriberID)
	if err != nil {
		return nil, err
	}
	return &consent.Consent{
		SubscriberID: subID,
		GrantedAt:    m.GrantedAt.UTC(),
		RevokedAt:    utc(m.RevokedAt),
	}, nil
}

// ==================== Event models ====================

type eventModel struct {
	grove.BaseModel `grove:"table:autopay_events"`

	ID           string          `grove:"id,pk"`
	SubscriberID string          `grove:"subscriber_id"`
	AttemptID    string          `grove:"attempt_id"`
	Kind         string          `grove:"kind"`
	Reason       string          `grove:"reason"`
	Metadata     json.RawMessage `grove:"metadata,type:jsonb"`
	CreatedAt    time.Time       `grove:"created_at"`
}

func metadataJSON(e *event.Event) json.RawMessage {
	if len(e.Metadata) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func toEventModel(e *event.Event) *eventModel {
	return &eventModel{
		ID:           e.ID.String(),
		SubscriberID: e.SubscriberID.String(),
		AttemptID:    e.AttemptID.String(),
		Kind:         string(e.Kind),
		Reason:       e.Reason,
		Metadata:     metadataJSON(e),
		CreatedAt:    e.CreatedAt,
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
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta) //nolint:errcheck // best-effort
	}
	if len(meta) == 0 {
		meta = nil
	}

	return &event.Event{
		ID:           eventID,
		SubscriberID: subID,
		AttemptID:    attemptID,
		Kind:         event.Kind(m.Kind),
		Reason:       m.Reason,
		Metadata:     meta,
		CreatedAt:    m.CreatedAt.UTC(),
	}, nil
}

// ==================== Manual payment models ====================

type manualPaymentModel struct {
	grove.BaseModel `grove:"table:autopay_manual_payments"`

	ID           string    `grove:"id,pk"`
	SubscriberID string    `grove:"subscriber_id"`
	Amount       int64     `grove:"amount"`
	Currency     string    `grove:"currency"`
	Status       string    `grove:"status"`
	CreatedAt    time.Time `grove:"created_at"`
	UpdatedAt    time.Time `grove:"updated_at"`
}

func toManualPaymentModel(p *payment.ManualPayment) *manualPaymentModel {
	return &manualPaymentModel{
		ID:           p.ID.String(),
		SubscriberID: p.SubscriberID.String(),
		Amount:       p.Amount.Amount,
		Currency:     p.Amount.Currency,
		Status:       string(p.Status),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}
