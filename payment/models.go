// Package payment records manual (checkout) payments, which compete with
// autopay for the same renewal.
package payment

import (
	"context"
	"time"

	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/types"
)

// Status of a manual payment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// ManualPayment is a user-initiated payment for the same product.
type ManualPayment struct {
	types.Entity
	ID           id.ManualPaymentID `json:"id"`
	SubscriberID id.SubscriberID    `json:"subscriber_id"`
	Amount       types.Money        `json:"amount"`
	Status       Status             `json:"status"`
}

// New creates a pending manual payment.
func New(subscriberID id.SubscriberID, amount types.Money, now time.Time) *ManualPayment {
	return &ManualPayment{
		Entity:       types.NewEntity(now),
		ID:           id.NewManualPaymentID(),
		SubscriberID: subscriberID,
		Amount:       amount,
		Status:       StatusPending,
	}
}

// Covers reports whether p looks like an in-flight renewal: pending, created
// at or after since, and at least minAmount.
func (p *ManualPayment) Covers(since time.Time, minAmount int64) bool {
	return p.Status == StatusPending && !p.CreatedAt.Before(since) && p.Amount.Amount >= minAmount
}

// Store persists manual payments.
type Store interface {
	CreateManualPayment(ctx context.Context, p *ManualPayment) error
	UpdateManualPaymentStatus(ctx context.Context, paymentID id.ManualPaymentID, status Status) error
	HasPendingManual(ctx context.Context, subscriberID id.SubscriberID, since time.Time, minAmount int64) (bool, error)
}
