// Package gateway defines the payment-provider contract used by autopay and
// the mapping from provider status strings onto attempt statuses.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/types"
)

// ErrUnavailable marks transport-level failures: the provider could not be
// reached or answered without identifying a charge.
var ErrUnavailable = errors.New("gateway: unavailable")

// ChargeRequest asks the provider to collect one recurring payment.
// OrderID is the provider-side idempotency key; repeating a request with the
// same OrderID must not create a second real-world charge.
type ChargeRequest struct {
	OrderID      string
	Amount       types.Money
	BillingToken string
	CustomerRef  string
	Description  string
}

// ChargeResponse identifies the provider-side charge. ProviderChargeID may
// be empty when the provider rejected the request before creating one.
type ChargeResponse struct {
	ProviderChargeID string
	RawStatus        string
	Reason           string
}

// PollResult is the provider's current view of a charge. SettledAt is nil
// while unresolved; BillingToken is set when the provider rotated it.
type PollResult struct {
	RawStatus    string
	SettledAt    *time.Time
	BillingToken string
	Reason       string
}

// Client talks to a payment provider.
type Client interface {
	// Charge returns an error only when no charge could be identified.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
	PollStatus(ctx context.Context, providerChargeID string) (*PollResult, error)
}

// StatusMap maps provider status strings onto attempt statuses. Lookups are
// case-insensitive. Unknown strings map to gateway_error.
type StatusMap map[string]attempt.Status

// Map resolves raw; the empty string and unknown values are gateway errors.
func (m StatusMap) Map(raw string) attempt.Status {
	if st, ok := m[statusKey(raw)]; ok {
		return st
	}
	return attempt.StatusGatewayError
}

// Merge returns a copy of m overlaid with extra, keyed the way Map looks
// statuses up.
func (m StatusMap) Merge(extra StatusMap) StatusMap {
	out := make(StatusMap, len(m)+len(extra))
	for k, v := range m {
		out[statusKey(k)] = v
	}
	for k, v := range extra {
		out[statusKey(k)] = v
	}
	return out
}

func statusKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// DefaultStatusMap covers the status vocabulary common to card processors.
var DefaultStatusMap = StatusMap{
	"success":   attempt.StatusSuccess,
	"succeeded": attempt.StatusSuccess,
	"paid":      attempt.StatusSuccess,
	"approved":  attempt.StatusSuccess,
	"done":      attempt.StatusSuccess,

	"pending":     attempt.StatusPending,
	"processing":  attempt.StatusPending,
	"ready":       attempt.StatusPending,
	"in_progress": attempt.StatusPending,

	"fail":     attempt.StatusFail,
	"failed":   attempt.StatusFail,
	"declined": attempt.StatusFail,
	"aborted":  attempt.StatusFail,

	"cancel":    attempt.StatusCancel,
	"canceled":  attempt.StatusCancel,
	"cancelled": attempt.StatusCancel,
	"expired":   attempt.StatusCancel,
}
