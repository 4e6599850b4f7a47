// Package stripe implements gateway.Client on Stripe PaymentIntents.
//
// Charges are confirmed off-session against a saved PaymentMethod (the
// billing token) and use the order id as the Stripe idempotency key.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/gateway"
)

// StatusMap maps PaymentIntent statuses. Off-session renewals cannot
// complete customer action, so requires_action is a failure.
var StatusMap = gateway.DefaultStatusMap.Merge(gateway.StatusMap{
	string(stripe.PaymentIntentStatusSucceeded):             attempt.StatusSuccess,
	string(stripe.PaymentIntentStatusProcessing):            attempt.StatusPending,
	string(stripe.PaymentIntentStatusRequiresCapture):       attempt.StatusPending,
	string(stripe.PaymentIntentStatusRequiresPaymentMethod): attempt.StatusFail,
	string(stripe.PaymentIntentStatusRequiresAction):        attempt.StatusFail,
	string(stripe.PaymentIntentStatusRequiresConfirmation):  attempt.StatusFail,
	string(stripe.PaymentIntentStatusCanceled):              attempt.StatusCancel,
})

// Client is a Stripe-backed gateway.
type Client struct {
	newIntent func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getIntent func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// Compile-time interface check.
var _ gateway.Client = (*Client)(nil)

// New configures the Stripe API key and returns a client.
func New(apiKey string) *Client {
	stripe.Key = apiKey
	return &Client{
		newIntent: paymentintent.New,
		getIntent: paymentintent.Get,
	}
}

// Charge creates and confirms a PaymentIntent.
func (c *Client) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.Amount),
		Currency:      stripe.String(req.Amount.Currency),
		PaymentMethod: stripe.String(req.BillingToken),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.OrderID)
	params.AddMetadata("order_id", req.OrderID)

	pi, err := c.newIntent(params)
	if err != nil {
		return declined(err)
	}
	return &gateway.ChargeResponse{ProviderChargeID: pi.ID, RawStatus: string(pi.Status)}, nil
}

// PollStatus retrieves the PaymentIntent.
func (c *Client) PollStatus(ctx context.Context, providerChargeID string) (*gateway.PollResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.getIntent(providerChargeID, params)
	if err != nil {
		return nil, fmt.Errorf("autopay/stripe: get payment intent %s: %w", providerChargeID, transport(err))
	}

	res := &gateway.PollResult{RawStatus: string(pi.Status)}
	if StatusMap.Map(res.RawStatus).IsTerminal() {
		at := time.Unix(pi.Created, 0).UTC()
		if pi.LatestCharge != nil && pi.LatestCharge.Created > 0 {
			at = time.Unix(pi.LatestCharge.Created, 0).UTC()
		}
		res.SettledAt = &at
	}
	if pi.PaymentMethod != nil {
		res.BillingToken = pi.PaymentMethod.ID
	}
	if pi.LastPaymentError != nil {
		res.Reason = string(pi.LastPaymentError.Code)
	}
	return res, nil
}

// declined turns card errors that carry the PaymentIntent into a response;
// everything else is a transport failure.
func declined(err error) (*gateway.ChargeResponse, error) {
	var se *stripe.Error
	if errors.As(err, &se) && se.PaymentIntent != nil && se.PaymentIntent.ID != "" {
		reason := string(se.Code)
		if se.DeclineCode != "" {
			reason = string(se.DeclineCode)
		}
		return &gateway.ChargeResponse{
			ProviderChargeID: se.PaymentIntent.ID,
			RawStatus:        string(se.PaymentIntent.Status),
			Reason:           reason,
		}, nil
	}
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		return &gateway.ChargeResponse{RawStatus: "declined", Reason: string(se.Code)}, nil
	}
	return nil, fmt.Errorf("autopay/stripe: create payment intent: %w", transport(err))
}

func transport(err error) error {
	return fmt.Errorf("%w: %w", gateway.ErrUnavailable, err)
}
