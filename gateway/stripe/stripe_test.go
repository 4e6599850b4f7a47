package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/gateway"
	"github.com/xraph/autopay/types"
)

func fakeClient(create func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)) *Client {
	return &Client{
		newIntent: create,
		getIntent: func(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{
				ID:            id,
				Status:        stripe.PaymentIntentStatusSucceeded,
				Created:       1772355600,
				PaymentMethod: &stripe.PaymentMethod{ID: "pm_rotated"},
			}, nil
		},
	}
}

func TestChargeSendsIdempotentOffSessionIntent(t *testing.T) {
	var got *stripe.PaymentIntentParams
	c := fakeClient(func(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		got = p
		return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}, nil
	})

	resp, err := c.Charge(context.Background(), gateway.ChargeRequest{
		OrderID:      "ap-sbr-20260301-1",
		Amount:       types.USD(4900),
		BillingToken: "pm_card",
		CustomerRef:  "cus_1",
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_1", resp.ProviderChargeID)
	assert.Equal(t, attempt.StatusSuccess, StatusMap.Map(resp.RawStatus))
	require.NotNil(t, got)
	assert.Equal(t, "ap-sbr-20260301-1", *got.IdempotencyKey)
	assert.Equal(t, int64(4900), *got.Amount)
	assert.Equal(t, "usd", *got.Currency)
	assert.True(t, *got.OffSession)
	assert.True(t, *got.Confirm)
	assert.Equal(t, "cus_1", *got.Customer)
}

func TestChargeDeclineCarriesIntent(t *testing.T) {
	c := fakeClient(func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, &stripe.Error{
			Type:        stripe.ErrorTypeCard,
			Code:        stripe.ErrorCodeCardDeclined,
			DeclineCode: stripe.DeclineCodeInsufficientFunds,
			PaymentIntent: &stripe.PaymentIntent{
				ID:     "pi_2",
				Status: stripe.PaymentIntentStatusRequiresPaymentMethod,
			},
		}
	})

	resp, err := c.Charge(context.Background(), gateway.ChargeRequest{OrderID: "ap-1", Amount: types.USD(100)})
	require.NoError(t, err)
	assert.Equal(t, "pi_2", resp.ProviderChargeID)
	assert.Equal(t, attempt.StatusFail, StatusMap.Map(resp.RawStatus))
	assert.Equal(t, "insufficient_funds", resp.Reason)
}

func TestChargeTransportFailure(t *testing.T) {
	c := fakeClient(func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	})

	resp, err := c.Charge(context.Background(), gateway.ChargeRequest{OrderID: "ap-1", Amount: types.USD(100)})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestPollStatus(t *testing.T) {
	c := fakeClient(nil)

	res, err := c.PollStatus(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", res.RawStatus)
	require.NotNil(t, res.SettledAt)
	assert.Equal(t, int64(1772355600), res.SettledAt.Unix())
	assert.Equal(t, "pm_rotated", res.BillingToken)
}

func TestStatusMapRequiresActionFails(t *testing.T) {
	assert.Equal(t, attempt.StatusFail, StatusMap.Map("requires_action"))
	assert.Equal(t, attempt.StatusPending, StatusMap.Map("processing"))
	assert.Equal(t, attempt.StatusGatewayError, StatusMap.Map("something_new"))
}
