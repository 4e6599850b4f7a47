package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/gateway"
	"github.com/xraph/autopay/types"
)

func req(order, token string) gateway.ChargeRequest {
	return gateway.ChargeRequest{OrderID: order, Amount: types.KRW(9900), BillingToken: token}
}

func TestChargeIsIdempotentByOrderID(t *testing.T) {
	ctx := context.Background()
	g := New()

	first, err := g.Charge(ctx, req("ap-1", "tok"))
	require.NoError(t, err)
	second, err := g.Charge(ctx, req("ap-1", "tok"))
	require.NoError(t, err)

	assert.Equal(t, first.ProviderChargeID, second.ProviderChargeID)
	assert.Equal(t, 1, g.Charges())
	assert.Equal(t, 2, g.Calls())
	assert.Len(t, g.Requests(), 1)
}

func TestTokenDrivenOutcomes(t *testing.T) {
	ctx := context.Background()
	g := New()

	tests := []struct {
		token string
		want  attempt.Status
	}{
		{"tok_ok", attempt.StatusSuccess},
		{"tok_decline", attempt.StatusFail},
		{"tok_cancel", attempt.StatusCancel},
		{"tok_pending", attempt.StatusPending},
	}
	for _, tt := range tests {
		resp, err := g.Charge(ctx, req("ap-"+tt.token, tt.token))
		require.NoError(t, err)
		assert.Equal(t, tt.want, gateway.DefaultStatusMap.Map(resp.RawStatus), tt.token)
	}

	_, err := g.Charge(ctx, req("ap-err", "tok_error"))
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestScriptAndSettle(t *testing.T) {
	ctx := context.Background()
	g := New()
	g.Script(Outcome{RawStatus: "processing"}, Outcome{RawStatus: "declined", NoID: true})

	resp, err := g.Charge(ctx, req("ap-1", "tok"))
	require.NoError(t, err)
	require.NotEmpty(t, resp.ProviderChargeID)

	poll, err := g.PollStatus(ctx, resp.ProviderChargeID)
	require.NoError(t, err)
	assert.Equal(t, "processing", poll.RawStatus)
	assert.Nil(t, poll.SettledAt)

	require.NoError(t, g.Settle(resp.ProviderChargeID, "succeeded"))
	poll, err = g.PollStatus(ctx, resp.ProviderChargeID)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", poll.RawStatus)
	assert.NotNil(t, poll.SettledAt)

	resp, err = g.Charge(ctx, req("ap-2", "tok"))
	require.NoError(t, err)
	assert.Empty(t, resp.ProviderChargeID)

	_, err = g.PollStatus(ctx, "sbx_missing")
	assert.Error(t, err)
}
