package natsnotify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/notify"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestPublishesJSONPerOutcome(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, "")

	sub := id.NewSubscriberID()
	err := p.Notify(context.Background(), notify.Notification{
		SubscriberID: sub,
		Outcome:      notify.OutcomeAutopayDisabled,
		Reason:       "retries exhausted",
	})
	require.NoError(t, err)

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "autopay.notify.autopay_disabled", conn.subjects[0])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, sub.String(), decoded["subscriber_id"])
	assert.Equal(t, "retries exhausted", decoded["reason"])
}

func TestPublishErrorIsWrapped(t *testing.T) {
	boom := errors.New("nats: connection closed")
	p := New(&fakeConn{err: boom}, "billing")

	err := p.Notify(context.Background(), notify.Notification{Outcome: notify.OutcomeSuccess})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "billing.success")
}
