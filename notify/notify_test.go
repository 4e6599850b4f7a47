package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/autopay/id"
)

func TestDispatcherDeliversInBackground(t *testing.T) {
	rec := &Recorder{}
	d := NewDispatcher(rec, nil, time.Second)

	sub := id.NewSubscriberID()
	d.Send(context.Background(), Notification{SubscriberID: sub, Outcome: OutcomeSuccess})
	d.Send(context.Background(), Notification{SubscriberID: sub, Outcome: OutcomeFailure, Reason: "declined"})

	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 1, rec.Count(OutcomeSuccess))
	assert.Equal(t, 1, rec.Count(OutcomeFailure))
	for _, n := range rec.Sent() {
		assert.False(t, n.At.IsZero())
	}

	sent, failed := d.Stats()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, failed)
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	var calls atomic.Int32
	failing := NotifierFunc(func(context.Context, Notification) error {
		calls.Add(1)
		return errors.New("push service down")
	})
	panicking := NotifierFunc(func(context.Context, Notification) error {
		panic("bad template")
	})

	d := NewDispatcher(failing, nil, time.Second)
	d.Send(context.Background(), Notification{SubscriberID: id.NewSubscriberID(), Outcome: OutcomeFailure})
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	_, failed := d.Stats()
	assert.Equal(t, 1, failed)

	p := NewDispatcher(panicking, nil, time.Second)
	p.Send(context.Background(), Notification{SubscriberID: id.NewSubscriberID(), Outcome: OutcomeSuccess})
	require.NoError(t, p.Wait(context.Background()))
	_, failed = p.Stats()
	assert.Equal(t, 1, failed)
}

func TestDispatcherDetachesFromCallerContext(t *testing.T) {
	rec := &Recorder{}
	slow := NotifierFunc(func(ctx context.Context, n Notification) error {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return rec.Notify(ctx, n)
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(slow, nil, time.Second)
	d.Send(ctx, Notification{SubscriberID: id.NewSubscriberID(), Outcome: OutcomeSuccess})
	cancel()

	require.NoError(t, d.Wait(context.Background()))
	assert.Len(t, rec.Sent(), 1)
}

func TestWaitHonoursContext(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(NotifierFunc(func(context.Context, Notification) error {
		<-block
		return nil
	}), nil, time.Minute)
	d.Send(context.Background(), Notification{SubscriberID: id.NewSubscriberID()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
	close(block)
	require.NoError(t, d.Wait(context.Background()))
}
