// Package notify tells subscribers about renewal outcomes. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/autopay/id"
)

// Outcome is what the subscriber is told.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFailure         Outcome = "failure"
	OutcomeAutopayDisabled Outcome = "autopay_disabled"
)

// Notification is one message to a subscriber.
type Notification struct {
	SubscriberID id.SubscriberID `json:"subscriber_id"`
	Outcome      Outcome         `json:"outcome"`
	Reason       string          `json:"reason,omitempty"`
	AttemptID    id.AttemptID    `json:"attempt_id,omitempty"`
	At           time.Time       `json:"at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop discards notifications.
var Nop Notifier = NotifierFunc(func(context.Context, Notification) error { return nil })

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "subscriber notified",
		"subscriber_id", n.SubscriberID.String(),
		"outcome", string(n.Outcome),
		"reason", n.Reason,
		"attempt_id", n.AttemptID.String(),
	)
	return nil
}

// DefaultTimeout bounds one delivery.
const DefaultTimeout = 10 * time.Second

// Dispatcher sends notifications on background goroutines.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup

	mu   sync.Mutex
	sent int
	lost int
}

// NewDispatcher wraps n. A nil logger uses slog.Default; a non-positive
// timeout uses DefaultTimeout.
func NewDispatcher(n Notifier, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if n == nil {
		n = Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{notifier: n, logger: logger, timeout: timeout}
}

// Send queues n and returns immediately. The delivery context is detached
// from ctx so a finished run does not cancel pending notifications.
func (d *Dispatcher) Send(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.record(false)
				d.logger.Error("notifier panicked", "subscriber_id", n.SubscriberID.String(), "panic", r)
			}
		}()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(sendCtx, n); err != nil {
			d.record(false)
			d.logger.Warn("notification failed",
				"subscriber_id", n.SubscriberID.String(),
				"outcome", string(n.Outcome),
				"error", err,
			)
			return
		}
		d.record(true)
	}()
}

// Wait blocks until queued notifications finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivered and failed notification counts.
func (d *Dispatcher) Stats() (sent, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent, d.lost
}

func (d *Dispatcher) record(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ok {
		d.sent++
	} else {
		d.lost++
	}
}

// Recorder is an in-memory Notifier for tests and dry runs.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Count returns how many notifications with outcome o were recorded.
func (r *Recorder) Count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Outcome == o {
			n++
		}
	}
	return n
}
