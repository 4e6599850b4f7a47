// Package natsnotify publishes autopay notifications to NATS as JSON.
package natsnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/xraph/autopay/notify"
)

// DefaultSubject prefixes published subjects; the outcome is appended,
// e.g. "autopay.notify.success".
const DefaultSubject = "autopay.notify"

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Publisher implements notify.Notifier over NATS.
type Publisher struct {
	conn    Conn
	subject string
}

var _ notify.Notifier = (*Publisher)(nil)

// New wraps an established connection. An empty subject uses DefaultSubject.
func New(conn Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject}
}

// Connect dials url and returns a publisher plus the connection to close
// at shutdown.
func Connect(url, subject string, opts ...nats.Option) (*Publisher, *nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	opts = append([]nats.Option{nats.Name("autopay")}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("autopay/nats: connect %s: %w", url, err)
	}
	return New(nc, subject), nc, nil
}

// Subject returns the subject a notification is published on.
func (p *Publisher) Subject(n notify.Notification) string {
	return p.subject + "." + string(n.Outcome)
}

// Notify implements notify.Notifier.
func (p *Publisher) Notify(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("autopay/nats: encode notification: %w", err)
	}
	if err := p.conn.Publish(p.Subject(n), data); err != nil {
		return fmt.Errorf("autopay/nats: publish %s: %w", p.Subject(n), err)
	}
	return nil
}
