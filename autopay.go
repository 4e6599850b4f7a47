package autopay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/consent"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/gateway"
	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/notify"
	"github.com/xraph/autopay/payment"
	"github.com/xraph/autopay/plugin"
	"github.com/xraph/autopay/store"
	"github.com/xraph/autopay/subscriber"
	"github.com/xraph/autopay/types"
)

// Engine is the recurring-charge reconciliation engine. It holds no
// cross-run state: every coordination decision goes through the store's
// uniqueness constraints, so several engines may run against one store.
type Engine struct {
	store     store.Store
	gateway   gateway.Client
	consent   consent.Guard
	notifier  notify.Notifier
	dispatch  *notify.Dispatcher
	plugins   *plugin.Registry
	logger    *slog.Logger
	statusMap gateway.StatusMap
	config    Config
	now       func() time.Time
}

// New creates an Engine. Consent defaults to the store's consent rows and
// notifications default to the logger.
func New(s store.Store, gw gateway.Client, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		gateway:   gw,
		plugins:   plugin.NewRegistry(),
		logger:    slog.Default(),
		statusMap: gateway.DefaultStatusMap,
		config:    DefaultConfig(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.config = e.config.withDefaults()
	if e.consent == nil {
		e.consent = consent.StoreGuard{Store: s}
	}
	if e.notifier == nil {
		e.notifier = notify.LogNotifier{Logger: e.logger}
	}
	e.dispatch = notify.NewDispatcher(e.notifier, e.logger, e.config.NotifyTimeout)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithConsentGuard sets the consent check run before every reservation.
func WithConsentGuard(g consent.Guard) Option {
	return func(e *Engine) { e.consent = g }
}

// WithNotifier sets where subscriber notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithStatusMap sets the gateway status vocabulary. Keys match raw
// statuses case-insensitively.
func WithStatusMap(m gateway.StatusMap) Option {
	return func(e *Engine) { e.statusMap = gateway.StatusMap{}.Merge(m) }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Config returns the resolved configuration.
func (e *Engine) Config() Config { return e.config }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Start validates the configuration, migrates the store and initializes
// plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.config.Validate(); err != nil {
		return err
	}
	if e.gateway == nil {
		return ValidationError{Field: "gateway", Message: "no gateway client configured"}
	}

	if !e.config.DisableMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("autopay started",
		"max_attempts", e.config.Retry.MaxAttempts(),
		"renewal_period", e.config.RenewalPeriod,
		"pending_ttl", e.config.PendingTTL,
		"workers", e.config.Workers,
	)

	return nil
}

// Stop waits for queued notifications, shuts plugins down and closes the
// store.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.dispatch.Wait(ctx); err != nil {
		e.logger.Warn("autopay: notifications still queued at shutdown", "error", err)
	}

	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Drain waits for queued notifications without stopping the engine.
func (e *Engine) Drain(ctx context.Context) error {
	return e.dispatch.Wait(ctx)
}

// ──────────────────────────────────────────────────
// Subscriber management
// ──────────────────────────────────────────────────

// Enroll stores a new subscriber.
func (e *Engine) Enroll(ctx context.Context, s *subscriber.Subscriber) error {
	if s.ID.IsNil() {
		s.ID = id.NewSubscriberID()
	}
	if s.CreatedAt.IsZero() {
		s.Entity = types.NewEntity(e.now())
	}
	return e.store.CreateSubscriber(ctx, s)
}

// GetSubscriber retrieves a subscriber by ID.
func (e *Engine) GetSubscriber(ctx context.Context, subID id.SubscriberID) (*subscriber.Subscriber, error) {
	return e.store.GetSubscriber(ctx, subID)
}

// EnableAutopay turns autopay back on. It requires a stored billing token.
func (e *Engine) EnableAutopay(ctx context.Context, subID id.SubscriberID) error {
	s, err := e.store.GetSubscriber(ctx, subID)
	if err != nil {
		return err
	}
	if s.BillingToken == "" {
		return ErrNoBillingToken
	}
	return e.store.EnableAutopay(ctx, subID)
}

// DisableAutopay turns autopay off on request.
func (e *Engine) DisableAutopay(ctx context.Context, subID id.SubscriberID, reason string) error {
	_, err := e.store.DisableAutopay(ctx, subID, reason, e.now())
	return err
}

// GrantConsent records consent for unattended charging.
func (e *Engine) GrantConsent(ctx context.Context, subID id.SubscriberID) error {
	return e.store.GrantConsent(ctx, subID, e.now())
}

// RevokeConsent withdraws consent. Autopay stays enabled; attempts are
// skipped until consent is granted again.
func (e *Engine) RevokeConsent(ctx context.Context, subID id.SubscriberID) error {
	return e.store.RevokeConsent(ctx, subID, e.now())
}

// RecordManualPayment stores a checkout payment that competes with autopay.
func (e *Engine) RecordManualPayment(ctx context.Context, p *payment.ManualPayment) error {
	if p.ID.IsNil() {
		p.ID = id.NewManualPaymentID()
	}
	return e.store.CreateManualPayment(ctx, p)
}

// Attempts lists a subscriber's attempts, newest cycle first.
func (e *Engine) Attempts(ctx context.Context, subID id.SubscriberID, opts attempt.ListOpts) ([]*attempt.Attempt, error) {
	return e.store.ListBySubscriber(ctx, subID, opts)
}

// Events lists a subscriber's audit events.
func (e *Engine) Events(ctx context.Context, subID id.SubscriberID, opts event.ListOpts) ([]*event.Event, error) {
	return e.store.ListEvents(ctx, subID, opts)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// audit records an event. The ledger row is the source of truth, so a lost
// event is logged and otherwise ignored.
func (e *Engine) audit(ctx context.Context, kind event.Kind, subID id.SubscriberID, attemptID id.AttemptID, reason string, kv ...string) {
	evt := event.New(kind, subID, attemptID, reason, e.now())
	if len(kv) > 1 {
		evt.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			evt.Metadata[kv[i]] = kv[i+1]
		}
	}
	if err := e.store.RecordEvent(ctx, evt); err != nil {
		e.logger.Warn("autopay: failed to record event",
			"kind", string(kind),
			"subscriber_id", subID.String(),
			"error", err,
		)
	}
}

func (e *Engine) notify(ctx context.Context, subID id.SubscriberID, outcome notify.Outcome, reason string, attemptID id.AttemptID) {
	e.dispatch.Send(ctx, notify.Notification{
		SubscriberID: subID,
		Outcome:      outcome,
		Reason:       reason,
		AttemptID:    attemptID,
		At:           e.now().UTC(),
	})
}

// isConflictLoss reports errors meaning another execution resolved the
// attempt first.
func isConflictLoss(err error) bool {
	return errors.Is(err, ErrAttemptNotPending) || errors.Is(err, ErrCycleSettled)
}
