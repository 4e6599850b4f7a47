package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/id"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook lists are cached per interface at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onAttemptReserved      []OnAttemptReserved
	onChargeSucceeded      []OnChargeSucceeded
	onChargeFailed         []OnChargeFailed
	onChargePending        []OnChargePending
	onAttemptStale         []OnAttemptStale
	onAutopayDisabled      []OnAutopayDisabled
	onConsentMissing       []OnConsentMissing
	onManualPendingSkipped []OnManualPendingSkipped
	onRunCompleted         []OnRunCompleted
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAttemptReserved); ok {
		r.onAttemptReserved = append(r.onAttemptReserved, v)
	}
	if v, ok := p.(OnChargeSucceeded); ok {
		r.onChargeSucceeded = append(r.onChargeSucceeded, v)
	}
	if v, ok := p.(OnChargeFailed); ok {
		r.onChargeFailed = append(r.onChargeFailed, v)
	}
	if v, ok := p.(OnChargePending); ok {
		r.onChargePending = append(r.onChargePending, v)
	}
	if v, ok := p.(OnAttemptStale); ok {
		r.onAttemptStale = append(r.onAttemptStale, v)
	}
	if v, ok := p.(OnAutopayDisabled); ok {
		r.onAutopayDisabled = append(r.onAutopayDisabled, v)
	}
	if v, ok := p.(OnConsentMissing); ok {
		r.onConsentMissing = append(r.onConsentMissing, v)
	}
	if v, ok := p.(OnManualPendingSkipped); ok {
		r.onManualPendingSkipped = append(r.onManualPendingSkipped, v)
	}
	if v, ok := p.(OnRunCompleted); ok {
		r.onRunCompleted = append(r.onRunCompleted, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedHooks(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnAttemptReserved", reflect.TypeFor[OnAttemptReserved]()},
	{"OnChargeSucceeded", reflect.TypeFor[OnChargeSucceeded]()},
	{"OnChargeFailed", reflect.TypeFor[OnChargeFailed]()},
	{"OnChargePending", reflect.TypeFor[OnChargePending]()},
	{"OnAttemptStale", reflect.TypeFor[OnAttemptStale]()},
	{"OnAutopayDisabled", reflect.TypeFor[OnAutopayDisabled]()},
	{"OnConsentMissing", reflect.TypeFor[OnConsentMissing]()},
	{"OnManualPendingSkipped", reflect.TypeFor[OnManualPendingSkipped]()},
	{"OnRunCompleted", reflect.TypeFor[OnRunCompleted]()},
}

// implementedHooks lists the hook interfaces p implements.
func implementedHooks(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitAttemptReserved emits an attempt reserved event.
func (r *Registry) EmitAttemptReserved(ctx context.Context, a *attempt.Attempt) {
	emit(ctx, r, "OnAttemptReserved", snapshot(r, &r.onAttemptReserved), func(p OnAttemptReserved) error {
		return p.OnAttemptReserved(ctx, a)
	})
}

// EmitChargeSucceeded emits a charge succeeded event.
func (r *Registry) EmitChargeSucceeded(ctx context.Context, a *attempt.Attempt, expiresAt time.Time) {
	emit(ctx, r, "OnChargeSucceeded", snapshot(r, &r.onChargeSucceeded), func(p OnChargeSucceeded) error {
		return p.OnChargeSucceeded(ctx, a, expiresAt)
	})
}

// EmitChargeFailed emits a charge failed event.
func (r *Registry) EmitChargeFailed(ctx context.Context, a *attempt.Attempt, reason string) {
	emit(ctx, r, "OnChargeFailed", snapshot(r, &r.onChargeFailed), func(p OnChargeFailed) error {
		return p.OnChargeFailed(ctx, a, reason)
	})
}

// EmitChargePending emits a charge pending event.
func (r *Registry) EmitChargePending(ctx context.Context, a *attempt.Attempt) {
	emit(ctx, r, "OnChargePending", snapshot(r, &r.onChargePending), func(p OnChargePending) error {
		return p.OnChargePending(ctx, a)
	})
}

// EmitAttemptStale emits an attempt stale event.
func (r *Registry) EmitAttemptStale(ctx context.Context, a *attempt.Attempt) {
	emit(ctx, r, "OnAttemptStale", snapshot(r, &r.onAttemptStale), func(p OnAttemptStale) error {
		return p.OnAttemptStale(ctx, a)
	})
}

// EmitAutopayDisabled emits an autopay disabled event.
func (r *Registry) EmitAutopayDisabled(ctx context.Context, subscriberID id.SubscriberID, reason string) {
	emit(ctx, r, "OnAutopayDisabled", snapshot(r, &r.onAutopayDisabled), func(p OnAutopayDisabled) error {
		return p.OnAutopayDisabled(ctx, subscriberID, reason)
	})
}

// EmitConsentMissing emits a consent missing event.
func (r *Registry) EmitConsentMissing(ctx context.Context, subscriberID id.SubscriberID) {
	emit(ctx, r, "OnConsentMissing", snapshot(r, &r.onConsentMissing), func(p OnConsentMissing) error {
		return p.OnConsentMissing(ctx, subscriberID)
	})
}

// EmitManualPendingSkipped emits a manual pending skip event.
func (r *Registry) EmitManualPendingSkipped(ctx context.Context, subscriberID id.SubscriberID) {
	emit(ctx, r, "OnManualPendingSkipped", snapshot(r, &r.onManualPendingSkipped), func(p OnManualPendingSkipped) error {
		return p.OnManualPendingSkipped(ctx, subscriberID)
	})
}

// EmitRunCompleted emits a run completed event.
func (r *Registry) EmitRunCompleted(ctx context.Context, summary RunSummary) {
	emit(ctx, r, "OnRunCompleted", snapshot(r, &r.onRunCompleted), func(p OnRunCompleted) error {
		return p.OnRunCompleted(ctx, summary)
	})
}

// snapshot reads a hook list under the read lock.
func snapshot[T Plugin](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

// emit calls fn for every plugin in list. Failures are logged, never returned.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list []T, fn func(T) error) {
	for _, p := range list {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block the charge pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
