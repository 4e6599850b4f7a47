package extension

import (
	"time"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/gateway"
	"github.com/xraph/autopay/plugin"
	"github.com/xraph/autopay/store"
)

// Option configures the autopay Forge extension.
type Option func(*Extension)

// WithStore sets the store for the autopay engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGateway sets the payment gateway client.
func WithGateway(gw gateway.Client) Option {
	return func(e *Extension) {
		e.gateway = gw
	}
}

// WithEngineOption passes an autopay.Option through to the underlying engine.
func WithEngineOption(opt autopay.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an autopay plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, autopay.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithInterval schedules charge and reconcile passes while started.
func WithInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.Interval = d }
}

// WithWorkers bounds concurrent subscribers per pass.
func WithWorkers(n int) Option {
	return func(e *Extension) { e.config.Workers = n }
}
