// Package extension provides the Forge extension adapter for autopay.
//
// It implements the forge.Extension interface to integrate the autopay
// engine into a Forge application with DI registration, lifecycle
// management and an optional in-process schedule.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.autopay" or "autopay" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/gateway"
	"github.com/xraph/autopay/store"
	"github.com/xraph/autopay/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "autopay"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Recurring-charge autopay reconciliation engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the autopay engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *autopay.Engine
	store      store.Store
	gateway    gateway.Client
	engineOpts []autopay.Option

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new autopay Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying autopay engine.
// This is nil until Register is called.
func (e *Extension) Engine() *autopay.Engine { return e.engine }

// Config returns the resolved extension configuration.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	eng, err := e.buildEngine()
	if err != nil {
		return err
	}
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*autopay.Engine, error) {
		return e.engine, nil
	})
}

// errNoGateway is returned when the extension is registered without
// WithGateway. Charges always go to a gateway the host chose.
var errNoGateway = errors.New("autopay: no gateway configured, use WithGateway")

// buildEngine constructs the engine from the resolved config. Without an
// explicit store the extension keeps its ledger in memory.
func (e *Extension) buildEngine() (*autopay.Engine, error) {
	cfg, err := e.config.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("autopay: %w", err)
	}

	if e.gateway == nil {
		return nil, errNoGateway
	}
	if e.store == nil {
		e.store = memory.New()
	}

	opts := make([]autopay.Option, 0, len(e.engineOpts)+1)
	opts = append(opts, autopay.WithConfig(cfg))
	opts = append(opts, e.engineOpts...)

	return autopay.New(e.store, e.gateway, opts...), nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("autopay: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	if e.config.Interval > 0 {
		runCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.wg.Add(1)
		go e.schedule(runCtx, e.config.Interval)
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension]. A pass in progress is cancelled and
// awaited before the engine stops.
func (e *Extension) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
		e.cancel = nil
	}
	if e.engine != nil {
		if err := e.engine.Stop(ctx); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("autopay: store not initialized")
	}
	return e.store.Ping(ctx)
}

// RunOnce runs a charge pass and then a reconcile pass.
func (e *Extension) RunOnce(ctx context.Context) (charge, reconcile *autopay.RunReport, err error) {
	if e.engine == nil {
		return nil, nil, errors.New("autopay: extension not initialized")
	}
	charge, err = e.engine.RunDue(ctx, autopay.RunOptions{})
	if err != nil {
		return charge, nil, err
	}
	reconcile, err = e.engine.ReconcilePending(ctx, autopay.ReconcileOptions{})
	return charge, reconcile, err
}

func (e *Extension) schedule(ctx context.Context, every time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			charge, reconcile, err := e.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.Logger().Warn("autopay: scheduled pass failed", forge.F("error", err.Error()))
				continue
			}
			e.Logger().Debug("autopay: scheduled pass finished",
				forge.F("scanned", charge.Scanned),
				forge.F("reserved", charge.Reserved()),
				forge.F("reconciled", reconcile.Scanned),
			)
		}
	}
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("autopay: configuration is required but not found in config files; " +
				"ensure 'extensions.autopay' or 'autopay' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("autopay: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("amount", e.config.Amount),
		forge.F("currency", e.config.Currency),
		forge.F("renewal_period", e.config.RenewalPeriod),
		forge.F("lead_time", e.config.LeadTime),
		forge.F("workers", e.config.Workers),
		forge.F("interval", e.config.Interval),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.autopay", "autopay"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("autopay: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("autopay: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Amount == 0 {
		cfg.Amount = defaults.Amount
	}
	if cfg.Currency == "" {
		cfg.Currency = defaults.Currency
	}
	if cfg.RenewalPeriod == 0 {
		cfg.RenewalPeriod = defaults.RenewalPeriod
	}
	if cfg.PendingTTL == 0 {
		cfg.PendingTTL = defaults.PendingTTL
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if yamlConfig.Currency == "" {
		yamlConfig.Currency = programmaticConfig.Currency
	}
	if yamlConfig.Amount == 0 {
		yamlConfig.Amount = programmaticConfig.Amount
	}
	if yamlConfig.RenewalPeriod == 0 {
		yamlConfig.RenewalPeriod = programmaticConfig.RenewalPeriod
	}
	if yamlConfig.LeadTime == 0 {
		yamlConfig.LeadTime = programmaticConfig.LeadTime
	}
	if yamlConfig.PendingTTL == 0 {
		yamlConfig.PendingTTL = programmaticConfig.PendingTTL
	}
	if len(yamlConfig.RetryDelays) == 0 {
		yamlConfig.RetryDelays = programmaticConfig.RetryDelays
	}
	if yamlConfig.Workers == 0 {
		yamlConfig.Workers = programmaticConfig.Workers
	}
	if yamlConfig.BatchLimit == 0 {
		yamlConfig.BatchLimit = programmaticConfig.BatchLimit
	}
	if yamlConfig.Interval == 0 {
		yamlConfig.Interval = programmaticConfig.Interval
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
