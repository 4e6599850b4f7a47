package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/retry"
	"github.com/xraph/autopay/types"
)

// settings is the full CLI configuration. It is read from the --config
// file, AUTOPAY_* environment variables and flags, in rising precedence.
type settings struct {
	Store   storeSettings   `mapstructure:"store"`
	Gateway gatewaySettings `mapstructure:"gateway"`
	Notify  notifySettings  `mapstructure:"notify"`
	Log     logSettings     `mapstructure:"log"`
	Engine  engineSettings  `mapstructure:"engine"`
}

type storeSettings struct {
	// Driver is one of memory, sqlite, postgres, mongo.
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
}

type gatewaySettings struct {
	// Provider is sandbox or stripe.
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
}

type notifySettings struct {
	// NATSURL enables NATS delivery; empty logs notifications instead.
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type logSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type engineSettings struct {
	Amount          int64         `mapstructure:"amount"`
	Currency        string        `mapstructure:"currency"`
	RenewalPeriod   time.Duration `mapstructure:"renewal_period"`
	LeadTime        time.Duration `mapstructure:"lead_time"`
	PendingTTL      time.Duration `mapstructure:"pending_ttl"`
	RetryDelays     []string      `mapstructure:"retry_delays"`
	RetryStatuses   []string      `mapstructure:"retry_statuses"`
	ManualLookback  time.Duration `mapstructure:"manual_lookback"`
	DisableMigrate  bool          `mapstructure:"disable_migrate"`
	ManualMinAmount int64         `mapstructure:"manual_min_amount"`
	Workers         int           `mapstructure:"workers"`
	BatchLimit      int           `mapstructure:"batch_limit"`
	Description     string        `mapstructure:"description"`
	NotifyTimeout   time.Duration `mapstructure:"notify_timeout"`
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	d := autopay.DefaultConfig()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "autopay.db")
	v.SetDefault("store.database", "autopay")
	v.SetDefault("gateway.provider", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("engine.amount", d.Amount.Amount)
	v.SetDefault("engine.currency", d.Amount.Currency)
	v.SetDefault("engine.renewal_period", d.RenewalPeriod)
	v.SetDefault("engine.lead_time", d.LeadTime)
	v.SetDefault("engine.pending_ttl", d.PendingTTL)
	v.SetDefault("engine.retry_delays", []string{"24h", "48h"})
	v.SetDefault("engine.retry_statuses", []string{})
	v.SetDefault("engine.manual_lookback", d.ManualLookback)
	v.SetDefault("engine.manual_min_amount", 0)
	v.SetDefault("engine.workers", d.Workers)
	v.SetDefault("engine.batch_limit", 0)
	v.SetDefault("engine.disable_migrate", false)
	v.SetDefault("engine.description", d.Description)
	v.SetDefault("engine.notify_timeout", d.NotifyTimeout)
}

// loadSettings reads configuration into a settings value.
func loadSettings(v *viper.Viper, file string) (*settings, error) {
	setDefaults(v)
	v.SetEnvPrefix("AUTOPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &s, nil
}

// engineConfig converts the engine section into an autopay.Config.
func (s engineSettings) engineConfig() (autopay.Config, error) {
	cfg := autopay.DefaultConfig()
	cfg.Amount = types.NewMoney(s.Amount, s.Currency)
	cfg.RenewalPeriod = s.RenewalPeriod
	cfg.LeadTime = s.LeadTime
	cfg.PendingTTL = s.PendingTTL
	cfg.ManualLookback = s.ManualLookback
	cfg.ManualMinAmount = s.ManualMinAmount
	cfg.Workers = s.Workers
	cfg.BatchLimit = s.BatchLimit
	cfg.Description = s.Description
	cfg.NotifyTimeout = s.NotifyTimeout
	cfg.DisableMigrate = s.DisableMigrate

	delays, err := retry.ParseDelays(s.RetryDelays)
	if err != nil {
		return autopay.Config{}, err
	}
	cfg.Retry.Delays = delays
	if len(s.RetryStatuses) > 0 {
		statuses, err := retry.ParseStatuses(s.RetryStatuses)
		if err != nil {
			return autopay.Config{}, err
		}
		cfg.Retry.Retryable = statuses
	}

	if err := cfg.Validate(); err != nil {
		return autopay.Config{}, err
	}
	return cfg, nil
}

var (
	errUnknownDriver = errors.New("unknown store driver")
	errNoGateway     = errors.New("gateway.provider is required (--gateway sandbox or stripe)")
)
