package extension

import (
	"time"

	"github.com/xraph/autopay"
	"github.com/xraph/autopay/retry"
	"github.com/xraph/autopay/types"
)

// Config holds the autopay extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.autopay" or "autopay" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// Amount is the renewal charge in minor units of Currency.
	Amount int64 `json:"amount" mapstructure:"amount" yaml:"amount"`

	// Currency is the ISO currency of Amount (default: "krw").
	Currency string `json:"currency" mapstructure:"currency" yaml:"currency"`

	// RenewalPeriod is added to the paid-through time on success (default: 720h).
	RenewalPeriod time.Duration `json:"renewal_period" mapstructure:"renewal_period" yaml:"renewal_period"`

	// LeadTime starts renewal this long before expiry.
	LeadTime time.Duration `json:"lead_time" mapstructure:"lead_time" yaml:"lead_time"`

	// PendingTTL is how long an attempt may stay pending (default: 30m).
	PendingTTL time.Duration `json:"pending_ttl" mapstructure:"pending_ttl" yaml:"pending_ttl"`

	// RetryDelays is the wait before each follow-up attempt (default: 24h, 48h).
	RetryDelays []string `json:"retry_delays" mapstructure:"retry_delays" yaml:"retry_delays"`

	// Workers bounds concurrent subscribers per pass (default: 4).
	Workers int `json:"workers" mapstructure:"workers" yaml:"workers"`

	// BatchLimit caps subscribers per pass; 0 is unlimited.
	BatchLimit int `json:"batch_limit" mapstructure:"batch_limit" yaml:"batch_limit"`

	// Interval runs a charge pass followed by a reconcile pass this often
	// while the extension is started. Zero leaves scheduling to the host.
	Interval time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	d := autopay.DefaultConfig()
	return Config{
		Amount:        d.Amount.Amount,
		Currency:      d.Amount.Currency,
		RenewalPeriod: d.RenewalPeriod,
		PendingTTL:    d.PendingTTL,
		Workers:       d.Workers,
	}
}

// EngineConfig converts c into the engine configuration.
func (c Config) EngineConfig() (autopay.Config, error) {
	cfg := autopay.DefaultConfig()
	cfg.Amount = types.NewMoney(c.Amount, c.Currency)
	cfg.RenewalPeriod = c.RenewalPeriod
	cfg.LeadTime = c.LeadTime
	cfg.PendingTTL = c.PendingTTL
	cfg.Workers = c.Workers
	cfg.BatchLimit = c.BatchLimit
	cfg.DisableMigrate = c.DisableMigrate

	if len(c.RetryDelays) > 0 {
		delays, err := retry.ParseDelays(c.RetryDelays)
		if err != nil {
			return autopay.Config{}, autopay.ValidationError{Field: "retry_delays", Message: err.Error()}
		}
		cfg.Retry.Delays = delays
	}
	return cfg, cfg.Validate()
}
