package autopay

import (
	"time"

	"github.com/xraph/autopay/retry"
	"github.com/xraph/autopay/types"
)

// Config holds the engine settings. Zero-valued fields are filled from
// DefaultConfig by New.
type Config struct {
	// Retry is the delay schedule and retryable status set.
	Retry retry.Policy `json:"retry" mapstructure:"retry" yaml:"retry"`

	// Amount is charged for every renewal.
	Amount types.Money `json:"amount" mapstructure:"amount" yaml:"amount"`

	// RenewalPeriod is added to the paid-through time on success.
	RenewalPeriod time.Duration `json:"renewal_period" mapstructure:"renewal_period" yaml:"renewal_period"`

	// LeadTime starts renewal this long before expiry.
	LeadTime time.Duration `json:"lead_time" mapstructure:"lead_time" yaml:"lead_time"`

	// PendingTTL is how long an unconfirmed attempt may stay pending
	// before it is declared stale.
	PendingTTL time.Duration `json:"pending_ttl" mapstructure:"pending_ttl" yaml:"pending_ttl"`

	// ManualLookback is how far back a pending manual payment blocks autopay.
	ManualLookback time.Duration `json:"manual_lookback" mapstructure:"manual_lookback" yaml:"manual_lookback"`

	// ManualMinAmount is the smallest manual payment treated as a renewal.
	// Zero uses Amount.
	ManualMinAmount int64 `json:"manual_min_amount" mapstructure:"manual_min_amount" yaml:"manual_min_amount"`

	// Workers bounds concurrent subscribers per pass.
	Workers int `json:"workers" mapstructure:"workers" yaml:"workers"`

	// BatchLimit caps subscribers or pending attempts per pass; 0 is unlimited.
	BatchLimit int `json:"batch_limit" mapstructure:"batch_limit" yaml:"batch_limit"`

	// Description is sent to the gateway with each charge.
	Description string `json:"description" mapstructure:"description" yaml:"description"`

	// NotifyTimeout bounds a single notification delivery.
	NotifyTimeout time.Duration `json:"notify_timeout" mapstructure:"notify_timeout" yaml:"notify_timeout"`

	// DisableMigrate skips store migration in Start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retry:          retry.DefaultPolicy(),
		Amount:         types.KRW(9900),
		RenewalPeriod:  30 * 24 * time.Hour,
		LeadTime:       0,
		PendingTTL:     30 * time.Minute,
		ManualLookback: 24 * time.Hour,
		Workers:        4,
		Description:    "Subscription renewal",
		NotifyTimeout:  10 * time.Second,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig. Retry delays are
// left alone: an empty schedule is a valid single-attempt policy.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Retry.Retryable) == 0 {
		c.Retry.Retryable = d.Retry.Retryable
	}
	if c.Amount.Currency == "" && c.Amount.Amount == 0 {
		c.Amount = d.Amount
	}
	if c.RenewalPeriod == 0 {
		c.RenewalPeriod = d.RenewalPeriod
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = d.PendingTTL
	}
	if c.ManualLookback == 0 {
		c.ManualLookback = d.ManualLookback
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Description == "" {
		c.Description = d.Description
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return ValidationError{Field: "retry", Message: err.Error()}
	}
	if err := c.Amount.Validate(); err != nil {
		return ValidationError{Field: "amount", Message: err.Error()}
	}
	// Cycles are keyed by UTC day; a shorter period would leave a renewed
	// subscriber in the cycle it just paid for.
	if c.RenewalPeriod < 24*time.Hour {
		return ValidationError{Field: "renewal_period", Message: "must be at least 24h"}
	}
	if c.LeadTime < 0 {
		return ValidationError{Field: "lead_time", Message: "must not be negative"}
	}
	if c.PendingTTL <= 0 {
		return ValidationError{Field: "pending_ttl", Message: "must be positive"}
	}
	if c.ManualLookback < 0 {
		return ValidationError{Field: "manual_lookback", Message: "must not be negative"}
	}
	if c.BatchLimit < 0 {
		return ValidationError{Field: "batch_limit", Message: "must not be negative"}
	}
	return nil
}

func (c Config) manualMinAmount() int64 {
	if c.ManualMinAmount > 0 {
		return c.ManualMinAmount
	}
	return c.Amount.Amount
}
