// Package retry computes cycle identity and the bounded retry schedule for
// recurring charges. Everything here is pure.
package retry

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/xraph/autopay/attempt"
)

// cycleKeyLayout renders a UTC calendar day.
const cycleKeyLayout = "20060102"

// CycleKey returns the UTC calendar day of dueAt as YYYYMMDD. Two due
// times on the same UTC day share a cycle.
func CycleKey(dueAt time.Time) string {
	return dueAt.UTC().Format(cycleKeyLayout)
}

// ParseCycleKey is the inverse of CycleKey; it returns midnight UTC.
func ParseCycleKey(key string) (time.Time, error) {
	t, err := time.Parse(cycleKeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("retry: invalid cycle key %q: %w", key, err)
	}
	return t, nil
}

// Policy is a delay schedule plus the statuses that permit another attempt.
// Delays[n-1] is the wait after attempt n fails. No delays means a single
// attempt per cycle.
type Policy struct {
	Delays    []time.Duration  `json:"delays" yaml:"delays" mapstructure:"delays"`
	Retryable []attempt.Status `json:"retryable" yaml:"retryable" mapstructure:"retryable"`
}

// DefaultRetryable is used when a policy lists no retryable statuses.
var DefaultRetryable = []attempt.Status{attempt.StatusFail, attempt.StatusGatewayError}

// DefaultPolicy retries after one day, then after two more.
func DefaultPolicy() Policy {
	return Policy{
		Delays:    []time.Duration{24 * time.Hour, 48 * time.Hour},
		Retryable: slices.Clone(DefaultRetryable),
	}
}

// MaxAttempts is the number of attempts a cycle may have.
func (p Policy) MaxAttempts() int {
	return 1 + len(p.Delays)
}

// NextRetryAt returns ref + Delays[n-1] when attempt n has a follow-up slot.
func (p Policy) NextRetryAt(n int, ref time.Time) (time.Time, bool) {
	d, ok := p.delay(n)
	if !ok {
		return time.Time{}, false
	}
	return ref.Add(d), true
}

// IsRetryDue reports whether attempt n may be followed by attempt n+1 at now.
// The stored next-retry time wins; a missing one is recomputed from createdAt.
func (p Policy) IsRetryDue(n int, createdAt time.Time, storedNext *time.Time, now time.Time) bool {
	d, ok := p.delay(n)
	if !ok {
		return false
	}
	due := createdAt.Add(d)
	if storedNext != nil {
		due = *storedNext
	}
	return !now.Before(due)
}

// HasNext reports whether attempt n has a follow-up slot.
func (p Policy) HasNext(n int) bool {
	_, ok := p.delay(n)
	return ok
}

// IsRetryable reports whether status permits scheduling another attempt.
func (p Policy) IsRetryable(status attempt.Status) bool {
	set := p.Retryable
	if len(set) == 0 {
		set = DefaultRetryable
	}
	return slices.Contains(set, status)
}

// Validate rejects non-positive delays and retryable statuses that are not
// terminal outcomes.
func (p Policy) Validate() error {
	for i, d := range p.Delays {
		if d <= 0 {
			return fmt.Errorf("retry: delay %d must be positive, got %s", i, d)
		}
	}
	for _, s := range p.Retryable {
		if !s.IsTerminal() || s == attempt.StatusSuccess {
			return fmt.Errorf("retry: status %q cannot be retryable", s)
		}
	}
	return nil
}

func (p Policy) delay(n int) (time.Duration, bool) {
	if n < 1 || n-1 >= len(p.Delays) {
		return 0, false
	}
	return p.Delays[n-1], true
}

// ParseDelays parses duration strings such as "24h" or "90m". Entries ending
// in "d" are whole days.
func ParseDelays(raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := ParseDuration(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseDuration extends time.ParseDuration with a whole-day "Nd" form.
func ParseDuration(s string) (time.Duration, error) {
	if n := len(s); n > 1 && s[n-1] == 'd' {
		if days, err := strconv.Atoi(s[:n-1]); err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("retry: invalid duration %q: %w", s, err)
	}
	return d, nil
}

// ParseStatuses converts configured status names, rejecting unknown ones.
func ParseStatuses(raw []string) ([]attempt.Status, error) {
	out := make([]attempt.Status, 0, len(raw))
	for _, s := range raw {
		st := attempt.Status(s)
		if !st.Valid() {
			return nil, fmt.Errorf("retry: unknown status %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}
