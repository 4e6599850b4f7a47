package autopay

import (
	"sync"
	"time"

	"github.com/xraph/autopay/id"
	"github.com/xraph/autopay/plugin"
)

// Outcome is what a pass did for one subscriber or pending attempt.
type Outcome string

const (
	OutcomeReserved        Outcome = "reserved"
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomeFailed          Outcome = "failed"
	OutcomePending         Outcome = "pending"
	OutcomeStale           Outcome = "stale"
	OutcomeConflict        Outcome = "conflict"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeConsentMissing  Outcome = "consent_missing"
	OutcomeManualPending   Outcome = "manual_pending"
	OutcomeAutopayDisabled Outcome = "autopay_disabled"
	OutcomeWouldReserve    Outcome = "would_reserve"
	OutcomeError           Outcome = "error"
)

// Item is one line of a RunReport.
type Item struct {
	SubscriberID  id.SubscriberID `json:"subscriber_id"`
	AttemptID     id.AttemptID    `json:"attempt_id,omitempty"`
	CycleKey      string          `json:"cycle_key,omitempty"`
	AttemptNumber int             `json:"attempt_number,omitempty"`
	State         string          `json:"state,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
}

// RunReport summarizes a charge or reconcile pass. It is safe for
// concurrent use while the pass runs.
type RunReport struct {
	Kind      string        `json:"kind"`
	DryRun    bool          `json:"dry_run"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Scanned   int           `json:"scanned"`
	Items     []Item        `json:"items"`

	mu       sync.Mutex
	counts   map[Outcome]int
	reserved int
}

func newReport(kind string, dryRun bool, now time.Time) *RunReport {
	return &RunReport{Kind: kind, DryRun: dryRun, StartedAt: now, counts: make(map[Outcome]int)}
}

func (r *RunReport) add(it Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Items = append(r.Items, it)
	r.counts[it.Outcome]++
}

func (r *RunReport) markReserved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved++
}

// Reserved returns how many attempts the pass reserved.
func (r *RunReport) Reserved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved
}

// Count returns how many items had outcome o.
func (r *RunReport) Count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[o]
}

// Summary converts the report for plugins.
func (r *RunReport) Summary() plugin.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return plugin.RunSummary{
		Kind:      r.Kind,
		DryRun:    r.DryRun,
		Scanned:   r.Scanned,
		Reserved:  r.reserved,
		Succeeded: r.counts[OutcomeSucceeded],
		Failed:    r.counts[OutcomeFailed],
		Pending:   r.counts[OutcomePending],
		Stale:     r.counts[OutcomeStale],
		Skipped:   r.counts[OutcomeSkipped] + r.counts[OutcomeConflict] + r.counts[OutcomeConsentMissing] + r.counts[OutcomeManualPending] + r.counts[OutcomeWouldReserve],
		Disabled:  r.counts[OutcomeAutopayDisabled],
		Errors:    r.counts[OutcomeError],
		Elapsed:   r.Elapsed,
	}
}
