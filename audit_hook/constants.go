package audithook

// Action constants for audit events.
const (
	// Attempt actions
	ActionAttemptReserved = "attempt.reserved"
	ActionAttemptStale    = "attempt.stale"

	// Charge actions
	ActionChargeSucceeded = "charge.succeeded"
	ActionChargeFailed    = "charge.failed"
	ActionChargePending   = "charge.pending"

	// Subscriber actions
	ActionAutopayDisabled      = "autopay.disabled"
	ActionConsentMissing       = "consent.missing"
	ActionManualPendingSkipped = "skip.manual_pending"

	// Run actions
	ActionRunCompleted = "run.completed"
)

// Resource constants for audit events.
const (
	ResourceAttempt    = "attempt"
	ResourceSubscriber = "subscriber"
	ResourceRun        = "run"
)

// Category constants for audit events.
const (
	CategoryPayment      = "payment"
	CategorySubscription = "subscription"
	CategoryConsent      = "consent"
	CategoryOperations   = "operations"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
