package autopay

import (
	"errors"
	"fmt"

	"github.com/xraph/autopay/gateway"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("autopay: not found")
	ErrAlreadyExists = errors.New("autopay: already exists")
	ErrInvalidInput  = errors.New("autopay: invalid input")

	// Subscriber errors
	ErrSubscriberNotFound = errors.New("autopay: subscriber not found")
	ErrNoBillingToken     = errors.New("autopay: subscriber has no billing token")
	ErrConsentMissing     = errors.New("autopay: no active consent for unattended charging")

	// Attempt errors
	ErrAttemptNotFound   = errors.New("autopay: attempt not found")
	ErrAttemptNotPending = errors.New("autopay: attempt already resolved")
	ErrCycleSettled      = errors.New("autopay: cycle already has a successful attempt")

	// Manual payment errors
	ErrManualPaymentNotFound = errors.New("autopay: manual payment not found")

	// Gateway errors
	ErrGatewayUnavailable = gateway.ErrUnavailable

	// Store errors
	ErrStoreNotReady   = errors.New("autopay: store not ready")
	ErrStoreClosed     = errors.New("autopay: store is closed")
	ErrMigrationFailed = errors.New("autopay: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("autopay: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "autopay: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("autopay: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// ErrOrNil returns e when it holds errors, nil otherwise.
func (e MultiError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubscriberNotFound) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrManualPaymentNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrStoreNotReady)
}
