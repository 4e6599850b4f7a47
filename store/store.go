// Package store defines the composite persistence contract for autopay.
package store

import (
	"context"

	"github.com/xraph/autopay/attempt"
	"github.com/xraph/autopay/consent"
	"github.com/xraph/autopay/event"
	"github.com/xraph/autopay/payment"
	"github.com/xraph/autopay/subscriber"
)

// Store is the unified storage interface for all autopay entities. The
// entity interfaces share no method names, so they are embedded.
//
// Implementations must enforce at the storage layer:
//   - uniqueness of (subscriber_id, cycle_key, attempt_number) and order_id,
//     reported by Reserve as a conflict rather than an error;
//   - at most one success per (subscriber_id, cycle_key), reported by
//     ApplyResult as autopay.ErrCycleSettled;
//   - compare-and-set on pending for ApplyResult and MarkStale, reported
//     as autopay.ErrAttemptNotPending;
//   - compare-and-set on autopay_enabled for DisableAutopay.
type Store interface {
	attempt.Store
	subscriber.Store
	payment.Store
	consent.Store
	event.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
