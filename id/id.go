// Package id defines TypeID-based identity types for autopay entities.
//
// Every entity uses a single ID struct with a prefix naming the entity type.
// IDs are K-sortable (UUIDv7-based) and render as "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for autopay entity types.
const (
	PrefixSubscriber    Prefix = "sbr"  // Billing account
	PrefixAttempt       Prefix = "att"  // Charge attempt (ledger row)
	PrefixEvent         Prefix = "evt"  // Audit event
	PrefixManualPayment Prefix = "mpay" // Non-autopay checkout payment
)

// ID is the primary identifier type for autopay entities.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g. "att_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and checks its prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for fixtures.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// SubscriberID identifies a billing account (prefix: "sbr").
type SubscriberID = ID

// AttemptID identifies a charge attempt (prefix: "att").
type AttemptID = ID

// EventID identifies an audit event (prefix: "evt").
type EventID = ID

// ManualPaymentID identifies a manual payment (prefix: "mpay").
type ManualPaymentID = ID

// NewSubscriberID generates a new subscriber ID.
func NewSubscriberID() ID { return New(PrefixSubscriber) }

// NewAttemptID generates a new attempt ID.
func NewAttemptID() ID { return New(PrefixAttempt) }

// NewEventID generates a new event ID.
func NewEventID() ID { return New(PrefixEvent) }

// NewManualPaymentID generates a new manual payment ID.
func NewManualPaymentID() ID { return New(PrefixManualPayment) }

// ParseSubscriberID parses a string and validates the "sbr" prefix.
func ParseSubscriberID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSubscriber) }

// ParseAttemptID parses a string and validates the "att" prefix.
func ParseAttemptID(s string) (ID, error) { return ParseWithPrefix(s, PrefixAttempt) }

// ParseEventID parses a string and validates the "evt" prefix.
func ParseEventID(s string) (ID, error) { return ParseWithPrefix(s, PrefixEvent) }

// ParseManualPaymentID parses a string and validates the "mpay" prefix.
func ParseManualPaymentID(s string) (ID, error) { return ParseWithPrefix(s, PrefixManualPayment) }

// ParseOptional parses s, returning Nil for the empty string.
func ParseOptional(s string) (ID, error) {
	if s == "" {
		return Nil, nil
	}
	return Parse(s)
}

// String returns the TypeID string, or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer. Nil stores NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
