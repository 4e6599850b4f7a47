package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/autopay/id"
)

func TestConstructorsAndParsers(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		prefix  string
	}{
		{"SubscriberID", id.NewSubscriberID, id.ParseSubscriberID, "sbr_"},
		{"AttemptID", id.NewAttemptID, id.ParseAttemptID, "att_"},
		{"EventID", id.NewEventID, id.ParseEventID, "evt_"},
		{"ManualPaymentID", id.NewManualPaymentID, id.ParseManualPaymentID, "mpay_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			if !strings.HasPrefix(original.String(), tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, original.String())
			}
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseAttemptID(id.NewSubscriberID().String()); err == nil {
		t.Error("ParseAttemptID accepted a subscriber id")
	}
	if _, err := id.ParseSubscriberID(id.NewEventID().String()); err == nil {
		t.Error("ParseSubscriberID accepted an event id")
	}
}

func TestParseOptional(t *testing.T) {
	got, err := id.ParseOptional("")
	if err != nil {
		t.Fatalf("ParseOptional(\"\") failed: %v", err)
	}
	if !got.IsNil() {
		t.Errorf("expected Nil, got %q", got.String())
	}

	want := id.NewAttemptID()
	got, err = id.ParseOptional(want.String())
	if err != nil {
		t.Fatalf("ParseOptional failed: %v", err)
	}
	if got.String() != want.String() {
		t.Errorf("got %q, want %q", got.String(), want.String())
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewAttemptID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var nilID id.ID
	if err := nilID.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) failed: %v", err)
	}
	if !nilID.IsNil() {
		t.Error("expected nil after scan of nil")
	}
}
