package types

import (
	"encoding/json"
	"testing"
)

func TestMoneyFormatting(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		major   string
		display string
	}{
		{"KRW", KRW(9900), "9900", "KRW 9900"},
		{"USD", USD(4900), "49.00", "USD 49.00"},
		{"EUR cents", EUR(1905), "19.05", "EUR 19.05"},
		{"JPY", JPY(100), "100", "JPY 100"},
		{"negative", USD(-250), "-2.50", "USD -2.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.FormatMajor(); got != tt.major {
				t.Errorf("FormatMajor: got %s, want %s", got, tt.major)
			}
			if got := tt.money.String(); got != tt.display {
				t.Errorf("String: got %s, want %s", got, tt.display)
			}
		})
	}
}

func TestMoneyValidate(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		wantErr bool
	}{
		{"valid", KRW(9900), false},
		{"zero", KRW(0), true},
		{"negative", USD(-1), true},
		{"bad currency", Money{Amount: 100, Currency: "dollars"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.money.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewMoneyNormalizesCurrency(t *testing.T) {
	m := NewMoney(100, " USD ")
	if m.Currency != "usd" {
		t.Errorf("got currency %q, want usd", m.Currency)
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(KRW(9900))
	if err != nil {
		t.Fatal(err)
	}

	var restored Money
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatal(err)
	}
	if !restored.Equal(KRW(9900)) {
		t.Errorf("got %v, want %v", restored, KRW(9900))
	}
}
