// Package types provides value types shared across autopay packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Money is a charge amount in the smallest currency unit.
// Gateways receive Amount unchanged; no floating point is involved.
type Money struct {
	Amount   int64  `json:"amount"`   // minor units (cents, won, yen)
	Currency string `json:"currency"` // ISO 4217, lowercase
}

// NewMoney normalizes the currency code.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(strings.TrimSpace(currency))}
}

// KRW creates a Money value in Korean Won (no minor unit).
func KRW(won int64) Money { return Money{Amount: won, Currency: "krw"} }

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }

// JPY creates a Money value in Japanese Yen (no minor unit).
func JPY(yen int64) Money { return Money{Amount: yen, Currency: "jpy"} }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// Equal compares amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// Validate checks that m can be sent to a gateway as a charge amount.
func (m Money) Validate() error {
	if m.Amount <= 0 {
		return fmt.Errorf("money: amount must be positive, got %d", m.Amount)
	}
	if len(m.Currency) != 3 {
		return fmt.Errorf("money: invalid currency %q", m.Currency)
	}
	return nil
}

// FormatMajor renders the amount in major units without a symbol:
// "49.00" for USD(4900), "9900" for KRW(9900).
func (m Money) FormatMajor() string {
	decimals := currencyDecimals(m.Currency)
	if decimals == 0 {
		return fmt.Sprintf("%d", m.Amount)
	}

	sign := ""
	abs := m.Amount
	if abs < 0 {
		sign = "-"
		abs = -abs
	}

	divisor := int64(1)
	for range decimals {
		divisor *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, abs/divisor, decimals, abs%divisor)
}

// String renders the amount with its currency code, e.g. "KRW 9900".
func (m Money) String() string {
	return strings.ToUpper(m.Currency) + " " + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON accepts the MarshalJSON shape; Display is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = NewMoney(raw.Amount, raw.Currency)
	return nil
}

func currencyDecimals(currency string) int {
	switch strings.ToLower(currency) {
	case "jpy", "krw", "vnd", "clp", "pyg", "idr":
		return 0
	default:
		return 2
	}
}
