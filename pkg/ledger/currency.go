package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	currencySymbol = "$"
	currencyPlaces = 2
)

// Amount is a signed currency value. Amounts built from cents or produced by
// billing are held at cent precision; a parsed rate keeps the digits it was
// written with.
type Amount struct {
	value decimal.Decimal
}

// NewAmount rounds a decimal to cents.
func NewAmount(value decimal.Decimal) Amount {
	return Amount{value: value.Round(currencyPlaces)}
}

// AmountFromCents builds an Amount from an integer number of cents.
func AmountFromCents(cents int64) Amount {
	return Amount{value: decimal.New(cents, -currencyPlaces)}
}

// AmountFromFloat rounds a float to cents.
func AmountFromFloat(value float64) Amount {
	return NewAmount(decimal.NewFromFloat(value))
}

// Cents returns the amount as integer cents.
func (amount Amount) Cents() int64 {
	return amount.value.Shift(currencyPlaces).Round(0).IntPart()
}

// Decimal exposes the underlying decimal.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// Float64 returns the amount as a float for display math such as progress bars.
func (amount Amount) Float64() float64 {
	value, _ := amount.value.Float64()
	return value
}

// Add returns amount + other.
func (amount Amount) Add(other Amount) Amount {
	return Amount{value: amount.value.Add(other.value)}
}

// Neg returns -amount.
func (amount Amount) Neg() Amount {
	return Amount{value: amount.value.Neg()}
}

// IsZero reports whether the amount is zero.
func (amount Amount) IsZero() bool {
	return amount.value.IsZero()
}

// IsNegative reports whether the amount is below zero.
func (amount Amount) IsNegative() bool {
	return amount.value.IsNegative()
}

// Equal compares two amounts by value.
func (amount Amount) Equal(other Amount) bool {
	return amount.value.Equal(other.value)
}

// String formats the amount as currency.
func (amount Amount) String() string {
	return FormatCurrency(amount)
}

// MarshalJSON encodes the amount as a fixed two-decimal number.
func (amount Amount) MarshalJSON() ([]byte, error) {
	return []byte(amount.value.StringFixed(currencyPlaces)), nil
}

// UnmarshalJSON accepts a JSON number or a currency string such as "$12.50".
func (amount *Amount) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		text = string(data)
	}
	parsed, err := ParseCurrency(text)
	if err != nil {
		return err
	}
	*amount = parsed
	return nil
}

// BilledAmount prices a duration at a per-minute unit price, rounded to cents.
func BilledAmount(duration Seconds, unitPrice Amount) Amount {
	minutes := decimal.NewFromInt(duration.Int64()).Div(decimal.NewFromInt(secondsPerMinute))
	return NewAmount(minutes.Mul(unitPrice.value))
}

// FormatCurrency renders "$" followed by the amount with exactly two decimals.
// Negative amounts render as "$-3.00".
func FormatCurrency(amount Amount) string {
	return currencySymbol + amount.value.StringFixed(currencyPlaces)
}

// ParseCurrency strips a leading "$" and parses the remainder as a decimal
// without rounding it. Blank input is zero.
func ParseCurrency(text string) (Amount, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, currencySymbol))
	if trimmed == "" {
		return Amount{}, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, text)
	}
	return Amount{value: value}, nil
}
