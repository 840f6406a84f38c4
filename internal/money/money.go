package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
)

// Scale is the number of fractional digits accepted from callers.
const Scale = 2

// Parse reads a positive or negative decimal amount with at most two
// fractional digits.
func Parse(input string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	if strings.ContainsAny(trimmed, "eE") {
		return decimal.Zero, ErrInvalidAmount
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if value.Exponent() < -Scale && !value.Equal(value.Truncate(Scale)) {
		return decimal.Zero, ErrTooManyDecimals
	}
	return value.Truncate(Scale), nil
}

// ParsePositive is Parse restricted to amounts greater than zero.
func ParsePositive(input string) (decimal.Decimal, error) {
	value, err := Parse(input)
	if err != nil {
		return decimal.Zero, err
	}
	if !value.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return value, nil
}

func Format(value decimal.Decimal) string {
	return value.StringFixedBank(Scale)
}

func FormatNull(value decimal.NullDecimal) string {
	if !value.Valid {
		return ""
	}
	return Format(value.Decimal)
}

// Sum adds amounts without losing precision.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
