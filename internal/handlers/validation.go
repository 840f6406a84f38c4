package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledger/internal/money"

	"github.com/shopspring/decimal"
)

var (
	errInvalidAmount = errors.New("invalid amount")
	errInvalidTime   = errors.New("invalid time, expected RFC 3339")
)

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := money.ParsePositive(raw)
	if err != nil {
		return decimal.Zero, errInvalidAmount
	}
	return amount, nil
}

// parseLimit reads an optional limit. Null or empty removes the limit.
func parseLimit(raw *string) (decimal.NullDecimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	value, err := money.Parse(*raw)
	if err != nil || value.IsNegative() {
		return decimal.NullDecimal{}, errInvalidAmount
	}
	return decimal.NewNullDecimal(value), nil
}

func parseTimeParam(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errInvalidTime
	}
	return &t, nil
}

func parseIntParam(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || value < 0 {
		return 0
	}
	return value
}
