package validator

import (
	"errors"
	"regexp"
	"strings"

	"ledger/internal/models"
)

var (
	ErrInvalidAccountNumber = errors.New("invalid account number")
	ErrInvalidCurrency      = errors.New("invalid currency")
	ErrInvalidMode          = errors.New("invalid mode")
	ErrInvalidStatus        = errors.New("invalid account status")
)

var (
	accountNumberRegex = regexp.MustCompile(`^[A-Z0-9]{6,34}$`)
	currencyRegex      = regexp.MustCompile(`^[A-Z]{3}$`)
)

func ValidateAccountNumber(number string) error {
	if !accountNumberRegex.MatchString(number) {
		return ErrInvalidAccountNumber
	}
	return nil
}

// ValidateCurrency accepts a three-letter ISO 4217 code. Empty means the
// account's own currency.
func ValidateCurrency(currency string) error {
	if currency == "" {
		return nil
	}
	if !currencyRegex.MatchString(strings.ToUpper(currency)) {
		return ErrInvalidCurrency
	}
	return nil
}

// ValidateMode rejects unknown modes and SYSTEM, which only the engine
// assigns.
func ValidateMode(mode string) error {
	if mode == "" {
		return nil
	}
	m := models.TransactionMode(strings.ToUpper(mode))
	if !m.Valid() || m == models.ModeSystem {
		return ErrInvalidMode
	}
	return nil
}

func ValidateAccountStatus(status string) error {
	switch models.AccountStatus(status) {
	case models.AccountActive, models.AccountInactive, models.AccountDormant, models.AccountFrozen, models.AccountClosed:
		return nil
	}
	return ErrInvalidStatus
}
