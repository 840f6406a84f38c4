package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountNotUsable    = errors.New("account not usable")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBusy                = errors.New("busy")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrNotCancellable      = errors.New("transaction not cancellable")
	ErrNotReversible       = errors.New("transaction not reversible")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInternal            = errors.New("internal error")
)

var reasonCodes = []struct {
	kind error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrAccountNotFound, "account_not_found"},
	{ErrAccountNotUsable, "account_not_usable"},
	{ErrCurrencyMismatch, "currency_mismatch"},
	{ErrLimitExceeded, "limit_exceeded"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrBusy, "busy"},
	{ErrInvariantViolation, "invariant_violation"},
	{ErrNotCancellable, "not_cancellable"},
	{ErrNotReversible, "not_reversible"},
	{ErrIdempotencyConflict, "idempotency_conflict"},
	{ErrTransactionNotFound, "transaction_not_found"},
	{ErrForbidden, "forbidden"},
	{ErrInternal, "internal_error"},
}

// Failure is a business outcome the caller can act on. Kind is one of the
// sentinels above and Message is meant for humans.
type Failure struct {
	Kind    error
	Message string
}

func (f *Failure) Error() string {
	return f.Kind.Error() + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Kind
}

// Reason is the persisted form, "code: message".
func (f *Failure) Reason() string {
	return ReasonCode(f) + ": " + f.Message
}

func fail(kind error, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ReasonCode maps err to a stable machine-readable code. Anything that is
// not a known kind is internal_error.
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.kind) {
			return rc.code
		}
	}
	return "internal_error"
}

// failureFromReason rebuilds the Failure recorded on a FAILED entry.
func failureFromReason(reason string) *Failure {
	code, message, found := strings.Cut(reason, ": ")
	if !found {
		message = reason
	}
	for _, rc := range reasonCodes {
		if rc.code == code {
			return &Failure{Kind: rc.kind, Message: message}
		}
	}
	return &Failure{Kind: ErrInternal, Message: reason}
}

func asFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
