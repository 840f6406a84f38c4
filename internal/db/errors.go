package db

import (
	"context"
	"errors"

	"github.com/lib/pq"
)

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

func pgCode(err error) (pq.ErrorCode, string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", "", false
	}
	return pqErr.Code, pqErr.Constraint, true
}

// IsRetryable reports whether re-running the whole transaction may succeed.
func IsRetryable(err error) bool {
	code, _, ok := pgCode(err)
	return ok && (code == codeSerializationFailure || code == codeDeadlockDetected)
}

// IsLockTimeout reports whether err means a row lock could not be acquired
// in time, either by lock_timeout or by the caller's deadline.
func IsLockTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRetryLimitExceeded) {
		return true
	}
	code, _, ok := pgCode(err)
	return ok && (code == codeLockNotAvailable || code == codeQueryCanceled)
}

// IsUniqueViolation reports a unique index conflict. An empty constraint
// matches any index.
func IsUniqueViolation(err error, constraint string) bool {
	code, name, ok := pgCode(err)
	if !ok || code != codeUniqueViolation {
		return false
	}
	return constraint == "" || constraint == name
}

// IsCheckViolation reports a CHECK constraint failure, such as a minimum
// balance set above the current balance.
func IsCheckViolation(err error) bool {
	code, _, ok := pgCode(err)
	return ok && code == codeCheckViolation
}
