package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"ledger/internal/store"

	"github.com/jmoiron/sqlx"
)

var ErrRetryLimitExceeded = errors.New("transaction retry limit exceeded")

const maxAttempts = 5

type TxRunner interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
}

type SQLXTxRunner struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewTxRunner returns a runner whose transactions give up waiting for a row
// lock after lockTimeout. Zero leaves the server default in place.
func NewTxRunner(db *sqlx.DB, lockTimeout time.Duration) SQLXTxRunner {
	return SQLXTxRunner{db: db, lockTimeout: lockTimeout}
}

func (r SQLXTxRunner) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return WithTx(ctx, r.db, r.lockTimeout, fn)
}

func Connect(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// WithTx runs fn inside a serializable transaction. Serialization failures
// and detected deadlocks re-run fn from the start; everything else rolls
// back and is returned as is.
func WithTx(ctx context.Context, db *sqlx.DB, lockTimeout time.Duration, fn func(store.Tx) error) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if lockTimeout > 0 {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if IsRetryable(err) && attempt < maxAttempts {
				if serr := sleepWithBackoff(ctx, attempt); serr != nil {
					return serr
				}
				continue
			}
			if IsRetryable(err) {
				return fmt.Errorf("%w: %v", ErrRetryLimitExceeded, err)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if IsRetryable(err) && attempt < maxAttempts {
				if serr := sleepWithBackoff(ctx, attempt); serr != nil {
					return serr
				}
				continue
			}
			if IsRetryable(err) {
				return fmt.Errorf("%w: %v", ErrRetryLimitExceeded, err)
			}
			return err
		}
		return nil
	}
	return ErrRetryLimitExceeded
}

func sleepWithBackoff(ctx context.Context, attempt int) error {
	base := 20 * time.Millisecond
	backoff := time.Duration(attempt*attempt) * base
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
