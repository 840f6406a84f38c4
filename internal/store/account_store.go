package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ledger/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvariantViolation = errors.New("balance would fall below minimum balance")
)

const accountColumns = `id, account_number, owner_id, currency, balance, status,
		       daily_limit, per_transaction_limit, minimum_balance, created_at, updated_at`

type AccountStore struct {
	db DB
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, tx Execer, account models.Account) error {
	query := `
		INSERT INTO accounts (id, account_number, owner_id, currency, balance, status,
		                      daily_limit, per_transaction_limit, minimum_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		account.ID, account.AccountNumber, account.OwnerID, account.Currency, account.Balance, account.Status,
		account.DailyLimit, account.PerTransactionLimit, account.MinimumBalance,
	)
	return err
}

// GetForRead returns a lock-free snapshot suitable for display.
func (s *AccountStore) GetForRead(ctx context.Context, accountNumber string) (models.Account, error) {
	var row models.Account
	err := s.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_number = $1
	`, accountNumber)
	if err != nil {
		return models.Account{}, notFound(err)
	}
	return row, nil
}

// GetForUpdate takes the row lock, held until tx ends. It blocks while
// another transaction holds the row, bounded by the tx lock_timeout.
func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, accountNumber string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_number = $1
		FOR UPDATE
	`, accountNumber)
	if err != nil {
		return models.Account{}, notFound(err)
	}
	return row, nil
}

// ApplyDelta adds delta to the balance of an account the caller has already
// locked. The floor is enforced here and again by the UPDATE predicate.
func (s *AccountStore) ApplyDelta(ctx context.Context, tx Getter, account models.Account, delta decimal.Decimal) (models.Account, error) {
	if account.Balance.Add(delta).LessThan(account.Floor()) {
		return models.Account{}, ErrInvariantViolation
	}
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2 AND balance + $1 >= COALESCE(minimum_balance, 0)
		RETURNING `+accountColumns, delta, account.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrInvariantViolation
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("apply delta to %s: %w", account.AccountNumber, err)
	}
	return row, nil
}

// SetStatus changes the lifecycle status. Balances are untouched.
func (s *AccountStore) SetStatus(ctx context.Context, tx Getter, accountNumber string, status models.AccountStatus) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		UPDATE accounts
		SET status = $1, updated_at = NOW()
		WHERE account_number = $2
		RETURNING `+accountColumns, status, accountNumber)
	if err != nil {
		return models.Account{}, notFound(err)
	}
	return row, nil
}

type AccountLimits struct {
	DailyLimit          decimal.NullDecimal
	PerTransactionLimit decimal.NullDecimal
	MinimumBalance      decimal.NullDecimal
}

// SetLimits replaces all three optional limits. A null value removes the
// limit. A minimum above the current balance is rejected by the table check.
func (s *AccountStore) SetLimits(ctx context.Context, tx Getter, accountNumber string, limits AccountLimits) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		UPDATE accounts
		SET daily_limit = $1, per_transaction_limit = $2, minimum_balance = $3, updated_at = NOW()
		WHERE account_number = $4
		RETURNING `+accountColumns, limits.DailyLimit, limits.PerTransactionLimit, limits.MinimumBalance, accountNumber)
	if err != nil {
		return models.Account{}, notFound(err)
	}
	return row, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	return err
}
