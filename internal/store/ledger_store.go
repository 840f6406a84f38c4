package store

import (
	"context"
	"fmt"

	"ledger/internal/models"

	"github.com/shopspring/decimal"
)

type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// InsertEntries writes the legs of one transaction. Each leg carries the
// balance its account reached once the leg was applied.
func (s *LedgerStore) InsertEntries(ctx context.Context, tx Execer, entries []LedgerEntryInput) error {
	query := `
		INSERT INTO ledger_entries (id, transaction_id, account_id, amount, currency, balance_after, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, query,
			entry.ID, entry.TransactionID, entry.AccountID, entry.Amount, entry.Currency, entry.BalanceAfter, entry.Description,
		); err != nil {
			return fmt.Errorf("insert ledger entry for %s: %w", entry.AccountID, err)
		}
	}
	return nil
}

func (s *LedgerStore) ListByTransaction(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	var rows []models.LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, transaction_id, account_id, amount, currency, balance_after, description, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY amount
	`, transactionID)
	return rows, err
}

// SumByAccount is the balance implied by the ledger. It must equal the
// stored balance for every account.
func (s *LedgerStore) SumByAccount(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1
	`, accountID)
	return sum, err
}

type LedgerEntryInput struct {
	ID            string
	TransactionID string
	AccountID     string
	Amount        decimal.Decimal
	Currency      string
	BalanceAfter  decimal.Decimal
	Description   string
}
