package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledger/internal/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

const (
	ReferenceConstraint     = "transactions_reference_number_key"
	ClientRequestConstraint = "transactions_client_request_idx"
)

const transactionSelect = `
		SELECT t.id, t.reference_number, t.type, t.mode, t.amount, t.currency, t.status,
		       t.from_account_id, t.to_account_id,
		       fa.account_number AS from_account_number, ta.account_number AS to_account_number,
		       t.balance_after, t.description, t.initiator_id, t.client_request_id,
		       t.related_reference, t.failure_reason, t.scheduled_at, t.attempts,
		       t.created_at, t.updated_at, t.processed_at
		FROM transactions t
		LEFT JOIN accounts fa ON fa.id = t.from_account_id
		LEFT JOIN accounts ta ON ta.id = t.to_account_id
`

// TransactionStore is the ledger writer: rows are appended and advanced
// through the status machine, never deleted.
type TransactionStore struct {
	db DB
}

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) Create(ctx context.Context, tx Execer, txn models.Transaction) error {
	query := `
		INSERT INTO transactions (id, reference_number, type, mode, amount, currency, status,
		                          from_account_id, to_account_id, balance_after, description, initiator_id,
		                          client_request_id, related_reference, failure_reason, scheduled_at, attempts,
		                          processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := tx.ExecContext(ctx, query,
		txn.ID, txn.Reference, txn.Type, txn.Mode, txn.Amount, txn.Currency, txn.Status,
		txn.FromAccountID, txn.ToAccountID, txn.BalanceAfter, txn.Description, txn.InitiatorID,
		txn.ClientRequestID, txn.RelatedReference, txn.FailureReason, txn.ScheduledAt, txn.Attempts,
		txn.ProcessedAt,
	)
	return err
}

func (s *TransactionStore) GetByReference(ctx context.Context, reference string) (models.Transaction, error) {
	var row models.Transaction
	err := s.db.GetContext(ctx, &row, transactionSelect+`WHERE t.reference_number = $1`, reference)
	if err != nil {
		return models.Transaction{}, txnNotFound(err)
	}
	return row, nil
}

// GetForUpdate locks the transaction row so that only one executor at a
// time can advance it.
func (s *TransactionStore) GetForUpdate(ctx context.Context, tx Getter, reference string) (models.Transaction, error) {
	var row models.Transaction
	err := tx.GetContext(ctx, &row, transactionSelect+`WHERE t.reference_number = $1 FOR UPDATE OF t`, reference)
	if err != nil {
		return models.Transaction{}, txnNotFound(err)
	}
	return row, nil
}

func (s *TransactionStore) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM transactions WHERE reference_number = $1)`, reference)
	return exists, err
}

func (s *TransactionStore) FindByClientRequestID(ctx context.Context, initiatorID, clientRequestID string) (models.Transaction, error) {
	var row models.Transaction
	err := s.db.GetContext(ctx, &row, transactionSelect+`WHERE t.initiator_id = $1 AND t.client_request_id = $2`, initiatorID, clientRequestID)
	if err != nil {
		return models.Transaction{}, txnNotFound(err)
	}
	return row, nil
}

type StatusUpdate struct {
	ID            string
	Status        models.TransactionStatus
	BalanceAfter  decimal.NullDecimal
	FailureReason *string
	ProcessedAt   *time.Time
}

// UpdateStatus advances a row along the status machine. The UPDATE only
// matches rows whose current status may legally move to the target.
func (s *TransactionStore) UpdateStatus(ctx context.Context, tx Execer, update StatusUpdate) error {
	sources := models.SourcesOf(update.Status)
	if len(sources) == 0 {
		return ErrInvalidTransition
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1,
		    balance_after = COALESCE($2, balance_after),
		    failure_reason = COALESCE($3, failure_reason),
		    processed_at = COALESCE($4, processed_at),
		    updated_at = NOW()
		WHERE id = $5 AND status = ANY($6)
	`, update.Status, update.BalanceAfter, update.FailureReason, update.ProcessedAt, update.ID, pq.Array(sources))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SumOutbound totals successful customer debits leaving the account that
// settled within [from, to). Settlement time counts, not booking time, so a
// transfer scheduled days ahead lands in the day it executes. The caller
// holds the account row lock.
func (s *TransactionStore) SumOutbound(ctx context.Context, tx Getter, accountID string, from, to time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE from_account_id = $1
		  AND status = 'SUCCESS'
		  AND type IN ('TRANSFER', 'DEBIT')
		  AND processed_at >= $2 AND processed_at < $3
	`, accountID, from, to)
	return sum, err
}

// SumRefunded totals successful refunds linked to the given reference.
func (s *TransactionStore) SumRefunded(ctx context.Context, tx Getter, reference string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE related_reference = $1 AND type = 'REFUND' AND status = 'SUCCESS'
	`, reference)
	return sum, err
}

type HistoryQuery struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// ListByAccount returns entries touching the account, newest first, and
// the total number of matches.
func (s *TransactionStore) ListByAccount(ctx context.Context, accountID string, q HistoryQuery) ([]models.Transaction, int, error) {
	where := `WHERE (t.from_account_id = $1 OR t.to_account_id = $1)`
	args := []any{accountID}
	if q.From != nil {
		args = append(args, *q.From)
		where += " AND t.created_at >= $" + itoa(len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		where += " AND t.created_at < $" + itoa(len(args))
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM transactions t `+where, args...); err != nil {
		return nil, 0, err
	}
	query := transactionSelect + where +
		" ORDER BY t.created_at DESC, t.id DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, q.Limit, q.Offset)
	var rows []models.Transaction
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ClaimRunnable selects due scheduled entries and stale in-flight entries,
// skipping rows another worker already holds, and marks them PROCESSING
// with one more attempt.
func (s *TransactionStore) ClaimRunnable(ctx context.Context, tx Tx, now, staleBefore time.Time, limit int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := tx.SelectContext(ctx, &rows, transactionSelect+`
		WHERE (t.scheduled_at IS NULL OR t.scheduled_at <= $1)
		  AND (
		        (t.status = 'PENDING' AND t.scheduled_at IS NOT NULL AND t.attempts = 0)
		     OR (t.status IN ('PENDING', 'PROCESSING') AND t.updated_at < $2)
		  )
		ORDER BY t.created_at
		LIMIT $3
		FOR UPDATE OF t SKIP LOCKED
	`, now, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'PROCESSING', attempts = attempts + 1, updated_at = $2
		WHERE id = ANY($1)
	`, pq.Array(ids), now); err != nil {
		return nil, fmt.Errorf("claim transactions: %w", err)
	}
	for i := range rows {
		rows[i].Status = models.StatusProcessing
		rows[i].Attempts++
		rows[i].UpdatedAt = now
	}
	return rows, nil
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}

func txnNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	return err
}
