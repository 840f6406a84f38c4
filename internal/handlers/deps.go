package handlers

import (
	"context"

	"ledger/internal/models"
	"ledger/internal/services"
	"ledger/internal/store"

	"github.com/shopspring/decimal"
)

type Engine interface {
	Transfer(ctx context.Context, req services.TransferRequest) (models.Transaction, error)
	Deposit(ctx context.Context, req services.MovementRequest) (models.Transaction, error)
	Withdraw(ctx context.Context, req services.MovementRequest) (models.Transaction, error)
	Reverse(ctx context.Context, req services.ReverseRequest) (models.Transaction, error)
	Refund(ctx context.Context, req services.RefundRequest) (models.Transaction, error)
	Cancel(ctx context.Context, reference, callerID string) (models.Transaction, error)
	GetByReference(ctx context.Context, reference string) (models.Transaction, error)
	GetAccount(ctx context.Context, accountNumber string) (models.Account, error)
	History(ctx context.Context, accountNumber string, q services.HistoryQuery) (models.Page, error)
}

// AccountStore is the operator side of account management. Balances only
// change through the engine.
type AccountStore interface {
	Create(ctx context.Context, tx store.Execer, account models.Account) error
	SetStatus(ctx context.Context, tx store.Getter, accountNumber string, status models.AccountStatus) (models.Account, error)
	SetLimits(ctx context.Context, tx store.Getter, accountNumber string, limits store.AccountLimits) (models.Account, error)
}

type LedgerStore interface {
	ListByTransaction(ctx context.Context, transactionID string) ([]models.LedgerEntry, error)
	SumByAccount(ctx context.Context, accountID string) (decimal.Decimal, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]store.AuditLog, error)
}
