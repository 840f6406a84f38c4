package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"ledger/internal/auth"
	"ledger/internal/config"
	"ledger/internal/models"
	"ledger/internal/services"
	"ledger/internal/store"
	"ledger/internal/websocket"

	"github.com/shopspring/decimal"
)

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(store.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubEngine struct {
	transferFn       func(ctx context.Context, req services.TransferRequest) (models.Transaction, error)
	depositFn        func(ctx context.Context, req services.MovementRequest) (models.Transaction, error)
	withdrawFn       func(ctx context.Context, req services.MovementRequest) (models.Transaction, error)
	reverseFn        func(ctx context.Context, req services.ReverseRequest) (models.Transaction, error)
	refundFn         func(ctx context.Context, req services.RefundRequest) (models.Transaction, error)
	cancelFn         func(ctx context.Context, reference, callerID string) (models.Transaction, error)
	getByReferenceFn func(ctx context.Context, reference string) (models.Transaction, error)
	getAccountFn     func(ctx context.Context, accountNumber string) (models.Account, error)
	historyFn        func(ctx context.Context, accountNumber string, q services.HistoryQuery) (models.Page, error)
}

func (s stubEngine) Transfer(ctx context.Context, req services.TransferRequest) (models.Transaction, error) {
	return s.transferFn(ctx, req)
}

func (s stubEngine) Deposit(ctx context.Context, req services.MovementRequest) (models.Transaction, error) {
	return s.depositFn(ctx, req)
}

func (s stubEngine) Withdraw(ctx context.Context, req services.MovementRequest) (models.Transaction, error) {
	return s.withdrawFn(ctx, req)
}

func (s stubEngine) Reverse(ctx context.Context, req services.ReverseRequest) (models.Transaction, error) {
	return s.reverseFn(ctx, req)
}

func (s stubEngine) Refund(ctx context.Context, req services.RefundRequest) (models.Transaction, error) {
	return s.refundFn(ctx, req)
}

func (s stubEngine) Cancel(ctx context.Context, reference, callerID string) (models.Transaction, error) {
	return s.cancelFn(ctx, reference, callerID)
}

func (s stubEngine) GetByReference(ctx context.Context, reference string) (models.Transaction, error) {
	return s.getByReferenceFn(ctx, reference)
}

func (s stubEngine) GetAccount(ctx context.Context, accountNumber string) (models.Account, error) {
	return s.getAccountFn(ctx, accountNumber)
}

func (s stubEngine) History(ctx context.Context, accountNumber string, q services.HistoryQuery) (models.Page, error) {
	return s.historyFn(ctx, accountNumber, q)
}

type stubAccountStore struct {
	createFn    func(ctx context.Context, tx store.Execer, account models.Account) error
	setStatusFn func(ctx context.Context, tx store.Getter, accountNumber string, status models.AccountStatus) (models.Account, error)
	setLimitsFn func(ctx context.Context, tx store.Getter, accountNumber string, limits store.AccountLimits) (models.Account, error)
}

func (s stubAccountStore) Create(ctx context.Context, tx store.Execer, account models.Account) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, account)
}

func (s stubAccountStore) SetStatus(ctx context.Context, tx store.Getter, accountNumber string, status models.AccountStatus) (models.Account, error) {
	return s.setStatusFn(ctx, tx, accountNumber, status)
}

func (s stubAccountStore) SetLimits(ctx context.Context, tx store.Getter, accountNumber string, limits store.AccountLimits) (models.Account, error) {
	return s.setLimitsFn(ctx, tx, accountNumber, limits)
}

type stubLedgerStore struct {
	listFn func(ctx context.Context, transactionID string) ([]models.LedgerEntry, error)
	sumFn  func(ctx context.Context, accountID string) (decimal.Decimal, error)
}

func (s stubLedgerStore) ListByTransaction(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	return s.listFn(ctx, transactionID)
}

func (s stubLedgerStore) SumByAccount(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.sumFn(ctx, accountID)
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	listFn func(ctx context.Context, entityType, entityID string) ([]store.AuditLog, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) ListByEntity(ctx context.Context, entityType, entityID string) ([]store.AuditLog, error) {
	return s.listFn(ctx, entityType, entityID)
}

func newTestHandler(txRunner fakeTxRunner, engine stubEngine, accounts stubAccountStore, ledger stubLedgerStore, audit stubAuditStore) http.Handler {
	cfg := config.Config{JWTSecret: "secret", AllowedOrigins: "*"}
	return New(txRunner, cfg, engine, accounts, ledger, audit, websocket.NewHub(), nil).Routes()
}

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.GenerateToken("secret", userID, role, time.Minute)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return "Bearer " + token
}

func ptr(value string) *string {
	return &value
}
