package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ledger/internal/db"
	"ledger/internal/metrics"
	"ledger/internal/models"
	"ledger/internal/money"
	"ledger/internal/store"
	"ledger/internal/websocket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errDuplicateRequest = errors.New("client request id already recorded")

type AccountStore interface {
	GetForRead(ctx context.Context, accountNumber string) (models.Account, error)
	GetForUpdate(ctx context.Context, tx store.Getter, accountNumber string) (models.Account, error)
	ApplyDelta(ctx context.Context, tx store.Getter, account models.Account, delta decimal.Decimal) (models.Account, error)
}

type TransactionStore interface {
	Create(ctx context.Context, tx store.Execer, txn models.Transaction) error
	GetByReference(ctx context.Context, reference string) (models.Transaction, error)
	GetForUpdate(ctx context.Context, tx store.Getter, reference string) (models.Transaction, error)
	ReferenceExists(ctx context.Context, reference string) (bool, error)
	FindByClientRequestID(ctx context.Context, initiatorID, clientRequestID string) (models.Transaction, error)
	UpdateStatus(ctx context.Context, tx store.Execer, update store.StatusUpdate) error
	SumOutbound(ctx context.Context, tx store.Getter, accountID string, from, to time.Time) (decimal.Decimal, error)
	SumRefunded(ctx context.Context, tx store.Getter, reference string) (decimal.Decimal, error)
	ListByAccount(ctx context.Context, accountID string, q store.HistoryQuery) ([]models.Transaction, int, error)
}

type LedgerStore interface {
	InsertEntries(ctx context.Context, tx store.Execer, entries []store.LedgerEntryInput) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type BalanceHub interface {
	BroadcastBalance(userID string, update websocket.BalanceUpdate)
	BroadcastTransaction(userID string, update websocket.TransactionUpdate)
}

type Options struct {
	Location        *time.Location
	ReferencePrefix string
	Now             func() time.Time
}

// Engine moves money between accounts. Every movement is first recorded
// PENDING, then applied in one serializable unit that locks the entry row
// and the accounts in ascending account-number order.
type Engine struct {
	txRunner db.TxRunner
	accounts AccountStore
	txns     TransactionStore
	ledger   LedgerStore
	audit    AuditStore
	hub      BalanceHub
	limits   *LimitValidator
	refs     *ReferenceAllocator
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(txRunner db.TxRunner, accounts AccountStore, txns TransactionStore, ledger LedgerStore, audit AuditStore, hub BalanceHub, logger *zap.Logger, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	refs := NewReferenceAllocator(txns, opts.ReferencePrefix)
	refs.now = now
	return &Engine{
		txRunner: txRunner,
		accounts: accounts,
		txns:     txns,
		ledger:   ledger,
		audit:    audit,
		hub:      hub,
		limits:   NewLimitValidator(txns, opts.Location),
		refs:     refs,
		logger:   logger,
		now:      now,
	}
}

type balanceEvent struct {
	ownerID string
	update  websocket.BalanceUpdate
}

// Transfer moves funds between two accounts. Requests with ExecuteAt are
// scheduled instead.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (models.Transaction, error) {
	if req.ExecuteAt != nil {
		return e.ScheduleTransfer(ctx, req)
	}
	if err := validateTransfer(req); err != nil {
		return models.Transaction{}, err
	}
	return e.submit(ctx, transferDraft(req), req.FromAccount, req.ToAccount)
}

// ScheduleTransfer records a PENDING transfer that the worker executes once
// ExecuteAt has passed. No balance moves before then.
func (e *Engine) ScheduleTransfer(ctx context.Context, req TransferRequest) (models.Transaction, error) {
	if err := validateTransfer(req); err != nil {
		return models.Transaction{}, err
	}
	if req.ExecuteAt == nil || !req.ExecuteAt.After(e.now()) {
		return models.Transaction{}, fail(ErrValidation, "scheduled time must be in the future")
	}
	draft := transferDraft(req)
	at := req.ExecuteAt.UTC()
	draft.ScheduledAt = &at
	return e.submit(ctx, draft, req.FromAccount, req.ToAccount)
}

func (e *Engine) Deposit(ctx context.Context, req MovementRequest) (models.Transaction, error) {
	if err := validateMovement(req); err != nil {
		return models.Transaction{}, err
	}
	draft := movementDraft(req, models.TypeCredit)
	return e.submit(ctx, draft, "", req.AccountNumber)
}

func (e *Engine) Withdraw(ctx context.Context, req MovementRequest) (models.Transaction, error) {
	if err := validateMovement(req); err != nil {
		return models.Transaction{}, err
	}
	draft := movementDraft(req, models.TypeDebit)
	return e.submit(ctx, draft, req.AccountNumber, "")
}

// Reverse books a REVERSAL that returns the full amount of a successful
// entry. The original becomes REVERSED in the same unit.
func (e *Engine) Reverse(ctx context.Context, req ReverseRequest) (models.Transaction, error) {
	if strings.TrimSpace(req.Reference) == "" || req.InitiatorID == "" {
		return models.Transaction{}, fail(ErrValidation, "reference and initiator are required")
	}
	original, err := e.GetByReference(ctx, req.Reference)
	if err != nil {
		return models.Transaction{}, err
	}
	if original.Type == models.TypeReversal || original.Type == models.TypeRefund {
		return models.Transaction{}, fail(ErrNotReversible, "%s entries cannot be reversed", strings.ToLower(string(original.Type)))
	}
	if original.Status != models.StatusSuccess {
		return models.Transaction{}, fail(ErrNotReversible, "transaction %s is %s", original.Reference, original.Status)
	}
	description := req.Reason
	if description == "" {
		description = "Reversal of " + original.Reference
	}
	draft := models.Transaction{
		Type:             models.TypeReversal,
		Mode:             original.Mode,
		Amount:           original.Amount,
		Currency:         original.Currency,
		Description:      description,
		InitiatorID:      req.InitiatorID,
		ClientRequestID:  optional(req.ClientRequestID),
		RelatedReference: &original.Reference,
	}
	return e.submit(ctx, draft, deref(original.ToAccount), deref(original.FromAccount))
}

// Refund returns part or all of a successful transfer or withdrawal. The sum
// of refunds never exceeds the original amount.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (models.Transaction, error) {
	if strings.TrimSpace(req.Reference) == "" || req.InitiatorID == "" {
		return models.Transaction{}, fail(ErrValidation, "reference and initiator are required")
	}
	if err := validateAmount(req.Amount); err != nil {
		return models.Transaction{}, err
	}
	original, err := e.GetByReference(ctx, req.Reference)
	if err != nil {
		return models.Transaction{}, err
	}
	if !original.Type.CountsTowardLimits() {
		return models.Transaction{}, fail(ErrNotReversible, "%s entries cannot be refunded", strings.ToLower(string(original.Type)))
	}
	if original.Status != models.StatusSuccess {
		return models.Transaction{}, fail(ErrNotReversible, "transaction %s is %s", original.Reference, original.Status)
	}
	if req.Amount.GreaterThan(original.Amount) {
		return models.Transaction{}, fail(ErrNotReversible, "refund %s exceeds original amount %s", money.Format(req.Amount), money.Format(original.Amount))
	}
	description := req.Reason
	if description == "" {
		description = "Refund of " + original.Reference
	}
	draft := models.Transaction{
		Type:             models.TypeRefund,
		Mode:             original.Mode,
		Amount:           req.Amount,
		Currency:         original.Currency,
		Description:      description,
		InitiatorID:      req.InitiatorID,
		ClientRequestID:  optional(req.ClientRequestID),
		RelatedReference: &original.Reference,
	}
	return e.submit(ctx, draft, deref(original.ToAccount), deref(original.FromAccount))
}

// Cancel withdraws a PENDING entry before it executes. Only the initiator
// may cancel.
func (e *Engine) Cancel(ctx context.Context, reference, callerID string) (models.Transaction, error) {
	var result models.Transaction
	err := e.txRunner.WithTx(ctx, func(tx store.Tx) error {
		current, err := e.txns.GetForUpdate(ctx, tx, reference)
		if errors.Is(err, store.ErrTransactionNotFound) {
			return fail(ErrTransactionNotFound, "transaction %s not found", reference)
		}
		if err != nil {
			return err
		}
		if current.InitiatorID != callerID {
			return fail(ErrNotCancellable, "only the initiator may cancel %s", reference)
		}
		if current.Status != models.StatusPending {
			return fail(ErrNotCancellable, "transaction %s is %s", reference, current.Status)
		}
		now := e.now()
		if err := e.txns.UpdateStatus(ctx, tx, store.StatusUpdate{
			ID:          current.ID,
			Status:      models.StatusCancelled,
			ProcessedAt: &now,
		}); err != nil {
			return err
		}
		if err := e.auditLog(ctx, tx, callerID, "cancel", current, nil); err != nil {
			return err
		}
		current.Status = models.StatusCancelled
		current.ProcessedAt = &now
		current.UpdatedAt = now
		result = current
		return nil
	})
	if err != nil {
		if f, ok := asFailure(err); ok {
			return models.Transaction{}, f
		}
		if isBusy(err) {
			return models.Transaction{}, fail(ErrBusy, "transaction %s is being processed, retry later", reference)
		}
		return models.Transaction{}, fmt.Errorf("cancel %s: %w", reference, err)
	}
	e.logger.Info("transaction cancelled", zap.String("reference", reference), zap.String("actor", callerID))
	e.observe(result, nil)
	e.publish(result, nil)
	return result, nil
}

// Execute applies an already persisted entry. Terminal entries are returned
// unchanged, so concurrent executors of the same entry are harmless.
func (e *Engine) Execute(ctx context.Context, txn models.Transaction) (models.Transaction, error) {
	started := time.Now()
	defer metrics.ObserveExecution(string(txn.Type), started)

	var (
		result  models.Transaction
		outcome *Failure
		events  []balanceEvent
		settled bool
	)
	err := e.txRunner.WithTx(ctx, func(tx store.Tx) error {
		result, outcome, events, settled = models.Transaction{}, nil, nil, false

		current, err := e.txns.GetForUpdate(ctx, tx, txn.Reference)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			result = current
			return nil
		}
		applied, applyEvents, err := e.apply(ctx, tx, current)
		if f, ok := asFailure(err); ok && !errors.Is(f, ErrInvariantViolation) {
			// Checks run before any balance is written, so the failure can
			// be recorded in this same unit.
			failed, err := e.markFailed(ctx, tx, current, f, current.InitiatorID)
			if err != nil {
				return err
			}
			result, outcome, settled = failed, f, true
			return nil
		}
		if err != nil {
			return err
		}
		result, events, settled = applied, applyEvents, true
		return nil
	})
	if err != nil {
		return e.recoverExecution(ctx, txn, err)
	}
	if !settled {
		if result.Status == models.StatusFailed {
			return result, failureFromReason(deref(result.FailureReason))
		}
		return result, nil
	}

	e.observe(result, outcome)
	e.publish(result, events)
	if outcome != nil {
		e.logger.Info("transaction failed",
			zap.String("reference", result.Reference),
			zap.String("type", string(result.Type)),
			zap.String("reason", ReasonCode(outcome)),
			zap.String("detail", outcome.Message),
		)
		return result, outcome
	}
	e.logger.Info("transaction settled",
		zap.String("reference", result.Reference),
		zap.String("type", string(result.Type)),
		zap.String("amount", money.Format(result.Amount)),
	)
	return result, nil
}

// Abandon fails an entry the worker could not complete. Operators follow up
// from the audit trail.
func (e *Engine) Abandon(ctx context.Context, txn models.Transaction, cause error) (models.Transaction, error) {
	kind := ErrInternal
	if f, ok := asFailure(cause); ok {
		kind = f.Kind
	}
	f := fail(kind, "abandoned after %d attempts: %v", txn.Attempts, cause)
	failed, err := e.failStandalone(ctx, txn, f, "")
	if err != nil {
		return txn, err
	}
	e.logger.Warn("transaction abandoned",
		zap.String("reference", txn.Reference),
		zap.Int("attempts", txn.Attempts),
		zap.Error(cause),
	)
	return failed, nil
}

func (e *Engine) GetByReference(ctx context.Context, reference string) (models.Transaction, error) {
	txn, err := e.txns.GetByReference(ctx, reference)
	if errors.Is(err, store.ErrTransactionNotFound) {
		return models.Transaction{}, fail(ErrTransactionNotFound, "transaction %s not found", reference)
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("get transaction %s: %w", reference, err)
	}
	return txn, nil
}

// GetAccount is a lock-free read for display. It may lag an in-flight
// transfer.
func (e *Engine) GetAccount(ctx context.Context, accountNumber string) (models.Account, error) {
	account, err := e.accounts.GetForRead(ctx, accountNumber)
	if errors.Is(err, store.ErrAccountNotFound) {
		return models.Account{}, fail(ErrAccountNotFound, "account %s not found", accountNumber)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account %s: %w", accountNumber, err)
	}
	return account, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// History lists entries touching the account, newest first. PENDING entries
// are included.
func (e *Engine) History(ctx context.Context, accountNumber string, q HistoryQuery) (models.Page, error) {
	account, err := e.GetAccount(ctx, accountNumber)
	if err != nil {
		return models.Page{}, err
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return models.Page{}, fail(ErrValidation, "from must be before to")
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.Size
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	items, total, err := e.txns.ListByAccount(ctx, account.ID, store.HistoryQuery{
		From:   q.From,
		To:     q.To,
		Limit:  size,
		Offset: (page - 1) * size,
	})
	if err != nil {
		return models.Page{}, fmt.Errorf("history %s: %w", accountNumber, err)
	}
	if items == nil {
		items = []models.Transaction{}
	}
	return models.Page{Items: items, Total: total, Page: page, Size: size}, nil
}

// submit records the draft and, unless it is scheduled, executes it.
func (e *Engine) submit(ctx context.Context, draft models.Transaction, from, to string) (models.Transaction, error) {
	if draft.ClientRequestID != nil {
		existing, err := e.txns.FindByClientRequestID(ctx, draft.InitiatorID, *draft.ClientRequestID)
		if err == nil {
			return e.replay(ctx, existing, draft, from, to)
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return models.Transaction{}, fmt.Errorf("lookup client request: %w", err)
		}
	}

	source, missingFrom, err := e.resolve(ctx, from)
	if err != nil {
		return models.Transaction{}, err
	}
	dest, missingTo, err := e.resolve(ctx, to)
	if err != nil {
		return models.Transaction{}, err
	}
	// With neither side known there is no account to attach the attempt to.
	missing := missingFrom
	if missing == nil {
		missing = missingTo
	}
	if missing != nil && source == nil && dest == nil {
		return models.Transaction{}, missing
	}
	if source != nil {
		draft.FromAccountID = &source.ID
		draft.FromAccount = &source.AccountNumber
	}
	if dest != nil {
		draft.ToAccountID = &dest.ID
		draft.ToAccount = &dest.AccountNumber
	}
	if draft.Currency == "" {
		if source != nil {
			draft.Currency = source.Currency
		} else {
			draft.Currency = dest.Currency
		}
	}

	now := e.now()
	draft.ID = uuid.NewString()
	draft.Status = models.StatusPending
	draft.CreatedAt = now
	draft.UpdatedAt = now
	if draft.ScheduledAt == nil {
		draft.Attempts = 1
	}

	rejected := missing
	if rejected != nil {
		reason := rejected.Reason()
		draft.Status = models.StatusFailed
		draft.FailureReason = &reason
		draft.ProcessedAt = &now
	} else if draft.Type.CountsTowardLimits() {
		if err := CheckSingle(*source, draft.Amount); err != nil {
			rejected, _ = asFailure(err)
			reason := rejected.Reason()
			draft.Status = models.StatusFailed
			draft.FailureReason = &reason
			draft.ProcessedAt = &now
		}
	}

	saved, err := e.persist(ctx, draft)
	if errors.Is(err, errDuplicateRequest) {
		existing, ferr := e.txns.FindByClientRequestID(ctx, draft.InitiatorID, *draft.ClientRequestID)
		if ferr != nil {
			return models.Transaction{}, fmt.Errorf("lookup client request: %w", ferr)
		}
		return e.replay(ctx, existing, draft, from, to)
	}
	if err != nil {
		return models.Transaction{}, err
	}
	if rejected != nil {
		e.logger.Info("transaction rejected",
			zap.String("reference", saved.Reference),
			zap.String("reason", ReasonCode(rejected)),
			zap.String("detail", rejected.Message),
		)
		e.observe(saved, rejected)
		e.publish(saved, nil)
		return saved, rejected
	}
	if saved.ScheduledAt != nil {
		e.logger.Info("transfer scheduled",
			zap.String("reference", saved.Reference),
			zap.Time("execute_at", *saved.ScheduledAt),
		)
		e.observe(saved, nil)
		return saved, nil
	}
	return e.Execute(ctx, saved)
}

// resolve looks up an optional account number. An unknown number comes back
// as a Failure rather than an error so the caller can record the attempt.
func (e *Engine) resolve(ctx context.Context, number string) (*models.Account, *Failure, error) {
	if number == "" {
		return nil, nil, nil
	}
	account, err := e.GetAccount(ctx, number)
	if errors.Is(err, ErrAccountNotFound) {
		f, _ := asFailure(err)
		return nil, f, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &account, nil, nil
}

// persist allocates a reference and writes the entry in its own unit, so it
// survives whatever happens to the execution that follows.
func (e *Engine) persist(ctx context.Context, draft models.Transaction) (models.Transaction, error) {
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		reference, err := e.refs.Next(ctx)
		if err != nil {
			return models.Transaction{}, fmt.Errorf("allocate reference: %w", err)
		}
		draft.Reference = reference
		err = e.txRunner.WithTx(ctx, func(tx store.Tx) error {
			return e.txns.Create(ctx, tx, draft)
		})
		switch {
		case err == nil:
			return draft, nil
		case db.IsUniqueViolation(err, store.ReferenceConstraint):
			continue
		case db.IsUniqueViolation(err, store.ClientRequestConstraint):
			return models.Transaction{}, errDuplicateRequest
		case isBusy(err):
			return models.Transaction{}, fail(ErrBusy, "could not record the request, retry later")
		default:
			return models.Transaction{}, fmt.Errorf("record transaction: %w", err)
		}
	}
	return models.Transaction{}, ErrReferenceExhausted
}

// replay answers a retried request with the entry it created the first time.
func (e *Engine) replay(ctx context.Context, existing, draft models.Transaction, from, to string) (models.Transaction, error) {
	same := existing.Type == draft.Type &&
		existing.Amount.Equal(draft.Amount) &&
		deref(existing.FromAccount) == from &&
		deref(existing.ToAccount) == to &&
		deref(existing.RelatedReference) == deref(draft.RelatedReference)
	if !same {
		return models.Transaction{}, fail(ErrIdempotencyConflict, "client request id %q was used for a different request", *draft.ClientRequestID)
	}
	switch {
	case existing.Status == models.StatusFailed:
		return existing, failureFromReason(deref(existing.FailureReason))
	case existing.Status.IsTerminal(), existing.ScheduledAt != nil:
		return existing, nil
	default:
		return e.Execute(ctx, existing)
	}
}

// apply runs the checks and the balance movement for one locked entry. All
// checks happen before the first write.
func (e *Engine) apply(ctx context.Context, tx store.Tx, txn models.Transaction) (models.Transaction, []balanceEvent, error) {
	var original *models.Transaction
	if txn.RelatedReference != nil {
		locked, err := e.txns.GetForUpdate(ctx, tx, *txn.RelatedReference)
		if errors.Is(err, store.ErrTransactionNotFound) {
			return txn, nil, fail(ErrTransactionNotFound, "transaction %s not found", *txn.RelatedReference)
		}
		if err != nil {
			return txn, nil, err
		}
		if err := e.checkOriginal(ctx, tx, txn, locked); err != nil {
			return txn, nil, err
		}
		original = &locked
	}

	locked, err := e.lockAccounts(ctx, tx, txn.FromAccount, txn.ToAccount)
	if errors.Is(err, store.ErrAccountNotFound) {
		return txn, nil, fail(ErrAccountNotFound, "account for %s no longer exists", txn.Reference)
	}
	if err != nil {
		return txn, nil, err
	}
	var source, dest *models.Account
	if txn.FromAccount != nil {
		account := locked[*txn.FromAccount]
		source = &account
	}
	if txn.ToAccount != nil {
		account := locked[*txn.ToAccount]
		dest = &account
	}

	if source != nil {
		if err := checkSource(txn, *source); err != nil {
			return txn, nil, err
		}
		if txn.Type.CountsTowardLimits() {
			if err := CheckSingle(*source, txn.Amount); err != nil {
				return txn, nil, err
			}
			if err := e.limits.CheckDaily(ctx, tx, *source, txn.Amount, e.now()); err != nil {
				return txn, nil, err
			}
		}
		if txn.Amount.GreaterThan(source.Available()) {
			return txn, nil, fail(ErrInsufficientBalance, "account %s has %s available, %s requested",
				source.AccountNumber, money.Format(source.Available()), money.Format(txn.Amount))
		}
	}
	if dest != nil {
		if !dest.Status.CanReceive() {
			return txn, nil, fail(ErrAccountNotUsable, "account %s is %s", dest.AccountNumber, dest.Status)
		}
		if dest.Currency != txn.Currency {
			return txn, nil, fail(ErrCurrencyMismatch, "account %s holds %s, entry is in %s", dest.AccountNumber, dest.Currency, txn.Currency)
		}
	}

	var (
		legs         []store.LedgerEntryInput
		events       []balanceEvent
		balanceAfter decimal.NullDecimal
	)
	move := func(account models.Account, delta decimal.Decimal, description string) error {
		updated, err := e.accounts.ApplyDelta(ctx, tx, account, delta)
		if errors.Is(err, store.ErrInvariantViolation) {
			return fail(ErrInvariantViolation, "account %s would fall below its minimum balance", account.AccountNumber)
		}
		if err != nil {
			return err
		}
		legs = append(legs, store.LedgerEntryInput{
			ID:            uuid.NewString(),
			TransactionID: txn.ID,
			AccountID:     updated.ID,
			Amount:        delta,
			Currency:      txn.Currency,
			BalanceAfter:  updated.Balance,
			Description:   description,
		})
		if !balanceAfter.Valid {
			balanceAfter = decimal.NewNullDecimal(updated.Balance)
		}
		if updated.OwnerID != nil {
			events = append(events, balanceEvent{
				ownerID: *updated.OwnerID,
				update: websocket.BalanceUpdate{
					AccountNumber: updated.AccountNumber,
					Balance:       money.Format(updated.Balance),
					Currency:      updated.Currency,
					Reference:     txn.Reference,
				},
			})
		}
		return nil
	}
	label := strings.ToLower(string(txn.Type))
	if source != nil {
		if err := move(*source, txn.Amount.Neg(), label+" debit"); err != nil {
			return txn, nil, err
		}
	}
	if dest != nil {
		if err := move(*dest, txn.Amount, label+" credit"); err != nil {
			return txn, nil, err
		}
	}
	if source != nil && dest != nil {
		if err := ensureBalanced(legs); err != nil {
			return txn, nil, err
		}
	}
	if err := e.ledger.InsertEntries(ctx, tx, legs); err != nil {
		return txn, nil, err
	}

	if original != nil && txn.Type == models.TypeReversal {
		if err := e.txns.UpdateStatus(ctx, tx, store.StatusUpdate{ID: original.ID, Status: models.StatusReversed}); err != nil {
			return txn, nil, fmt.Errorf("mark %s reversed: %w", original.Reference, err)
		}
		if err := e.auditLog(ctx, tx, txn.InitiatorID, "reversed", *original, map[string]string{"reversal": txn.Reference}); err != nil {
			return txn, nil, err
		}
	}

	now := e.now()
	if err := e.txns.UpdateStatus(ctx, tx, store.StatusUpdate{
		ID:           txn.ID,
		Status:       models.StatusSuccess,
		BalanceAfter: balanceAfter,
		ProcessedAt:  &now,
	}); err != nil {
		return txn, nil, fmt.Errorf("settle %s: %w", txn.Reference, err)
	}
	txn.Status = models.StatusSuccess
	txn.BalanceAfter = balanceAfter
	txn.ProcessedAt = &now
	txn.UpdatedAt = now
	if err := e.auditLog(ctx, tx, txn.InitiatorID, label, txn, nil); err != nil {
		return txn, nil, err
	}
	return txn, events, nil
}

// checkOriginal validates the entry a REVERSAL or REFUND points at. The
// original row is locked, so refunds against it are serialized.
func (e *Engine) checkOriginal(ctx context.Context, tx store.Tx, txn, original models.Transaction) error {
	if original.Status != models.StatusSuccess {
		return fail(ErrNotReversible, "transaction %s is %s", original.Reference, original.Status)
	}
	refunded, err := e.txns.SumRefunded(ctx, tx, original.Reference)
	if err != nil {
		return err
	}
	switch txn.Type {
	case models.TypeReversal:
		if original.Type == models.TypeReversal || original.Type == models.TypeRefund {
			return fail(ErrNotReversible, "%s entries cannot be reversed", strings.ToLower(string(original.Type)))
		}
		if refunded.IsPositive() {
			return fail(ErrNotReversible, "transaction %s has %s refunded", original.Reference, money.Format(refunded))
		}
	case models.TypeRefund:
		if !original.Type.CountsTowardLimits() {
			return fail(ErrNotReversible, "%s entries cannot be refunded", strings.ToLower(string(original.Type)))
		}
		remaining := original.Amount.Sub(refunded)
		if txn.Amount.GreaterThan(remaining) {
			return fail(ErrNotReversible, "refund %s exceeds remaining %s", money.Format(txn.Amount), money.Format(remaining))
		}
	}
	return nil
}

func checkSource(txn models.Transaction, source models.Account) error {
	usable := source.Status.CanSend()
	if txn.Type == models.TypeReversal || txn.Type == models.TypeRefund {
		usable = source.Status.CanReceive()
	}
	if !usable {
		return fail(ErrAccountNotUsable, "account %s is %s", source.AccountNumber, source.Status)
	}
	if txn.Type.CountsTowardLimits() && txn.Mode != models.ModeSystem && !source.OwnedBy(txn.InitiatorID) {
		return fail(ErrAccountNotUsable, "account %s does not belong to the initiator", source.AccountNumber)
	}
	if source.Currency != txn.Currency {
		return fail(ErrCurrencyMismatch, "account %s holds %s, entry is in %s", source.AccountNumber, source.Currency, txn.Currency)
	}
	return nil
}

// lockAccounts takes the row locks in ascending account-number order,
// whatever the direction of the movement.
func (e *Engine) lockAccounts(ctx context.Context, tx store.Getter, numbers ...*string) (map[string]models.Account, error) {
	ordered := make([]string, 0, len(numbers))
	for _, number := range numbers {
		if number != nil {
			ordered = append(ordered, *number)
		}
	}
	sort.Strings(ordered)
	locked := make(map[string]models.Account, len(ordered))
	for _, number := range ordered {
		if _, ok := locked[number]; ok {
			continue
		}
		account, err := e.accounts.GetForUpdate(ctx, tx, number)
		if err != nil {
			return nil, err
		}
		locked[number] = account
	}
	return locked, nil
}

// markFailed records f on the entry. An empty actorID audits the change as
// a system action.
func (e *Engine) markFailed(ctx context.Context, tx store.Execer, txn models.Transaction, f *Failure, actorID string) (models.Transaction, error) {
	now := e.now()
	reason := f.Reason()
	if err := e.txns.UpdateStatus(ctx, tx, store.StatusUpdate{
		ID:            txn.ID,
		Status:        models.StatusFailed,
		FailureReason: &reason,
		ProcessedAt:   &now,
	}); err != nil {
		return txn, fmt.Errorf("fail %s: %w", txn.Reference, err)
	}
	if err := e.auditLog(ctx, tx, actorID, "fail", txn, map[string]string{"reason": reason}); err != nil {
		return txn, err
	}
	txn.Status = models.StatusFailed
	txn.FailureReason = &reason
	txn.ProcessedAt = &now
	txn.UpdatedAt = now
	return txn, nil
}

// failStandalone marks the entry FAILED in a fresh unit unless something
// else already resolved it.
func (e *Engine) failStandalone(ctx context.Context, txn models.Transaction, f *Failure, actorID string) (models.Transaction, error) {
	var result models.Transaction
	var changed bool
	err := e.txRunner.WithTx(ctx, func(tx store.Tx) error {
		changed = false
		current, err := e.txns.GetForUpdate(ctx, tx, txn.Reference)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			result = current
			return nil
		}
		failed, err := e.markFailed(ctx, tx, current, f, actorID)
		if err != nil {
			return err
		}
		result, changed = failed, true
		return nil
	})
	if err != nil {
		return txn, err
	}
	if changed {
		e.observe(result, f)
		e.publish(result, nil)
	}
	return result, nil
}

// recoverExecution handles an execution unit that rolled back.
func (e *Engine) recoverExecution(ctx context.Context, txn models.Transaction, err error) (models.Transaction, error) {
	if f, ok := asFailure(err); ok {
		e.logger.Error("balance guard rejected a movement that passed the funds check",
			zap.String("reference", txn.Reference),
			zap.String("detail", f.Message),
		)
		failed, ferr := e.failStandalone(ctx, txn, f, "")
		if ferr != nil {
			e.logger.Warn("could not record failure", zap.String("reference", txn.Reference), zap.Error(ferr))
			return txn, f
		}
		return failed, f
	}
	if errors.Is(err, store.ErrTransactionNotFound) {
		return txn, fail(ErrTransactionNotFound, "transaction %s not found", txn.Reference)
	}
	if isBusy(err) {
		e.logger.Warn("execution busy, left for reconciliation",
			zap.String("reference", txn.Reference),
			zap.Error(err),
		)
		metrics.ObserveTransaction(string(txn.Type), string(txn.Status), "busy")
		return txn, fail(ErrBusy, "accounts are locked by concurrent transfers, retry later")
	}

	e.logger.Error("execution aborted", zap.String("reference", txn.Reference), zap.Error(err))
	failed, ferr := e.failStandalone(ctx, txn, fail(ErrInternal, "execution aborted"), "")
	if ferr != nil {
		e.logger.Warn("could not record failure", zap.String("reference", txn.Reference), zap.Error(ferr))
		return txn, fmt.Errorf("execute %s: %w", txn.Reference, err)
	}
	return failed, fmt.Errorf("execute %s: %w", txn.Reference, err)
}

func (e *Engine) auditLog(ctx context.Context, tx store.Execer, actorID, action string, txn models.Transaction, extra map[string]string) error {
	payload := map[string]string{
		"reference": txn.Reference,
		"type":      string(txn.Type),
		"amount":    money.Format(txn.Amount),
		"currency":  txn.Currency,
		"status":    string(txn.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	return e.audit.Log(ctx, tx, actorID, action, "transaction", txn.ID, string(data))
}

func (e *Engine) observe(txn models.Transaction, f *Failure) {
	reason := ""
	if f != nil {
		reason = ReasonCode(f)
	}
	metrics.ObserveTransaction(string(txn.Type), string(txn.Status), reason)
}

// publish runs after commit. Pushes are best effort.
func (e *Engine) publish(txn models.Transaction, events []balanceEvent) {
	if e.hub == nil {
		return
	}
	for _, ev := range events {
		e.hub.BroadcastBalance(ev.ownerID, ev.update)
	}
	e.hub.BroadcastTransaction(txn.InitiatorID, websocket.TransactionUpdate{
		Reference:     txn.Reference,
		Type:          string(txn.Type),
		Status:        string(txn.Status),
		Amount:        money.Format(txn.Amount),
		Currency:      txn.Currency,
		FailureReason: deref(txn.FailureReason),
	})
}

func ensureBalanced(entries []store.LedgerEntryInput) error {
	sum := decimal.Zero
	for _, entry := range entries {
		sum = sum.Add(entry.Amount)
	}
	if !sum.IsZero() {
		return errors.New("ledger entries are not balanced")
	}
	return nil
}

func isBusy(err error) bool {
	return db.IsLockTimeout(err) || errors.Is(err, context.Canceled)
}
