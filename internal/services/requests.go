package services

import (
	"strings"
	"time"

	"ledger/internal/models"
	"ledger/internal/money"

	"github.com/shopspring/decimal"
)

type TransferRequest struct {
	InitiatorID     string
	FromAccount     string
	ToAccount       string
	Amount          decimal.Decimal
	Currency        string
	Mode            models.TransactionMode
	Description     string
	ClientRequestID string
	// ExecuteAt defers execution to the reconciliation worker.
	ExecuteAt *time.Time
}

// MovementRequest is a deposit or withdrawal crossing the platform boundary.
// Privileged callers act on accounts they do not own.
type MovementRequest struct {
	InitiatorID     string
	AccountNumber   string
	Amount          decimal.Decimal
	Currency        string
	Mode            models.TransactionMode
	Description     string
	ClientRequestID string
	Privileged      bool
}

type ReverseRequest struct {
	Reference       string
	InitiatorID     string
	Reason          string
	ClientRequestID string
}

type RefundRequest struct {
	Reference       string
	InitiatorID     string
	Amount          decimal.Decimal
	Reason          string
	ClientRequestID string
}

type HistoryQuery struct {
	From *time.Time
	To   *time.Time
	Page int
	Size int
}

func transferDraft(req TransferRequest) models.Transaction {
	mode := req.Mode
	if mode == "" {
		mode = models.ModeInternal
	}
	return models.Transaction{
		Type:            models.TypeTransfer,
		Mode:            mode,
		Amount:          req.Amount,
		Currency:        strings.ToUpper(req.Currency),
		Description:     req.Description,
		InitiatorID:     req.InitiatorID,
		ClientRequestID: optional(req.ClientRequestID),
	}
}

func movementDraft(req MovementRequest, txType models.TransactionType) models.Transaction {
	mode := req.Mode
	if req.Privileged {
		mode = models.ModeSystem
	}
	if mode == "" {
		mode = models.ModeInternal
	}
	return models.Transaction{
		Type:            txType,
		Mode:            mode,
		Amount:          req.Amount,
		Currency:        strings.ToUpper(req.Currency),
		Description:     req.Description,
		InitiatorID:     req.InitiatorID,
		ClientRequestID: optional(req.ClientRequestID),
	}
}

func validateTransfer(req TransferRequest) error {
	if req.InitiatorID == "" {
		return fail(ErrValidation, "initiator is required")
	}
	if strings.TrimSpace(req.FromAccount) == "" || strings.TrimSpace(req.ToAccount) == "" {
		return fail(ErrValidation, "source and destination accounts are required")
	}
	if req.FromAccount == req.ToAccount {
		return fail(ErrValidation, "cannot transfer to the same account")
	}
	if req.Mode != "" && (!req.Mode.Valid() || req.Mode == models.ModeSystem) {
		return fail(ErrValidation, "unsupported mode %q", req.Mode)
	}
	return validateAmount(req.Amount)
}

func validateMovement(req MovementRequest) error {
	if req.InitiatorID == "" {
		return fail(ErrValidation, "initiator is required")
	}
	if strings.TrimSpace(req.AccountNumber) == "" {
		return fail(ErrValidation, "account is required")
	}
	if req.Mode != "" && (!req.Mode.Valid() || (req.Mode == models.ModeSystem && !req.Privileged)) {
		return fail(ErrValidation, "unsupported mode %q", req.Mode)
	}
	return validateAmount(req.Amount)
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fail(ErrValidation, "amount must be positive")
	}
	if !amount.Equal(amount.Truncate(money.Scale)) {
		return fail(ErrValidation, "amount has more than %d decimal places", money.Scale)
	}
	return nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
