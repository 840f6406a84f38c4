package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "ACTIVE"
	AccountInactive AccountStatus = "INACTIVE"
	AccountDormant  AccountStatus = "DORMANT"
	AccountFrozen   AccountStatus = "FROZEN"
	AccountClosed   AccountStatus = "CLOSED"
)

// CanSend reports whether funds may leave an account in this status.
func (s AccountStatus) CanSend() bool {
	return s == AccountActive
}

// CanReceive reports whether funds may arrive on an account in this status.
// Dormant accounts still accept incoming money.
func (s AccountStatus) CanReceive() bool {
	return s == AccountActive || s == AccountDormant
}

type Account struct {
	ID                  string              `db:"id" json:"id"`
	AccountNumber       string              `db:"account_number" json:"account_number"`
	OwnerID             *string             `db:"owner_id" json:"owner_id,omitempty"`
	Currency            string              `db:"currency" json:"currency"`
	Balance             decimal.Decimal     `db:"balance" json:"balance"`
	Status              AccountStatus       `db:"status" json:"status"`
	DailyLimit          decimal.NullDecimal `db:"daily_limit" json:"daily_limit"`
	PerTransactionLimit decimal.NullDecimal `db:"per_transaction_limit" json:"per_transaction_limit"`
	MinimumBalance      decimal.NullDecimal `db:"minimum_balance" json:"minimum_balance"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// Floor is the lowest balance the account may hold. An unset minimum is zero.
func (a Account) Floor() decimal.Decimal {
	if a.MinimumBalance.Valid {
		return a.MinimumBalance.Decimal
	}
	return decimal.Zero
}

// Available is the amount that can be debited without breaching the floor.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Floor())
}

func (a Account) OwnedBy(userID string) bool {
	return a.OwnerID != nil && *a.OwnerID == userID
}

type TransactionType string

const (
	TypeCredit   TransactionType = "CREDIT"
	TypeDebit    TransactionType = "DEBIT"
	TypeTransfer TransactionType = "TRANSFER"
	TypeReversal TransactionType = "REVERSAL"
	TypeRefund   TransactionType = "REFUND"
)

// CountsTowardLimits reports whether the type is a customer-initiated
// outbound movement subject to per-transaction and daily limits.
func (t TransactionType) CountsTowardLimits() bool {
	return t == TypeTransfer || t == TypeDebit
}

type TransactionMode string

const (
	ModeInternal  TransactionMode = "INTERNAL"
	ModeInterbank TransactionMode = "INTERBANK"
	ModeCard      TransactionMode = "CARD"
	ModeMobile    TransactionMode = "MOBILE"
	ModeSystem    TransactionMode = "SYSTEM"
)

func (m TransactionMode) Valid() bool {
	switch m {
	case ModeInternal, ModeInterbank, ModeCard, ModeMobile, ModeSystem:
		return true
	}
	return false
}

type Transaction struct {
	ID               string              `db:"id" json:"id"`
	Reference        string              `db:"reference_number" json:"reference_number"`
	Type             TransactionType     `db:"type" json:"type"`
	Mode             TransactionMode     `db:"mode" json:"mode"`
	Amount           decimal.Decimal     `db:"amount" json:"amount"`
	Currency         string              `db:"currency" json:"currency"`
	Status           TransactionStatus   `db:"status" json:"status"`
	FromAccountID    *string             `db:"from_account_id" json:"from_account_id,omitempty"`
	ToAccountID      *string             `db:"to_account_id" json:"to_account_id,omitempty"`
	FromAccount      *string             `db:"from_account_number" json:"from_account_number,omitempty"`
	ToAccount        *string             `db:"to_account_number" json:"to_account_number,omitempty"`
	BalanceAfter     decimal.NullDecimal `db:"balance_after" json:"balance_after"`
	Description      string              `db:"description" json:"description"`
	InitiatorID      string              `db:"initiator_id" json:"initiator_id"`
	ClientRequestID  *string             `db:"client_request_id" json:"client_request_id,omitempty"`
	RelatedReference *string             `db:"related_reference" json:"related_reference,omitempty"`
	FailureReason    *string             `db:"failure_reason" json:"failure_reason,omitempty"`
	ScheduledAt      *time.Time          `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Attempts         int                 `db:"attempts" json:"attempts"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at" json:"updated_at"`
	ProcessedAt      *time.Time          `db:"processed_at" json:"processed_at,omitempty"`
}

type LedgerEntry struct {
	ID            string          `db:"id" json:"id"`
	TransactionID string          `db:"transaction_id" json:"transaction_id"`
	AccountID     string          `db:"account_id" json:"account_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Currency      string          `db:"currency" json:"currency"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balance_after"`
	Description   string          `db:"description" json:"description"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

type Page struct {
	Items []Transaction `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}
