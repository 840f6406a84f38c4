package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ledger/internal/models"
	"ledger/internal/money"
	"ledger/internal/services"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a failure kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrAccountNotFound), errors.Is(err, services.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrIdempotencyConflict), errors.Is(err, services.ErrInvariantViolation):
		return http.StatusConflict
	case errors.Is(err, services.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrAccountNotUsable),
		errors.Is(err, services.ErrCurrencyMismatch),
		errors.Is(err, services.ErrLimitExceeded),
		errors.Is(err, services.ErrInsufficientBalance),
		errors.Is(err, services.ErrNotCancellable),
		errors.Is(err, services.ErrNotReversible):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondFailure writes the reason code and message. When the engine
// recorded an entry for the request, its reference is included so the
// caller can look it up.
func respondFailure(w http.ResponseWriter, err error, txn models.Transaction) {
	status := statusFor(err)
	body := map[string]string{"error": services.ReasonCode(err)}
	var f *services.Failure
	if errors.As(err, &f) {
		body["message"] = f.Message
	}
	if txn.Reference != "" {
		body["reference"] = txn.Reference
		body["status"] = string(txn.Status)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, body)
}

type transactionResponse struct {
	Reference        string     `json:"reference"`
	Type             string     `json:"type"`
	Mode             string     `json:"mode"`
	Status           string     `json:"status"`
	Amount           string     `json:"amount"`
	Currency         string     `json:"currency"`
	FromAccount      string     `json:"from_account,omitempty"`
	ToAccount        string     `json:"to_account,omitempty"`
	BalanceAfter     string     `json:"balance_after,omitempty"`
	Description      string     `json:"description,omitempty"`
	RelatedReference string     `json:"related_reference,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

func toTransactionResponse(txn models.Transaction) transactionResponse {
	return transactionResponse{
		Reference:        txn.Reference,
		Type:             string(txn.Type),
		Mode:             string(txn.Mode),
		Status:           string(txn.Status),
		Amount:           money.Format(txn.Amount),
		Currency:         txn.Currency,
		FromAccount:      valueToString(txn.FromAccount),
		ToAccount:        valueToString(txn.ToAccount),
		BalanceAfter:     money.FormatNull(txn.BalanceAfter),
		Description:      txn.Description,
		RelatedReference: valueToString(txn.RelatedReference),
		FailureReason:    valueToString(txn.FailureReason),
		ScheduledAt:      txn.ScheduledAt,
		CreatedAt:        txn.CreatedAt,
		ProcessedAt:      txn.ProcessedAt,
	}
}

type accountResponse struct {
	AccountNumber       string `json:"account_number"`
	OwnerID             string `json:"owner_id,omitempty"`
	Currency            string `json:"currency"`
	Balance             string `json:"balance"`
	Available           string `json:"available"`
	Status              string `json:"status"`
	DailyLimit          string `json:"daily_limit,omitempty"`
	PerTransactionLimit string `json:"per_transaction_limit,omitempty"`
	MinimumBalance      string `json:"minimum_balance,omitempty"`
}

func toAccountResponse(account models.Account) accountResponse {
	return accountResponse{
		AccountNumber:       account.AccountNumber,
		OwnerID:             valueToString(account.OwnerID),
		Currency:            account.Currency,
		Balance:             money.Format(account.Balance),
		Available:           money.Format(account.Available()),
		Status:              string(account.Status),
		DailyLimit:          money.FormatNull(account.DailyLimit),
		PerTransactionLimit: money.FormatNull(account.PerTransactionLimit),
		MinimumBalance:      money.FormatNull(account.MinimumBalance),
	}
}

func valueToString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
