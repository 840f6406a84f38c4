package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"ledger/internal/db"
	"ledger/internal/middleware"
	"ledger/internal/models"
	"ledger/internal/money"
	"ledger/internal/store"
	"ledger/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type openAccountRequest struct {
	AccountNumber       string  `json:"account_number" validate:"account_number"`
	OwnerID             *string `json:"owner_id"`
	Currency            string  `json:"currency" validate:"required,currency_code"`
	DailyLimit          *string `json:"daily_limit"`
	PerTransactionLimit *string `json:"per_transaction_limit"`
	MinimumBalance      *string `json:"minimum_balance"`
}

// OpenAccount creates an ACTIVE account with a zero balance. Funds arrive
// through deposits so that every unit of balance has a ledger entry.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req openAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limits, err := parseLimits(req.DailyLimit, req.PerTransactionLimit, req.MinimumBalance)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OwnerID != nil && strings.TrimSpace(*req.OwnerID) == "" {
		req.OwnerID = nil
	}
	account := models.Account{
		ID:                  uuid.NewString(),
		AccountNumber:       req.AccountNumber,
		OwnerID:             req.OwnerID,
		Currency:            strings.ToUpper(req.Currency),
		Balance:             decimal.Zero,
		Status:              models.AccountActive,
		DailyLimit:          limits.DailyLimit,
		PerTransactionLimit: limits.PerTransactionLimit,
		MinimumBalance:      limits.MinimumBalance,
	}
	err = h.txRunner.WithTx(r.Context(), func(tx store.Tx) error {
		if err := h.accounts.Create(r.Context(), tx, account); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{
			"account_number": account.AccountNumber,
			"currency":       account.Currency,
			"owner_id":       valueToString(account.OwnerID),
		})
		return h.audit.Log(r.Context(), tx, actorID, "open", "account", account.ID, string(data))
	})
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			respondError(w, http.StatusConflict, "account already exists")
			return
		}
		if db.IsCheckViolation(err) {
			respondError(w, http.StatusUnprocessableEntity, "minimum balance must not exceed the balance")
			return
		}
		h.logger.Error("open account failed", zap.String("account_number", account.AccountNumber), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to open account")
		return
	}
	h.logger.Info("account opened", zap.String("account_number", account.AccountNumber), zap.String("actor", actorID))
	respondJSON(w, http.StatusCreated, toAccountResponse(account))
}

type accountStatusRequest struct {
	Status string `json:"status" validate:"account_status"`
}

func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req accountStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.Status = strings.ToUpper(req.Status)
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := models.AccountStatus(req.Status)
	number := chi.URLParam(r, "number")
	var updated models.Account
	err := h.txRunner.WithTx(r.Context(), func(tx store.Tx) error {
		account, err := h.accounts.SetStatus(r.Context(), tx, number, status)
		if err != nil {
			return err
		}
		updated = account
		data, _ := json.Marshal(map[string]string{"status": req.Status})
		return h.audit.Log(r.Context(), tx, actorID, "set_status", "account", account.ID, string(data))
	})
	if h.adminFailed(w, err, number) {
		return
	}
	respondJSON(w, http.StatusOK, toAccountResponse(updated))
}

type accountLimitsRequest struct {
	DailyLimit          *string `json:"daily_limit"`
	PerTransactionLimit *string `json:"per_transaction_limit"`
	MinimumBalance      *string `json:"minimum_balance"`
}

// SetAccountLimits replaces all three limits. Omitted or null values remove
// the limit.
func (h *Handler) SetAccountLimits(w http.ResponseWriter, r *http.Request) {
	actorID, _ := middleware.UserIDFromContext(r.Context())
	var req accountLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	limits, err := parseLimits(req.DailyLimit, req.PerTransactionLimit, req.MinimumBalance)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	number := chi.URLParam(r, "number")
	var updated models.Account
	err = h.txRunner.WithTx(r.Context(), func(tx store.Tx) error {
		account, err := h.accounts.SetLimits(r.Context(), tx, number, limits)
		if err != nil {
			return err
		}
		updated = account
		data, _ := json.Marshal(map[string]string{
			"daily_limit":           money.FormatNull(limits.DailyLimit),
			"per_transaction_limit": money.FormatNull(limits.PerTransactionLimit),
			"minimum_balance":       money.FormatNull(limits.MinimumBalance),
		})
		return h.audit.Log(r.Context(), tx, actorID, "set_limits", "account", account.ID, string(data))
	})
	if h.adminFailed(w, err, number) {
		return
	}
	respondJSON(w, http.StatusOK, toAccountResponse(updated))
}

func (h *Handler) adminFailed(w http.ResponseWriter, err error, number string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account not found")
	case db.IsCheckViolation(err):
		respondError(w, http.StatusUnprocessableEntity, "minimum balance must not exceed the balance")
	case db.IsLockTimeout(err):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "account is busy, retry later")
	default:
		h.logger.Error("account update failed", zap.String("account_number", number), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to update account")
	}
	return true
}

func parseLimits(daily, perTransaction, minimum *string) (store.AccountLimits, error) {
	var limits store.AccountLimits
	var err error
	if limits.DailyLimit, err = parseLimit(daily); err != nil {
		return limits, errors.New("daily_limit: " + err.Error())
	}
	if limits.PerTransactionLimit, err = parseLimit(perTransaction); err != nil {
		return limits, errors.New("per_transaction_limit: " + err.Error())
	}
	if limits.MinimumBalance, err = parseLimit(minimum); err != nil {
		return limits, errors.New("minimum_balance: " + err.Error())
	}
	return limits, nil
}
