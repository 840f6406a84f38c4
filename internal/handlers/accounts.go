package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"ledger/internal/auth"
	"ledger/internal/middleware"
	"ledger/internal/models"
	"ledger/internal/money"
	"ledger/internal/services"
	"ledger/internal/validator"

	"github.com/go-chi/chi/v5"
)

// ownedAccount loads the account in the URL and checks the caller may see
// it. It writes the error response itself and reports false on failure.
func (h *Handler) ownedAccount(w http.ResponseWriter, r *http.Request) (models.Account, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return models.Account{}, false
	}
	account, err := h.engine.GetAccount(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return models.Account{}, false
	}
	if !account.OwnedBy(userID) && middleware.RoleFromContext(r.Context()) != auth.RoleOperator {
		respondError(w, http.StatusForbidden, "access denied")
		return models.Account{}, false
	}
	return account, true
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}
	from, err := parseTimeParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	page, err := h.engine.History(r.Context(), account.AccountNumber, services.HistoryQuery{
		From: from,
		To:   to,
		Page: parseIntParam(r, "page"),
		Size: parseIntParam(r, "limit"),
	})
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	items := make([]transactionResponse, 0, len(page.Items))
	for _, txn := range page.Items {
		items = append(items, toTransactionResponse(txn))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": page.Total,
		"page":  page.Page,
		"limit": page.Size,
	})
}

// SelfCheck compares the stored balance with the sum of the account's
// ledger entries. Any difference means a movement bypassed the engine.
func (h *Handler) SelfCheck(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}
	sum, err := h.ledger.SumByAccount(r.Context(), account.ID)
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_number": account.AccountNumber,
		"currency":       account.Currency,
		"balance":        money.Format(account.Balance),
		"ledger_sum":     money.Format(sum),
		"difference":     money.Format(account.Balance.Sub(sum)),
	})
}

type movementRequest struct {
	Amount          string `json:"amount" validate:"required"`
	Currency        string `json:"currency" validate:"currency_code"`
	Mode            string `json:"mode" validate:"customer_mode"`
	Description     string `json:"description"`
	ClientRequestID string `json:"client_request_id"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.engine.Deposit)
}

// Withdraw is open to account owners. Operators may withdraw from any
// account.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.engine.Withdraw)
}

func (h *Handler) movement(w http.ResponseWriter, r *http.Request, run func(context.Context, services.MovementRequest) (models.Transaction, error)) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := run(r.Context(), services.MovementRequest{
		InitiatorID:     userID,
		AccountNumber:   chi.URLParam(r, "number"),
		Amount:          amount,
		Currency:        req.Currency,
		Mode:            models.TransactionMode(strings.ToUpper(req.Mode)),
		Description:     req.Description,
		ClientRequestID: clientRequestID(r, req.ClientRequestID),
		Privileged:      middleware.RoleFromContext(r.Context()) == auth.RoleOperator,
	})
	if err != nil {
		h.fail(w, r, err, txn)
		return
	}
	respondJSON(w, http.StatusCreated, toTransactionResponse(txn))
}
