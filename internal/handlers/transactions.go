package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ledger/internal/auth"
	"ledger/internal/middleware"
	"ledger/internal/models"
	"ledger/internal/money"
	"ledger/internal/services"
	"ledger/internal/validator"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type transferRequest struct {
	FromAccount     string     `json:"from_account" validate:"account_number"`
	ToAccount       string     `json:"to_account" validate:"account_number"`
	Amount          string     `json:"amount" validate:"required"`
	Currency        string     `json:"currency" validate:"currency_code"`
	Mode            string     `json:"mode" validate:"customer_mode"`
	Description     string     `json:"description"`
	ClientRequestID string     `json:"client_request_id"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req transferRequest
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
	txn, err := h.engine.Transfer(r.Context(), services.TransferRequest{
		InitiatorID:     userID,
		FromAccount:     req.FromAccount,
		ToAccount:       req.ToAccount,
		Amount:          amount,
		Currency:        req.Currency,
		Mode:            models.TransactionMode(strings.ToUpper(req.Mode)),
		Description:     req.Description,
		ClientRequestID: clientRequestID(r, req.ClientRequestID),
		ExecuteAt:       req.ScheduledAt,
	})
	if err != nil {
		h.fail(w, r, err, txn)
		return
	}
	status := http.StatusCreated
	if txn.Status == models.StatusPending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, toTransactionResponse(txn))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	txn, err := h.engine.GetByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	if !h.canView(r, userID, txn) {
		respondError(w, http.StatusForbidden, "access denied")
		return
	}
	respondJSON(w, http.StatusOK, toTransactionResponse(txn))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	txn, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "reference"), userID)
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	respondJSON(w, http.StatusOK, toTransactionResponse(txn))
}

type reverseRequest struct {
	Reason          string `json:"reason"`
	ClientRequestID string `json:"client_request_id"`
}

func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req reverseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	txn, err := h.engine.Reverse(r.Context(), services.ReverseRequest{
		Reference:       chi.URLParam(r, "reference"),
		InitiatorID:     userID,
		Reason:          req.Reason,
		ClientRequestID: clientRequestID(r, req.ClientRequestID),
	})
	if err != nil {
		h.fail(w, r, err, txn)
		return
	}
	respondJSON(w, http.StatusCreated, toTransactionResponse(txn))
}

type refundRequest struct {
	Amount          string `json:"amount"`
	Reason          string `json:"reason"`
	ClientRequestID string `json:"client_request_id"`
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := h.engine.Refund(r.Context(), services.RefundRequest{
		Reference:       chi.URLParam(r, "reference"),
		InitiatorID:     userID,
		Amount:          amount,
		Reason:          req.Reason,
		ClientRequestID: clientRequestID(r, req.ClientRequestID),
	})
	if err != nil {
		h.fail(w, r, err, txn)
		return
	}
	respondJSON(w, http.StatusCreated, toTransactionResponse(txn))
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	txn, err := h.engine.GetByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	entries, err := h.ledger.ListByTransaction(r.Context(), txn.ID)
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	response := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		response = append(response, map[string]any{
			"account_id":    entry.AccountID,
			"amount":        money.Format(entry.Amount),
			"currency":      entry.Currency,
			"balance_after": money.Format(entry.BalanceAfter),
			"description":   entry.Description,
			"created_at":    entry.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	txn, err := h.engine.GetByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	logs, err := h.audit.ListByEntity(r.Context(), "transaction", txn.ID)
	if err != nil {
		h.fail(w, r, err, models.Transaction{})
		return
	}
	if logs == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// canView admits operators, the initiator, and owners of either account.
func (h *Handler) canView(r *http.Request, userID string, txn models.Transaction) bool {
	if middleware.RoleFromContext(r.Context()) == auth.RoleOperator || txn.InitiatorID == userID {
		return true
	}
	for _, number := range []*string{txn.FromAccount, txn.ToAccount} {
		if number == nil {
			continue
		}
		account, err := h.engine.GetAccount(r.Context(), *number)
		if err == nil && account.OwnedBy(userID) {
			return true
		}
	}
	return false
}

// fail answers a failed engine call. Anything that is not a business
// failure is logged and reported as internal_error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, txn models.Transaction) {
	if statusFor(err) == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("reference", txn.Reference),
			zap.Error(err),
		)
	}
	respondFailure(w, err, txn)
}

// clientRequestID prefers the body field and falls back to the
// Idempotency-Key header.
func clientRequestID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}
