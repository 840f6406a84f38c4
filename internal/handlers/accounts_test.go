package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ledger/internal/auth"
	"ledger/internal/models"
	"ledger/internal/services"
	"ledger/internal/store"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func ownedBy(owner string) stubEngine {
	return stubEngine{
		getAccountFn: func(_ context.Context, number string) (models.Account, error) {
			if number == "9999999999" {
				return models.Account{}, &services.Failure{Kind: services.ErrAccountNotFound, Message: "account not found"}
			}
			return models.Account{
				ID:             "id-" + number,
				AccountNumber:  number,
				OwnerID:        ptr(owner),
				Currency:       "USD",
				Balance:        decimal.RequireFromString("150"),
				Status:         models.AccountActive,
				MinimumBalance: decimal.NewNullDecimal(decimal.RequireFromString("50")),
			}, nil
		},
	}
}

func TestGetAccountOwnership(t *testing.T) {
	handler := newTestHandler(fakeTxRunner{}, ownedBy("user-1"), stubAccountStore{}, stubLedgerStore{}, stubAuditStore{})

	cases := []struct {
		user, role, number string
		expected           int
	}{
		{"user-1", "", "1000000001", http.StatusOK},
		{"user-2", "", "1000000001", http.StatusForbidden},
		{"ops", auth.RoleOperator, "1000000001", http.StatusOK},
		{"user-1", "", "9999999999", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/accounts/"+tc.number, nil)
		req.Header.Set("Authorization", bearer(t, tc.user, tc.role))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tc.expected {
			t.Fatalf("%s on %s: expected %d, got %d", tc.user, tc.number, tc.expected, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/accounts/1000000001", nil)
	req.Header.Set("Authorization", bearer(t, "user-1", ""))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	resp := decodeBody(t, rr)
	if resp["balance"] != "150.00" || resp["available"] != "100.00" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestHistoryPassesQuery(t *testing.T) {
	engine := ownedBy("user-1")
	engine.historyFn = func(_ context.Context, number string, q services.HistoryQuery) (models.Page, error) {
		if number != "1000000001" || q.Page != 2 || q.Size != 5 {
			t.Fatalf("unexpected query %s %+v", number, q)
		}
		if q.From == nil || !q.From.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) || q.To != nil {
			t.Fatalf("unexpected window %+v", q)
		}
		return models.Page{Items: []models.Transaction{settled("TXN1", "10")}, Total: 6, Page: 2, Size: 5}, nil
	}
	handler := newTestHandler(fakeTxRunner{}, engine, stubAccountStore{}, stubLedgerStore{}, stubAuditStore{})

	req := httptest.NewRequest(http.MethodGet, "/accounts/1000000001/transactions?from=2024-05-01T00:00:00Z&page=2&limit=5", nil)
	req.Header.Set("Authorization", bearer(t, "user-1", ""))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["total"] != float64(6) || len(resp["items"].([]any)) != 1 {
		t.Fatalf("unexpected response %v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/accounts/1000000001/transactions?from=yesterday", nil)
	req.Header.Set("Authorization", bearer(t, "user-1", ""))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSelfCheckReportsDifference(t *testing.T) {
	handler := newTestHandler(fakeTxRunner{}, ownedBy("user-1"), stubAccountStore{}, stubLedgerStore{
		sumFn: func(_ context.Context, accountID string) (decimal.Decimal, error) {
			if accountID != "id-1000000001" {
				t.Fatalf("unexpected account id %s", accountID)
			}
			return decimal.RequireFromString("150"), nil
		},
	}, stubAuditStore{})

	req := httptest.NewRequest(http.MethodGet, "/accounts/1000000001/self-check", nil)
	req.Header.Set("Authorization", bearer(t, "user-1", ""))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp := decodeBody(t, rr); resp["difference"] != "0.00" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestWithdrawPrivilegeFollowsRole(t *testing.T) {
	var got []services.MovementRequest
	engine := stubEngine{
		withdrawFn: func(_ context.Context, req services.MovementRequest) (models.Transaction, error) {
			got = append(got, req)
			txn := settled("TXN5", "20")
			txn.Type = models.TypeDebit
			return txn, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, engine, stubAccountStore{}, stubLedgerStore{}, stubAuditStore{})

	for _, role := range []string{"", auth.RoleOperator} {
		req := httptest.NewRequest(http.MethodPost, "/accounts/1000000001/withdrawals", bytes.NewReader([]byte(`{"amount":"20"}`)))
		req.Header.Set("Authorization", bearer(t, "user-1", role))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rr.Code)
		}
	}
	if len(got) != 2 || got[0].Privileged || !got[1].Privileged || got[0].AccountNumber != "1000000001" {
		t.Fatalf("unexpected requests %+v", got)
	}
}

func TestDepositRequiresOperator(t *testing.T) {
	engine := stubEngine{
		depositFn: func(_ context.Context, req services.MovementRequest) (models.Transaction, error) {
			if !req.Privileged {
				t.Fatalf("deposits are always privileged")
			}
			txn := settled("TXN6", "20")
			txn.Type = models.TypeCredit
			return txn, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, engine, stubAccountStore{}, stubLedgerStore{}, stubAuditStore{})

	req := httptest.NewRequest(http.MethodPost, "/accounts/1000000001/deposits", bytes.NewReader([]byte(`{"amount":"20"}`)))
	req.Header.Set("Authorization", bearer(t, "user-1", ""))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/accounts/1000000001/deposits", bytes.NewReader([]byte(`{"amount":"20"}`)))
	req.Header.Set("Authorization", bearer(t, "ops", auth.RoleOperator))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
}

func TestOpenAccount(t *testing.T) {
	var created models.Account
	var actions []string
	handler := newTestHandler(fakeTxRunner{}, stubEngine{}, stubAccountStore{
		createFn: func(_ context.Context, _ store.Execer, account models.Account) error {
			if account.AccountNumber == "1000000009" {
				return &pq.Error{Code: "23505", Constraint: "accounts_account_number_key"}
			}
			created = account
			return nil
		},
	}, stubLedgerStore{}, stubAuditStore{
		logFn: func(_ context.Context, _ store.Execer, actorID, action, entityType, _, _ string) error {
			actions = append(actions, actorID+":"+action+":"+entityType)
			return nil
		},
	})

	body := []byte(`{"account_number":"1000000003","owner_id":"user-7","currency":"usd","daily_limit":"1000","minimum_balance":null}`)
	req := httptest.NewRequest(http.MethodPost, "/accounts", bytes.NewReader(body))
	req.Header.Set("Authorization", bearer(t, "ops", auth.RoleOperator))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if created.Currency != "USD" || created.Status != models.AccountActive || !created.Balance.IsZero() {
		t.Fatalf("unexpected account %+v", created)
	}
	if !created.DailyLimit.Valid || created.MinimumBalance.Valid {
		t.Fatalf("unexpected limits %+v", created)
	}
	if len(actions) != 1 || actions[0] != "ops:open:account" {
		t.Fatalf("unexpected audit %v", actions)
	}

	body = []byte(`{"account_number":"1000000009","currency":"USD"}`)
	req = httptest.NewRequest(http.MethodPost, "/accounts", bytes.NewReader(body))
	req.Header.Set("Authorization", bearer(t, "ops", auth.RoleOperator))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	body = []byte(`{"account_number":"1000000010"}`)
	req = httptest.NewRequest(http.MethodPost, "/accounts", bytes.NewReader(body))
	req.Header.Set("Authorization", bearer(t, "ops", auth.RoleOperator))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without currency, got %d", rr.Code)
	}
}

func TestSetAccountStatus(t *testing.T) {
	handler := newTestHandler(fakeTxRunner{}, stubEngine{}, stubAccountStore{
		setStatusFn: func(_ context.Context, _ store.Getter, number string, status models.AccountStatus) (models.Account, error) {
			if number == "9999999999" {
				return models.Account{}, store.ErrAccountNotFound
			}
			return models.Account{AccountNumber: number, Status: status, Currency: "USD"}, nil
		},
	}, stubLedgerStore{}, stubAuditStore{})

	cases := []struct {
		number, body string
		expected     int
	}{
		{"1000000001", `{"status":"frozen"}`, http.StatusOK},
		{"1000000001", `{"status":"LOST"}`, http.StatusBadRequest},
		{"9999999999", `{"status":"CLOSED"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPatch, "/accounts/"+tc.number+"/status", bytes.NewReader([]byte(tc.body)))
		req.Header.Set("Authorization", bearer(t, "ops", auth.RoleOperator))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tc.expected {
			t.Fatalf("%s %s: expected %d, got %d", tc.number, tc.body, tc.expected, rr.Code)
		}
	}
}

func TestSetAccountLimits(t *testing.T) {
	var got store.AccountLimits
	handler := newTestHandler(fakeTxRunner{}, stubEngine{}, stubAccountStore{
		setLimitsFn: func(_ context.Context, _ store.Getter, number string, limits store.AccountLimits) (models.Account, error) {
			if limits.MinimumBalance.Valid && limits.MinimumBalance.Decimal.GreaterThan(decimal.NewFromInt(1000)) {
				return models.Account{}, &pq.Error{Code: "23514", Constraint: "accounts_balance_floor"}
			}
			got = limits
			return models.Account{AccountNumber: number, Currency: "USD"}, nil
		},
	}, stubLedgerStore{}, stubAuditStore{})

	send := func(body string) int {
		req := httptest.NewRequest(http.MethodPatch, "/accounts/1000000001/limits", bytes.NewReader([]byte(body)))
		req.Header.Set("Authorization", bearer(t, "ops", auth.RoleOperator))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send(`{"daily_limit":"500","per_transaction_limit":"","minimum_balance":"10"}`); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !got.DailyLimit.Valid || got.PerTransactionLimit.Valid || !got.MinimumBalance.Decimal.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected limits %+v", got)
	}
	if code := send(`{"daily_limit":"-5"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code := send(`{"minimum_balance":"5000"}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	handler := newTestHandler(fakeTxRunner{}, stubEngine{}, stubAccountStore{}, stubLedgerStore{}, stubAuditStore{})
	for _, path := range []string{"/health", "/metrics"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}
