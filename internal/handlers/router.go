package handlers

import (
	"net/http"

	"ledger/internal/auth"
	"ledger/internal/config"
	"ledger/internal/db"
	"ledger/internal/metrics"
	"ledger/internal/middleware"
	"ledger/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handler struct {
	txRunner db.TxRunner
	cfg      config.Config
	engine   Engine
	accounts AccountStore
	ledger   LedgerStore
	audit    AuditStore
	hub      *websocket.Hub
	logger   *zap.Logger
}

func New(txRunner db.TxRunner, cfg config.Config, engine Engine, accounts AccountStore, ledger LedgerStore, audit AuditStore, hub *websocket.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		txRunner: txRunner,
		cfg:      cfg,
		engine:   engine,
		accounts: accounts,
		ledger:   ledger,
		audit:    audit,
		hub:      hub,
		logger:   logger,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestLogger(h.logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(metrics.HTTP)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	operator := middleware.RequireRole(auth.RoleOperator)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))

		r.Post("/transfers", h.Transfer)
		r.Get("/transactions/{reference}", h.GetTransaction)
		r.Post("/transactions/{reference}/cancel", h.Cancel)
		r.With(operator).Post("/transactions/{reference}/reverse", h.Reverse)
		r.With(operator).Post("/transactions/{reference}/refund", h.Refund)
		r.With(operator).Get("/transactions/{reference}/entries", h.ListEntries)
		r.With(operator).Get("/transactions/{reference}/audit", h.ListAudit)

		r.With(operator).Post("/accounts", h.OpenAccount)
		r.Get("/accounts/{number}", h.GetAccount)
		r.Get("/accounts/{number}/transactions", h.History)
		r.Get("/accounts/{number}/self-check", h.SelfCheck)
		r.Post("/accounts/{number}/withdrawals", h.Withdraw)
		r.With(operator).Post("/accounts/{number}/deposits", h.Deposit)
		r.With(operator).Patch("/accounts/{number}/status", h.SetAccountStatus)
		r.With(operator).Patch("/accounts/{number}/limits", h.SetAccountLimits)

		r.Get("/ws/balances", h.WSBalances)
	})

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}

func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	websocket.ServeWS(w, r, h.hub, userID, websocket.OriginChecker(h.cfg.Origins()))
}
