package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger/internal/config"
	"ledger/internal/db"
	"ledger/internal/handlers"
	"ledger/internal/logging"
	"ledger/internal/services"
	"ledger/internal/store"
	"ledger/internal/websocket"
	"ledger/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	accounts := store.NewAccountStore(database)
	transactions := store.NewTransactionStore(database)
	ledger := store.NewLedgerStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database, cfg.LockTimeout)
	hub := websocket.NewHub()

	engine := services.NewEngine(txRunner, accounts, transactions, ledger, audit, hub, logger, services.Options{
		Location:        cfg.Location,
		ReferencePrefix: cfg.ReferencePrefix,
	})
	reconciler := worker.NewReconciler(txRunner, transactions, engine, logger, worker.Options{
		Interval:    cfg.SchedulerInterval,
		StaleAfter:  cfg.StaleAfter,
		Batch:       cfg.SchedulerBatch,
		MaxAttempts: cfg.MaxAttempts,
	})

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		reconciler.Run(workerCtx)
	}()

	handler := handlers.New(txRunner, cfg, engine, accounts, ledger, audit, hub, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("ledger API listening", zap.String("addr", server.Addr), zap.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	logger.Info("shutting down")

	stopWorker()
	<-workerDone

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
