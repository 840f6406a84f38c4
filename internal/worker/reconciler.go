package worker

import (
	"context"
	"time"

	"ledger/internal/db"
	"ledger/internal/metrics"
	"ledger/internal/models"
	"ledger/internal/store"

	"go.uber.org/zap"
)

type Claimer interface {
	ClaimRunnable(ctx context.Context, tx store.Tx, now, staleBefore time.Time, limit int) ([]models.Transaction, error)
}

type Executor interface {
	Execute(ctx context.Context, txn models.Transaction) (models.Transaction, error)
	Abandon(ctx context.Context, txn models.Transaction, cause error) (models.Transaction, error)
}

type Options struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	Batch       int
	MaxAttempts int
	Now         func() time.Time
}

// Reconciler drives scheduled transfers once they are due and picks up
// entries a crashed or timed-out request left behind.
type Reconciler struct {
	txRunner db.TxRunner
	claimer  Claimer
	engine   Executor
	logger   *zap.Logger

	interval    time.Duration
	staleAfter  time.Duration
	batch       int
	maxAttempts int
	now         func() time.Time
}

func NewReconciler(txRunner db.TxRunner, claimer Claimer, engine Executor, logger *zap.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		txRunner:    txRunner,
		claimer:     claimer,
		engine:      engine,
		logger:      logger,
		interval:    opts.Interval,
		staleAfter:  opts.StaleAfter,
		batch:       opts.Batch,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
	if r.interval <= 0 {
		r.interval = 15 * time.Second
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 5 * time.Minute
	}
	if r.batch <= 0 {
		r.batch = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 2
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and executes each entry once. It returns the
// number of entries claimed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	var claimed []models.Transaction
	err := r.txRunner.WithTx(ctx, func(tx store.Tx) error {
		rows, err := r.claimer.ClaimRunnable(ctx, tx, now, now.Add(-r.staleAfter), r.batch)
		claimed = rows
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, txn := range claimed {
		if ctx.Err() != nil {
			break
		}
		r.reconcile(ctx, txn)
	}
	return len(claimed), nil
}

func (r *Reconciler) reconcile(ctx context.Context, txn models.Transaction) {
	result, err := r.engine.Execute(ctx, txn)
	if result.Status.IsTerminal() {
		outcome := "settled"
		if result.Status != models.StatusSuccess {
			outcome = "failed"
		}
		metrics.ObserveReconcile(outcome)
		return
	}
	if err == nil {
		metrics.ObserveReconcile("deferred")
		return
	}
	if txn.Attempts < r.maxAttempts {
		r.logger.Warn("reconcile deferred",
			zap.String("reference", txn.Reference),
			zap.Int("attempts", txn.Attempts),
			zap.Error(err),
		)
		metrics.ObserveReconcile("deferred")
		return
	}
	if _, aerr := r.engine.Abandon(ctx, txn, err); aerr != nil {
		r.logger.Error("could not abandon transaction",
			zap.String("reference", txn.Reference),
			zap.Error(aerr),
		)
		metrics.ObserveReconcile("error")
		return
	}
	metrics.ObserveReconcile("abandoned")
}
