package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Ledger entries by type and outcome",
	}, []string{"type", "status", "reason"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_execution_duration_seconds",
		Help:    "Time spent in one execution unit, lock waits included",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"type"})

	ReconcilerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciler_outcomes_total",
		Help: "Entries handled by the reconciliation worker",
	}, []string{"outcome"})

	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// ObserveTransaction counts one outcome. reason is empty for successes.
func ObserveTransaction(txType, status, reason string) {
	TransactionsTotal.WithLabelValues(txType, status, reason).Inc()
}

func ObserveExecution(txType string, started time.Time) {
	ExecutionDuration.WithLabelValues(txType).Observe(time.Since(started).Seconds())
}

func ObserveReconcile(outcome string) {
	ReconcilerOutcomes.WithLabelValues(outcome).Inc()
}

// HTTP records request totals and latency labelled by the matched chi route
// pattern, so path parameters do not explode label cardinality.
func HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		httpLatency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
