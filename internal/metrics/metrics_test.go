package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveTransaction(t *testing.T) {
	before := counterValue(t, TransactionsTotal.WithLabelValues("TRANSFER", "FAILED", "limit_exceeded"))
	ObserveTransaction("TRANSFER", "FAILED", "limit_exceeded")
	after := counterValue(t, TransactionsTotal.WithLabelValues("TRANSFER", "FAILED", "limit_exceeded"))
	require.Equal(t, before+1, after)
}

func TestHTTPUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTP)
	r.Get("/transactions/{reference}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := counterValue(t, httpReqTotal.WithLabelValues("GET", "/transactions/{reference}", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/TXN1", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	after := counterValue(t, httpReqTotal.WithLabelValues("GET", "/transactions/{reference}", "404"))
	require.Equal(t, before+1, after)
}
