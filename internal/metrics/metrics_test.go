package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tipledger/internal/ledger"
)

func TestObserver(t *testing.T) {
	m := New()

	m.TipCompleted(ledger.Tip{Amount: decimal.RequireFromString("2.50")}, 3*time.Millisecond)
	m.TipCompleted(ledger.Tip{Amount: decimal.RequireFromString("7.50")}, time.Millisecond)
	m.TipFailed(ledger.KindInsufficientFunds)
	m.TipFailed(ledger.KindInsufficientFunds)
	m.TipFailed(ledger.KindSelfTip)
	m.ConflictRetried()
	m.Compensated(true)
	m.Compensated(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tipsCompleted))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.tipVolume))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tipsFailed.WithLabelValues("insufficient_funds")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tipsFailed.WithLabelValues("self_tip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensations.WithLabelValues("irreconcilable")))
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.InstrumentHandler)
	r.Get("/v1/tips/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tips/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/tips/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `tipledger_http_requests_total{method="GET",route="/v1/tips/{id}",status="404"} 3`))
}
