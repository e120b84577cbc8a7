// Package metrics exposes Prometheus collectors for the tip engine and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/tipledger/internal/ledger"
)

const namespace = "tipledger"

var _ ledger.Observer = (*Metrics)(nil)

// Metrics owns a private registry so tests and multiple servers do not
// collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	tipsCompleted prometheus.Counter
	tipsFailed    *prometheus.CounterVec
	tipVolume     prometheus.Counter
	tipDuration   prometheus.Histogram
	conflicts     prometheus.Counter
	compensations *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		tipsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tips",
			Name:      "completed_total",
			Help:      "Tips that moved value.",
		}),
		tipsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tips",
			Name:      "failed_total",
			Help:      "Tips rejected or failed, by error kind.",
		}, []string{"kind"}),
		tipVolume: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tips",
			Name:      "volume_total",
			Help:      "Sum of completed tip amounts.",
		}),
		tipDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tips",
			Name:      "duration_seconds",
			Help:      "Time from tip creation to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "conflict_retries_total",
			Help:      "Storage operations retried after a version conflict.",
		}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "compensations_total",
			Help:      "Rollbacks of partially applied transfers, by outcome.",
		}, []string{"outcome"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) TipCompleted(t ledger.Tip, elapsed time.Duration) {
	m.tipsCompleted.Inc()
	m.tipVolume.Add(t.Amount.InexactFloat64())
	m.tipDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) TipFailed(kind ledger.ErrorKind) {
	m.tipsFailed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ConflictRetried() {
	m.conflicts.Inc()
}

func (m *Metrics) Compensated(ok bool) {
	outcome := "rolled_back"
	if !ok {
		outcome = "irreconcilable"
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and durations labelled by the
// chi route pattern, which keeps ids out of the label values.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
