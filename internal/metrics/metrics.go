// Package metrics exposes Prometheus collectors for registry calls, the
// result cache, the rate limiter, alerting and scheduling passes.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SourceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyb_source_calls_total",
			Help: "Registry checks by source and resulting status.",
		},
		[]string{"source", "status"},
	)

	SourceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kyb_source_call_duration_seconds",
			Help:    "Latency of network calls to registries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"source"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyb_cache_lookups_total",
			Help: "Result cache lookups by source and outcome (fresh, stale, miss).",
		},
		[]string{"source", "outcome"},
	)

	LimiterDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyb_ratelimit_decisions_total",
			Help: "Rate limiter acquire outcomes by source.",
		},
		[]string{"source", "outcome"},
	)

	AlertActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyb_alerts_total",
			Help: "Alert manager actions by alert type (created, incremented, resolved).",
		},
		[]string{"type", "action"},
	)

	PairOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyb_pair_outcomes_total",
			Help: "Scheduler pair outcomes by source (accepted, deferred, failed).",
		},
		[]string{"source", "outcome"},
	)

	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kyb_pass_duration_seconds",
		Help:    "Duration of scheduling passes.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kyb_http_requests_total",
			Help: "API requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kyb_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SourceCalls, SourceLatency, CacheLookups, LimiterDecisions,
			AlertActions, PairOutcomes, PassDuration, httpRequests, httpDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency labelled by chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
