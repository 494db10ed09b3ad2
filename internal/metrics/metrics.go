// Package metrics provides Prometheus instrumentation for the pool engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StoreConflicts counts compare-and-swap attempts that lost a race,
	// partitioned by record kind (balances, markets, stakes, users).
	StoreConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_store_conflicts_total",
		Help: "Compare-and-swap attempts that lost to a concurrent writer",
	}, []string{"kind"})

	// StoreRetriesExhausted counts updates abandoned after the retry budget.
	StoreRetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_store_retries_exhausted_total",
		Help: "Conditional updates abandoned after exhausting retries",
	}, []string{"kind"})

	// StakesTotal counts stake placement attempts by result.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_stakes_total",
		Help: "Stake placement attempts",
	}, []string{"result"})

	StakeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_stake_latency_seconds",
		Help:    "Stake placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementsTotal counts per-user settlement runs by outcome status.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_settlements_total",
		Help: "Per-user settlement runs",
	}, []string{"status"})

	// PayoutUnitsTotal is the cumulative amount credited by settlement.
	PayoutUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_payout_units_total",
		Help: "Total units credited to winners",
	})

	// CompensationsTotal counts refunds issued after a failed placement.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_compensations_total",
		Help: "Compensating credits after failed stake placement",
	}, []string{"result"})

	// MarketTransitions counts market lifecycle transitions.
	MarketTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_market_transitions_total",
		Help: "Market lifecycle transitions",
	}, []string{"transition"})

	// ActiveSessions tracks connected WebSocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_active_sessions",
		Help: "Number of connected WebSocket sessions",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// The wrapped writer keeps http.Hijacker so WebSocket upgrades pass through.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern uses the matched chi route to keep the label low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
