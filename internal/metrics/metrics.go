// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by side and direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cedibets_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "direction"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cedibets_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ActiveMarkets tracks the number of unresolved markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cedibets_active_markets",
		Help: "Number of markets not yet resolved",
	})

	// RedemptionsTotal counts successful redemptions (including replays
	// that paid zero).
	RedemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cedibets_redemptions_total",
		Help: "Total number of redemption calls honored",
	})

	// PoliciesSettledTotal counts policy settlements by outcome.
	PoliciesSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cedibets_policies_settled_total",
		Help: "Total number of insurance policies settled",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cedibets_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cedibets_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cedibets_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// MarketVolume tracks cumulative collateral volume per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cedibets_market_volume_total",
		Help: "Cumulative trade volume in collateral minor units",
	}, []string{"market_id", "side"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
