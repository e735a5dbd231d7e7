// Package metrics provides Prometheus instrumentation for the spread market.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransitionsTotal counts lifecycle transitions applied, by kind
	// (activated, delayed, auto_closed, closed, reopened, settled).
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadmkt_transitions_total",
		Help: "Market lifecycle transitions applied",
	}, []string{"transition"})

	// BidsTotal counts accepted spread bids.
	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spreadmkt_bids_total",
		Help: "Spread bids accepted",
	})

	// TradesTotal counts trade placements and cancellations by position.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadmkt_trades_total",
		Help: "Trades placed, replaced or cancelled",
	}, []string{"action", "position"})

	// RejectionsTotal counts rejected operations by error class.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadmkt_rejections_total",
		Help: "Operations rejected, by error class",
	}, []string{"operation", "reason"})

	// SettlementPayout tracks the total amount credited back per settlement.
	SettlementPayout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spreadmkt_settlement_payout",
		Help:    "Total settlement payout per executed market",
		Buckets: prometheus.ExponentialBuckets(10, 10, 7),
	})

	// SweepDuration tracks a full SweepAll pass.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spreadmkt_sweep_duration_seconds",
		Help:    "Duration of a full lifecycle sweep",
		Buckets: prometheus.DefBuckets,
	})

	// SweepFailures counts markets whose reconcile failed during a sweep.
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spreadmkt_sweep_failures_total",
		Help: "Market reconciles that failed during a sweep",
	})

	// LockContention counts reconciles skipped because another worker held the market.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spreadmkt_lock_contention_total",
		Help: "Reconciles skipped because the market lock was held",
	})

	// ArchiveFailures counts settlement reports that could not be archived.
	ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spreadmkt_archive_failures_total",
		Help: "Settlement reports that failed to upload",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spreadmkt_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadmkt_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spreadmkt_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		// Route pattern, not the raw path, keeps market IDs out of the labels.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
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
