// Package metrics provides Prometheus instrumentation for the ledger and its
// adapters.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOpsTotal counts ledger operations by name and outcome.
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivals_ledger_operations_total",
		Help: "Ledger operations by operation and result",
	}, []string{"op", "result"})

	// LedgerOpLatency tracks ledger operation latency.
	LedgerOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rivals_ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OutstandingShares mirrors each commodity's outstanding supply.
	OutstandingShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rivals_outstanding_shares",
		Help: "Outstanding shares per commodity",
	}, []string{"commodity"})

	// UnitValue mirrors each commodity's price.
	UnitValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rivals_unit_value",
		Help: "Unit value per commodity",
	}, []string{"commodity"})

	MarketOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rivals_market_open",
		Help: "1 when the market accepts buy and sell commands",
	})

	// TokensGranted sums admin bonuses and tournament rewards.
	TokensGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rivals_tokens_granted_total",
		Help: "Tokens credited by bonus grants",
	})

	// AwardGrants counts award outcomes per participant.
	AwardGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivals_award_grants_total",
		Help: "Tournament award outcomes per participant",
	}, []string{"result"})

	// BotCommandsTotal counts chat commands by name and outcome.
	BotCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivals_bot_commands_total",
		Help: "Chat commands handled",
	}, []string{"command", "result"})

	// StoreRetries counts transactions retried after a serialization failure.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivals_store_retries_total",
		Help: "Store transactions retried after serialization failures",
	}, []string{"backend"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rivals_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rivals_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rivals_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records one ledger operation.
func ObserveOp(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LedgerOpsTotal.WithLabelValues(op, result).Inc()
	LedgerOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetMarketOpen mirrors the market flag.
func SetMarketOpen(open bool) {
	if open {
		MarketOpen.Set(1)
		return
	}
	MarketOpen.Set(0)
}

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

		// Route pattern keeps user IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
