// Package metrics provides Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmarket_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction"})

	// TradeRejections counts trades rejected at validation.
	TradeRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmarket_trade_rejections_total",
		Help: "Trades rejected by validation",
	})

	// TradeLatency is a histogram of trade execution latency.
	TradeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pmarket_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MarketsCreated counts markets opened.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmarket_markets_created_total",
		Help: "Total markets created",
	})

	// MarketsResolved counts markets resolved, partitioned by kind
	// ("outcome" or "cancelled").
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmarket_markets_resolved_total",
		Help: "Total markets resolved",
	}, []string{"kind"})

	// UsersCreated counts user accounts created.
	UsersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmarket_users_created_total",
		Help: "Total users created",
	})

	// EventClients tracks connected event-stream clients.
	EventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmarket_event_clients",
		Help: "Number of connected event-stream clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmarket_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is low.
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

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying writer does not support hijacking")
	}
	return hj.Hijack()
}
