// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// VenueRequests counts venue calls by method and outcome
	// (ok, rejected, timeout, send_failed, connection_lost, error).
	VenueRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_venue_requests_total",
		Help: "Total requests sent to the venue",
	}, []string{"method", "outcome"})

	// VenueRequestLatency tracks round trip time of venue calls.
	VenueRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_venue_request_latency_seconds",
		Help:    "Venue request round trip latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
	}, []string{"method"})

	// VenueReconnects counts successful reconnections to the venue.
	VenueReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_venue_reconnects_total",
		Help: "Successful venue reconnections",
	})

	// ActiveSubscriptions tracks live venue subscriptions.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_venue_active_subscriptions",
		Help: "Number of active venue subscriptions",
	})

	// Publications counts publications received, by topic.
	Publications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_venue_publications_total",
		Help: "Venue publications received",
	}, []string{"topic"})

	// StalePublications counts pair state publications dropped as older
	// than the held snapshot.
	StalePublications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_stale_publications_total",
		Help: "Pair state publications ignored as stale",
	})

	// PriceUpdates counts index price pushes by pair.
	PriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_price_updates_total",
		Help: "Index price updates received",
	}, []string{"pair"})

	// SimulatedTrades counts trade simulations by result (ok or the failure reason).
	SimulatedTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_simulated_trades_total",
		Help: "Trade simulations by outcome",
	}, []string{"result"})

	// TradesSubmitted counts trades submitted to the venue, by side.
	TradesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_trades_submitted_total",
		Help: "Trades submitted to the venue",
	}, []string{"side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
