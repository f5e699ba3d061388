// Package metrics provides Prometheus instrumentation for the match engine.
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
	// OrdersTotal counts order outcomes, partitioned by type and final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_orders_total",
		Help: "Orders by type and outcome",
	}, []string{"type", "outcome"})

	// FillsTotal counts executed fills by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_fills_total",
		Help: "Total number of fills executed",
	}, []string{"side"})

	// FillLatency tracks the time from tick arrival to fill completion.
	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "duel_fill_latency_seconds",
		Help:    "Tick-to-fill latency in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// TicksTotal counts applied price ticks per symbol.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_ticks_total",
		Help: "Price ticks applied",
	}, []string{"symbol"})

	// TicksDropped counts ticks discarded as stale or duplicate.
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_ticks_dropped_total",
		Help: "Price ticks dropped as not newer than the last applied tick",
	}, []string{"symbol"})

	// FeedSubscriptions tracks live upstream symbol streams.
	FeedSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duel_feed_subscriptions",
		Help: "Number of symbols with a live feed stream",
	})

	// FeedReconnects counts upstream reconnect attempts per symbol.
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_feed_reconnects_total",
		Help: "Feed reconnect attempts",
	}, []string{"symbol"})

	// OpenPositions tracks open positions across all matches.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duel_open_positions",
		Help: "Number of open positions",
	})

	// Liquidations counts forced closures at the liquidation price.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_liquidations_total",
		Help: "Positions liquidated",
	}, []string{"margin_mode"})

	// ActiveMatches tracks matches in the active state.
	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duel_active_matches",
		Help: "Number of currently active matches",
	})

	// MatchesEnded counts settled matches by end reason.
	MatchesEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_matches_ended_total",
		Help: "Matches settled, by end reason",
	}, []string{"reason"})

	// SettlementImbalances counts settled participants whose balance is not
	// their starting balance plus realized PnL.
	SettlementImbalances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duel_settlement_imbalances_total",
		Help: "Settled participants failing the balance conservation check",
	})

	// QueueDepth tracks players waiting in the matchmaking pool.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duel_matchmaking_queue_depth",
		Help: "Players waiting to be paired",
	})

	// PairsCreated counts matches created by the pairing loop.
	PairsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duel_matchmaking_pairs_total",
		Help: "Player pairs created by matchmaking",
	})

	// BalanceRejections counts debits rejected for insufficient match balance.
	BalanceRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duel_balance_rejections_total",
		Help: "Margin debits rejected for insufficient balance",
	})

	// NotificationsTotal counts notification deliveries by sink and outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_notifications_total",
		Help: "Notification deliveries by sink and outcome",
	}, []string{"sink", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duel_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
