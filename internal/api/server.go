// Package api exposes the match engine over HTTP and WebSocket.
//
// Callers are identified by the X-Player-ID header, which the upstream auth
// gateway sets after authenticating the player.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atmx/duel-engine/internal/execution"
	"github.com/atmx/duel-engine/internal/feed"
	"github.com/atmx/duel-engine/internal/ledger"
	"github.com/atmx/duel-engine/internal/match"
	"github.com/atmx/duel-engine/internal/matchmaking"
	"github.com/atmx/duel-engine/internal/metrics"
	"github.com/atmx/duel-engine/internal/position"
	"github.com/atmx/duel-engine/internal/store"
)

// PlayerHeader carries the authenticated caller.
const PlayerHeader = "X-Player-ID"

type ctxKey struct{}

// Deps are the services the API fronts.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Orders    *execution.Engine
	Positions *position.Manager
	Matches   *match.Controller
	Queue     *matchmaking.Engine
	Prices    *feed.Hub
	// WS upgrades notification subscribers. Optional.
	WS http.HandlerFunc
}

// Options tunes request handling.
type Options struct {
	OrderRate      float64 // orders per second per player
	OrderBurst     int
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	opts     Options
	validate *validator.Validate
	limits   *limiters
	logger   *zap.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.OrderRate <= 0 {
		opts.OrderRate = 10
	}
	if opts.OrderBurst < 1 {
		opts.OrderBurst = 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		Deps:     deps,
		opts:     opts,
		validate: newValidator(),
		limits:   newLimiters(rate.Limit(opts.OrderRate), opts.OrderBurst),
		logger:   logger.Named("api"),
	}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"duel-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.WS != nil {
			r.Get("/ws", s.WS)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.identify)

			r.Get("/players/me", s.GetPlayer)
			r.Get("/markets/{symbol}", s.GetMarket)

			// Matchmaking: enqueueing is how a player asks for a match.
			r.Post("/queue", s.Enqueue)
			r.Get("/queue", s.QueueStatus)
			r.Delete("/queue", s.Dequeue)

			r.Route("/matches/{matchID}", func(r chi.Router) {
				r.Get("/", s.GetMatch)
				r.Post("/join", s.JoinMatch)
				r.Post("/quit", s.QuitMatch)
				r.Post("/end", s.EndMatch)
				r.Get("/orders", s.ListOrders)
				r.Post("/orders", s.SubmitOrder)
				r.Get("/positions", s.ListPositions)
				r.Get("/fills", s.ListFills)
				r.Get("/ledger", s.Journal)
			})

			r.Get("/orders/{orderID}", s.GetOrder)
			r.Delete("/orders/{orderID}", s.CancelOrder)

			r.Get("/positions/{positionID}", s.GetPosition)
			r.Post("/positions/{positionID}/close", s.ClosePosition)
			r.Put("/positions/{positionID}/leverage", s.UpdateLeverage)
			r.Put("/positions/{positionID}/tpsl", s.UpdateTPSL)
		})
	})
	return r
}

// identify requires the caller header and stores it on the context.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(PlayerHeader)
		if id == "" {
			writeError(w, PlayerHeader+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func playerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// cors lets the browser client call the API cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+PlayerHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiters hands out one token bucket per player for order submission.
type limiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	m     map[string]*rate.Limiter
}

func newLimiters(limit rate.Limit, burst int) *limiters {
	return &limiters{limit: limit, burst: burst, m: make(map[string]*rate.Limiter)}
}

func (l *limiters) allow(playerID string) bool {
	l.mu.Lock()
	lim, ok := l.m[playerID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.m[playerID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
