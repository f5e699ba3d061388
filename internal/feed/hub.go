package feed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/metrics"
	"github.com/atmx/duel-engine/internal/model"
)

// Handler consumes ticks. Handlers for one symbol are invoked serially in
// tick arrival order.
type Handler func(model.Tick)

// Options configures reconnect backoff.
type Options struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type subscription struct {
	refs   int
	cancel context.CancelFunc
}

// Hub owns one upstream stream per symbol with at least one holder. Holders
// call Acquire and Release; the stream is torn down when the last holder
// releases.
type Hub struct {
	source Source
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	subs     map[string]*subscription
	handlers []Handler
	closed   bool

	// Per-symbol state; symbolMu serializes apply for one symbol.
	stateMu  sync.Mutex
	symbolMu map[string]*sync.Mutex
	last     map[string]model.Tick
}

// NewHub creates a hub reading from source.
func NewHub(source Source, opts Options, logger *zap.Logger) *Hub {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	return &Hub{
		source:   source,
		opts:     opts,
		logger:   logger.Named("feed"),
		subs:     make(map[string]*subscription),
		symbolMu: make(map[string]*sync.Mutex),
		last:     make(map[string]model.Tick),
	}
}

// OnTick registers h for every applied tick. Register before Acquire.
func (h *Hub) OnTick(fn Handler) {
	h.mu.Lock()
	h.handlers = append(h.handlers, fn)
	h.mu.Unlock()
}

// Acquire takes a reference on symbol, starting its stream on the first one.
func (h *Hub) Acquire(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	if sub, ok := h.subs[symbol]; ok {
		sub.refs++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{refs: 1, cancel: cancel}
	h.subs[symbol] = sub
	metrics.FeedSubscriptions.Inc()
	h.logger.Info("feed subscribed", zap.String("symbol", symbol))

	go h.stream(ctx, symbol)
}

// Release drops a reference on symbol, stopping its stream at zero. It never
// waits for the stream goroutine, so it is safe to call from a tick handler.
func (h *Hub) Release(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[symbol]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs > 0 {
		return
	}
	sub.cancel()
	delete(h.subs, symbol)
	metrics.FeedSubscriptions.Dec()
	h.logger.Info("feed unsubscribed", zap.String("symbol", symbol))
}

// Refs returns the current reference count for symbol.
func (h *Hub) Refs(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[symbol]; ok {
		return sub.refs
	}
	return 0
}

// LastPrice returns the most recently applied price for symbol.
func (h *Hub) LastPrice(symbol string) (decimal.Decimal, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	t, ok := h.last[symbol]
	return t.Price, ok
}

// Publish applies an externally injected tick through the same serialized
// path as streamed ticks.
func (h *Hub) Publish(t model.Tick) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	h.apply(t)
}

// Run blocks until ctx is done and then stops every stream.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sym, sub := range h.subs {
		sub.cancel()
		delete(h.subs, sym)
		metrics.FeedSubscriptions.Dec()
	}
	return nil
}

// stream keeps one upstream connection alive with exponential backoff.
// A connection that stayed up longer than ReconnectMax resets the backoff.
func (h *Hub) stream(ctx context.Context, symbol string) {
	backoff := h.opts.ReconnectMin
	for {
		started := time.Now()
		err := h.source.Stream(ctx, symbol, h.apply)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > h.opts.ReconnectMax {
			backoff = h.opts.ReconnectMin
		}
		metrics.FeedReconnects.WithLabelValues(symbol).Inc()
		h.logger.Warn("feed stream ended, reconnecting",
			zap.String("symbol", symbol),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > h.opts.ReconnectMax {
			backoff = h.opts.ReconnectMax
		}
	}
}

// apply drops ticks not newer than the last applied one and hands the rest
// to the handlers under the symbol's lock.
func (h *Hub) apply(t model.Tick) {
	lock := h.lockFor(t.Symbol)
	lock.Lock()
	defer lock.Unlock()

	h.stateMu.Lock()
	prev, seen := h.last[t.Symbol]
	if seen && !t.Timestamp.After(prev.Timestamp) {
		h.stateMu.Unlock()
		metrics.TicksDropped.WithLabelValues(t.Symbol).Inc()
		return
	}
	h.last[t.Symbol] = t
	h.stateMu.Unlock()

	metrics.TicksTotal.WithLabelValues(t.Symbol).Inc()

	h.mu.Lock()
	handlers := h.handlers
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(t)
	}
}

func (h *Hub) lockFor(symbol string) *sync.Mutex {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	m, ok := h.symbolMu[symbol]
	if !ok {
		m = &sync.Mutex{}
		h.symbolMu[symbol] = m
	}
	return m
}
