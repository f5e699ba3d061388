package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/duel-engine/internal/metrics"
)

// DispatcherConfig tunes retry behaviour.
type DispatcherConfig struct {
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	Timeout     time.Duration
}

// DefaultDispatcherConfig is used for zero-valued fields.
var DefaultDispatcherConfig = DispatcherConfig{
	QueueSize:   4096,
	MaxAttempts: 3,
	BaseBackoff: 50 * time.Millisecond,
	Timeout:     2 * time.Second,
}

// Dispatcher is the engine's Publisher. Events are queued and delivered to
// every sink by a single worker, which preserves publish order per sink.
// A sink that keeps failing gets its event dropped after MaxAttempts.
type Dispatcher struct {
	sinks  []Sink
	queue  chan Event
	cfg    DispatcherConfig
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher fanning out to sinks.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultDispatcherConfig.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDispatcherConfig.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultDispatcherConfig.BaseBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDispatcherConfig.Timeout
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Event, cfg.QueueSize),
		cfg:    cfg,
		logger: logger.Named("notify"),
	}
}

// Publish enqueues ev. If the queue is full the event is dropped.
func (d *Dispatcher) Publish(ev Event) {
	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("match_id", ev.MatchID))
	}
}

// Run delivers queued events until ctx is done, then drains what is left
// with a fresh deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	for _, sink := range d.sinks {
		d.deliver(ctx, sink, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, ev Event) {
	backoff := d.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := sink.Deliver(dctx, ev)
		cancel()
		if err == nil {
			metrics.NotificationsTotal.WithLabelValues(sink.Name(), "delivered").Inc()
			return
		}
		if attempt >= d.cfg.MaxAttempts || ctx.Err() != nil {
			metrics.NotificationsTotal.WithLabelValues(sink.Name(), "dropped").Inc()
			d.logger.Warn("notification dropped",
				zap.String("sink", sink.Name()),
				zap.String("type", string(ev.Type)),
				zap.String("event_id", ev.ID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "retried").Inc()
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff *= 2
	}
}
