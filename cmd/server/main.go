package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/duel-engine/internal/api"
	"github.com/atmx/duel-engine/internal/config"
	"github.com/atmx/duel-engine/internal/execution"
	"github.com/atmx/duel-engine/internal/feed"
	"github.com/atmx/duel-engine/internal/ledger"
	"github.com/atmx/duel-engine/internal/lock"
	"github.com/atmx/duel-engine/internal/logging"
	"github.com/atmx/duel-engine/internal/match"
	"github.com/atmx/duel-engine/internal/matchmaking"
	"github.com/atmx/duel-engine/internal/notify"
	"github.com/atmx/duel-engine/internal/position"
	"github.com/atmx/duel-engine/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "duel-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, level := logging.New(cfg.Log.Level)
	defer logger.Sync()
	loader.Watch(func(c *config.Config) {
		level.SetLevel(logging.ParseLevel(c.Log.Level))
		logger.Info("config reloaded", zap.String("log_level", c.Log.Level))
	}, func(err error) {
		logger.Warn("config reload rejected", zap.Error(err))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage and settlement lock ---
	st, locker, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Notifications ---
	wsHub := notify.NewHub(logger)
	sinks := []notify.Sink{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafka.Close()
		sinks = append(sinks, kafka)
		logger.Info("kafka notifications enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	dispatcher := notify.NewDispatcher(notify.DefaultDispatcherConfig, logger, sinks...)

	// --- Price feed ---
	var source feed.Source
	if cfg.Feed.URL != "" {
		source = feed.NewWSSource(cfg.Feed.URL)
	} else {
		logger.Warn("feed.url not set, using simulated prices")
		source = feed.NewSimulatedSource(500 * time.Millisecond)
	}
	prices := feed.NewHub(source, feed.Options{
		ReconnectMin: cfg.Feed.ReconnectMin,
		ReconnectMax: cfg.Feed.ReconnectMax,
	}, logger)

	// --- Engine ---
	led := ledger.New(st, dispatcher, logger)
	positions := position.NewManager(st, led, prices, dispatcher, position.Options{
		MaxLeverage:    cfg.Trading.MaxLeverage,
		ClosePriceBand: decimal.NewFromFloat(cfg.Trading.ClosePriceBand),
	}, logger)
	orders := execution.NewEngine(st, led, positions, prices, dispatcher, execution.Options{MaxLeverage: cfg.Trading.MaxLeverage}, logger)

	// Orders see each tick before positions are marked to it.
	prices.OnTick(orders.OnTick)
	prices.OnTick(positions.OnTick)
	positions.OnClose(orders.OnPositionClosed)

	matches := match.NewController(st, orders, positions, led, locker, dispatcher, match.Options{
		Duration:        cfg.Match.Duration,
		ActivationGrace: cfg.Match.ActivationGrace,
		SettlementGrace: cfg.Match.SettlementGrace,
	}, logger)
	led.OnChange(matches.OnBalanceChange)

	queue := matchmaking.NewEngine(st, matches, matchmaking.Rules{
		MaxTierDistance: cfg.Matchmaking.MaxTierDistance,
		MaxWinRateGap:   decimal.NewFromFloat(cfg.Matchmaking.MaxWinRateGap),
	}, cfg.Matchmaking.Interval, logger)

	if err := recoverState(ctx, positions, orders, matches, logger); err != nil {
		return err
	}

	// --- HTTP ---
	srv := api.NewServer(api.Deps{
		Store:     st,
		Ledger:    led,
		Orders:    orders,
		Positions: positions,
		Matches:   matches,
		Queue:     queue,
		Prices:    prices,
		WS:        wsHub.HandleWS,
	}, api.Options{
		OrderRate:  cfg.Trading.OrderRate,
		OrderBurst: cfg.Trading.OrderBurst,
	}, logger)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Fan-out and feeds outlive the request side so settlements started
	// during shutdown still reach subscribers.
	bg, stopBackground := context.WithCancel(context.Background())
	var background errgroup.Group
	background.Go(func() error { return dispatcher.Run(bg) })
	background.Go(func() error { return wsHub.Run(bg) })
	background.Go(func() error { return prices.Run(bg) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("duel-engine listening", zap.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down duel-engine")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", zap.Error(err))
		}
		if err := matches.Shutdown(shutdownCtx); err != nil {
			logger.Error("match controller shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	stopBackground()
	if bgErr := background.Wait(); err == nil {
		err = bgErr
	}
	logger.Info("duel-engine stopped")
	return err
}

// openStore connects PostgreSQL (with an optional Redis cache and lock) or
// falls back to the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, lock.Locker, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("database_url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), lock.NewNopLock(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	if cfg.RedisURL == "" {
		return pg, lock.NewNopLock(), pool.Close, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	rdb := redis.NewClient(opt)
	logger.Info("Redis cache and settlement lock enabled")
	cleanup := func() {
		rdb.Close()
		pool.Close()
	}
	return store.NewCachedStore(pg, rdb, 30*time.Second), lock.NewRedisLock(rdb, "duel:"), cleanup, nil
}

// recoverState reloads open positions, resting orders and match timers, in
// that order.
func recoverState(ctx context.Context, positions *position.Manager, orders *execution.Engine, matches *match.Controller, logger *zap.Logger) error {
	n, err := positions.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}
	m, err := orders.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover orders: %w", err)
	}
	k, err := matches.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover matches: %w", err)
	}
	logger.Info("state recovered", zap.Int("positions", n), zap.Int("orders", m), zap.Int("matches", k))
	return nil
}
