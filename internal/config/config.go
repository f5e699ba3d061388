// Package config loads engine settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully resolved engine configuration.
type Config struct {
	Port        string `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	Log         LogConfig         `mapstructure:"log"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Match       MatchConfig       `mapstructure:"match"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Trading     TradingConfig     `mapstructure:"trading"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type FeedConfig struct {
	URL          string        `mapstructure:"url"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

type MatchConfig struct {
	Duration        time.Duration `mapstructure:"duration"`
	ActivationGrace time.Duration `mapstructure:"activation_grace"`
	SettlementGrace time.Duration `mapstructure:"settlement_grace"`
}

type MatchmakingConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MaxTierDistance int           `mapstructure:"max_tier_distance"`
	MaxWinRateGap   float64       `mapstructure:"max_win_rate_gap"`
}

type TradingConfig struct {
	MaxLeverage    int     `mapstructure:"max_leverage"`
	OrderRate      float64 `mapstructure:"order_rate"`
	OrderBurst     int     `mapstructure:"order_burst"`
	ClosePriceBand float64 `mapstructure:"close_price_band"`
}

// Loader resolves Config and optionally watches the backing file.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a viper instance with defaults and environment binding.
// A .env file in the working directory is loaded first when present.
func NewLoader() *Loader {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "duel.events")
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.reconnect_min", time.Second)
	v.SetDefault("feed.reconnect_max", 30*time.Second)
	v.SetDefault("match.duration", 5*time.Minute)
	v.SetDefault("match.activation_grace", 3*time.Second)
	v.SetDefault("match.settlement_grace", 2*time.Second)
	v.SetDefault("matchmaking.interval", time.Second)
	v.SetDefault("matchmaking.max_tier_distance", 2)
	v.SetDefault("matchmaking.max_win_rate_gap", 20.0)
	v.SetDefault("trading.max_leverage", 125)
	v.SetDefault("trading.order_rate", 10.0)
	v.SetDefault("trading.order_burst", 20)
	v.SetDefault("trading.close_price_band", 0.01)
}

// Load reads the file named by CONFIG_FILE (if set) and returns the merged config.
func (l *Loader) Load() (*Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	// Comma-separated env values arrive as a single element.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch invokes fn with the reloaded config whenever the config file changes.
// It is a no-op when no file was loaded.
func (l *Loader) Watch(fn func(*Config), onError func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			onError(err)
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

var ErrInvalidConfig = errors.New("config: invalid value")

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port is empty", ErrInvalidConfig)
	case c.Match.Duration <= 0:
		return fmt.Errorf("%w: match.duration must be positive", ErrInvalidConfig)
	case c.Match.ActivationGrace < 0 || c.Match.SettlementGrace < 0:
		return fmt.Errorf("%w: match grace periods must not be negative", ErrInvalidConfig)
	case c.Matchmaking.Interval <= 0:
		return fmt.Errorf("%w: matchmaking.interval must be positive", ErrInvalidConfig)
	case c.Matchmaking.MaxTierDistance < 0:
		return fmt.Errorf("%w: matchmaking.max_tier_distance must not be negative", ErrInvalidConfig)
	case c.Matchmaking.MaxWinRateGap < 0 || c.Matchmaking.MaxWinRateGap > 100:
		return fmt.Errorf("%w: matchmaking.max_win_rate_gap must be within [0, 100]", ErrInvalidConfig)
	case c.Trading.MaxLeverage < 1:
		return fmt.Errorf("%w: trading.max_leverage must be at least 1", ErrInvalidConfig)
	case c.Trading.OrderRate <= 0 || c.Trading.OrderBurst < 1:
		return fmt.Errorf("%w: trading.order_rate and trading.order_burst must be positive", ErrInvalidConfig)
	case c.Trading.ClosePriceBand <= 0 || c.Trading.ClosePriceBand >= 1:
		return fmt.Errorf("%w: trading.close_price_band must be within (0, 1)", ErrInvalidConfig)
	case c.Feed.ReconnectMin <= 0 || c.Feed.ReconnectMax < c.Feed.ReconnectMin:
		return fmt.Errorf("%w: feed reconnect bounds", ErrInvalidConfig)
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return fmt.Errorf("%w: kafka.topic is required with brokers", ErrInvalidConfig)
	}
	return nil
}
