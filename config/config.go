package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Polyflow  PolyflowConfig  `yaml:"polyflow"`
	Clob      ClobConfig      `yaml:"clob"`
	Feed      FeedConfig      `yaml:"feed"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Reference ReferenceConfig `yaml:"reference"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PolyflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ClobConfig struct {
	RestURL        string               `yaml:"rest_url"`
	WsURL          string               `yaml:"ws_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type FeedConfig struct {
	UpdateInterval  time.Duration `yaml:"update_interval"`
	Depth           int           `yaml:"depth"`
	EventBuffer     int           `yaml:"event_buffer"`
	HeartbeatMisses int           `yaml:"heartbeat_misses"`
	FallbackAfter   time.Duration `yaml:"fallback_after"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	Retry           RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type CatalogConfig struct {
	MaxMarkets int `yaml:"max_markets"`
}

type ReferenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Symbol  string `yaml:"symbol"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// defaultConfig returns the configuration used when the file omits a value.
// The terminal owns stdout, so logging defaults to a rotated file.
func defaultConfig() Config {
	return Config{
		Polyflow: PolyflowConfig{
			Name:    "polyflow",
			Version: "dev",
		},
		Clob: ClobConfig{
			RestURL: "https://clob.polymarket.com",
			WsURL:   "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			Timeout: 10 * time.Second,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    10,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
		Feed: FeedConfig{
			UpdateInterval:  time.Second,
			Depth:           30,
			EventBuffer:     512,
			HeartbeatMisses: 3,
			FallbackAfter:   10 * time.Second,
			PingInterval:    10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:   20,
				BaseDelay:     500 * time.Millisecond,
				MaxDelay:      10 * time.Second,
				BackoffFactor: 2.0,
			},
		},
		Catalog: CatalogConfig{
			MaxMarkets: 5000,
		},
		Reference: ReferenceConfig{
			Enabled: true,
			Symbol:  "BTCUSDT",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "logs/polyflow.log",
			MaxAge: 7,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets PFLOW_* environment variables override the file for
// the settings an operator most often changes per run.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PFLOW_REST_URL"); v != "" {
		cfg.Clob.RestURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("PFLOW_WS_URL"); v != "" {
		cfg.Clob.WsURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("PFLOW_UPDATE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PFLOW_UPDATE_INTERVAL must be a duration: %w", err)
		}
		cfg.Feed.UpdateInterval = d
	}
	if v := os.Getenv("PFLOW_DEPTH"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PFLOW_DEPTH must be an integer: %w", err)
		}
		cfg.Feed.Depth = n
	}
	if v := os.Getenv("PFLOW_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = strings.TrimSpace(v)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Polyflow.Name == "" {
		return fmt.Errorf("polyflow.name is required")
	}
	if cfg.Polyflow.Version == "" {
		return fmt.Errorf("polyflow.version is required")
	}

	if cfg.Clob.RestURL == "" {
		return fmt.Errorf("clob.rest_url is required")
	}
	if cfg.Clob.WsURL == "" {
		return fmt.Errorf("clob.ws_url is required")
	}
	if cfg.Clob.Timeout <= 0 {
		return fmt.Errorf("clob.timeout must be greater than 0")
	}
	if cfg.Clob.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("clob.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Clob.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("clob.rate_limit.burst_size must be greater than 0")
	}

	if cfg.Feed.UpdateInterval <= 0 {
		return fmt.Errorf("feed.update_interval must be greater than 0")
	}
	if cfg.Feed.Depth <= 0 {
		return fmt.Errorf("feed.depth must be greater than 0")
	}
	if cfg.Feed.EventBuffer <= 0 {
		return fmt.Errorf("feed.event_buffer must be greater than 0")
	}
	if cfg.Feed.HeartbeatMisses <= 0 {
		return fmt.Errorf("feed.heartbeat_misses must be greater than 0")
	}
	if cfg.Feed.FallbackAfter <= 0 {
		return fmt.Errorf("feed.fallback_after must be greater than 0")
	}
	if cfg.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be greater than 0")
	}
	if cfg.Feed.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("feed.retry.max_attempts must be greater than 0")
	}
	if cfg.Feed.Retry.BaseDelay <= 0 {
		return fmt.Errorf("feed.retry.base_delay must be greater than 0")
	}
	if cfg.Feed.Retry.MaxDelay < cfg.Feed.Retry.BaseDelay {
		return fmt.Errorf("feed.retry.max_delay must not be less than feed.retry.base_delay")
	}
	if cfg.Feed.Retry.BackoffFactor < 1 {
		return fmt.Errorf("feed.retry.backoff_factor must be at least 1")
	}

	if cfg.Catalog.MaxMarkets <= 0 {
		return fmt.Errorf("catalog.max_markets must be greater than 0")
	}

	if cfg.Reference.Enabled && cfg.Reference.Symbol == "" {
		return fmt.Errorf("reference.symbol is required when the reference feed is enabled")
	}

	return nil
}

// StaleAfter returns how long the supervisor waits without events before it
// treats the stream as degraded.
func (f FeedConfig) StaleAfter() time.Duration {
	return time.Duration(f.HeartbeatMisses) * f.UpdateInterval
}
