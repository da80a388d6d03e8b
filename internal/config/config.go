// Package config loads twinsearchd settings from TWINSEARCH_* environment
// variables. Defaults live in the struct tags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Store backends.
const (
	StoreMemory = "memory"
	StorePebble = "pebble"
)

// Broker backends.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Reconcile sinks.
const (
	ReconcileNone   = "none"
	ReconcileMemory = "memory"
	ReconcileRedis  = "redis"
	ReconcileNATS   = "nats"
)

// Config is the full daemon configuration.
type Config struct {
	// HTTPAddr is the listen address of the HTTP server. ENV: TWINSEARCH_HTTP_ADDR
	HTTPAddr string `env:"TWINSEARCH_HTTP_ADDR,default=:8080"`
	// BasePath mounts the HTTP+SSE endpoints. ENV: TWINSEARCH_BASE_PATH
	BasePath string `env:"TWINSEARCH_BASE_PATH,default=/search/subscriptions"`
	// WebSocketPath mounts the WebSocket gateway; empty disables it. ENV: TWINSEARCH_WS_PATH
	WebSocketPath string `env:"TWINSEARCH_WS_PATH,default=/search/ws"`
	// MetricsPath exposes Prometheus metrics; empty disables it. ENV: TWINSEARCH_METRICS_PATH
	MetricsPath string `env:"TWINSEARCH_METRICS_PATH,default=/metrics"`
	// ShutdownTimeout bounds graceful shutdown. ENV: TWINSEARCH_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"TWINSEARCH_SHUTDOWN_TIMEOUT,default=10s"`

	// MaxPageSize caps items per page. ENV: TWINSEARCH_MAX_PAGE_SIZE
	MaxPageSize int `env:"TWINSEARCH_MAX_PAGE_SIZE,default=25"`
	// IdleTimeout fails subscriptions that wait this long for demand. ENV: TWINSEARCH_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"TWINSEARCH_IDLE_TIMEOUT,default=5m"`
	// FetchConcurrency bounds parallel fetches per page. ENV: TWINSEARCH_FETCH_CONCURRENCY
	FetchConcurrency int `env:"TWINSEARCH_FETCH_CONCURRENCY,default=8"`
	// FetchAttempts is the number of tries for a transiently failing fetch. ENV: TWINSEARCH_FETCH_ATTEMPTS
	FetchAttempts int `env:"TWINSEARCH_FETCH_ATTEMPTS,default=3"`
	// FetchRate limits fetches per second; zero disables the limit. ENV: TWINSEARCH_FETCH_RATE
	FetchRate float64 `env:"TWINSEARCH_FETCH_RATE,default=0"`
	// FetchBurst is the rate limiter burst. ENV: TWINSEARCH_FETCH_BURST
	FetchBurst int `env:"TWINSEARCH_FETCH_BURST,default=64"`
	// Retention keeps terminated subscriptions' SSE logs. ENV: TWINSEARCH_RETENTION
	Retention time.Duration `env:"TWINSEARCH_RETENTION,default=1m"`

	// Store selects the twin store backend. ENV: TWINSEARCH_STORE
	Store string `env:"TWINSEARCH_STORE,default=memory"`
	// DataDir holds the pebble database. ENV: TWINSEARCH_DATA_DIR
	DataDir string `env:"TWINSEARCH_DATA_DIR,default=./data"`
	// CursorTTL bounds how long a search cursor stays valid. ENV: TWINSEARCH_CURSOR_TTL
	CursorTTL time.Duration `env:"TWINSEARCH_CURSOR_TTL,default=10m"`
	// TwinsDir is loaded into the store at startup when set. ENV: TWINSEARCH_TWINS_DIR
	TwinsDir string `env:"TWINSEARCH_TWINS_DIR"`
	// WatchTwins keeps the store in sync with TwinsDir. ENV: TWINSEARCH_WATCH_TWINS
	WatchTwins bool `env:"TWINSEARCH_WATCH_TWINS,default=false"`

	// Broker selects the SSE event log backend. ENV: TWINSEARCH_BROKER
	Broker string `env:"TWINSEARCH_BROKER,default=memory"`
	// RedisAddr like "localhost:6379". ENV: TWINSEARCH_REDIS_ADDR
	RedisAddr string `env:"TWINSEARCH_REDIS_ADDR,default=localhost:6379"`
	// EventWindow is how many recent SSE events each subscription keeps for
	// Last-Event-ID replay. ENV: TWINSEARCH_EVENT_WINDOW
	EventWindow int `env:"TWINSEARCH_EVENT_WINDOW,default=1024"`
	// KeyPrefix for all Redis keys. ENV: TWINSEARCH_KEY_PREFIX
	KeyPrefix string `env:"TWINSEARCH_KEY_PREFIX,default=twinsearch:"`

	// Reconcile selects where out-of-sync reports go. ENV: TWINSEARCH_RECONCILE
	Reconcile string `env:"TWINSEARCH_RECONCILE,default=none"`
	// NATSURL is used by the nats reconcile sink. ENV: TWINSEARCH_NATS_URL
	NATSURL string `env:"TWINSEARCH_NATS_URL,default=nats://127.0.0.1:4222"`
	// ReconcileSubject is the NATS subject or Redis stream for reports. ENV: TWINSEARCH_RECONCILE_SUBJECT
	ReconcileSubject string `env:"TWINSEARCH_RECONCILE_SUBJECT"`

	// LogLevel is debug, info, warn or error. ENV: TWINSEARCH_LOG_LEVEL
	LogLevel string `env:"TWINSEARCH_LOG_LEVEL,default=info"`
	// LogFormat is text or json. ENV: TWINSEARCH_LOG_FORMAT
	LogFormat string `env:"TWINSEARCH_LOG_FORMAT,default=text"`
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.MaxPageSize < 1 {
		errs = append(errs, fmt.Errorf("max page size must be at least 1, got %d", c.MaxPageSize))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fetch concurrency must be at least 1, got %d", c.FetchConcurrency))
	}
	if c.FetchAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch attempts must be at least 1, got %d", c.FetchAttempts))
	}
	if c.FetchRate < 0 {
		errs = append(errs, fmt.Errorf("fetch rate must not be negative, got %g", c.FetchRate))
	}
	if c.FetchRate > 0 && c.FetchBurst < 1 {
		errs = append(errs, fmt.Errorf("fetch burst must be at least 1, got %d", c.FetchBurst))
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must not be negative, got %s", c.Retention))
	}
	if c.EventWindow < 1 {
		errs = append(errs, fmt.Errorf("event window must be at least 1, got %d", c.EventWindow))
	}
	if c.CursorTTL <= 0 {
		errs = append(errs, fmt.Errorf("cursor TTL must be positive, got %s", c.CursorTTL))
	}
	if strings.Trim(c.BasePath, "/") == "" {
		errs = append(errs, errors.New("base path must not be the root"))
	}
	if !oneOf(c.Store, StoreMemory, StorePebble) {
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.Store == StorePebble && c.DataDir == "" {
		errs = append(errs, errors.New("pebble store needs a data dir"))
	}
	if c.WatchTwins && c.TwinsDir == "" {
		errs = append(errs, errors.New("watching twins needs a twins dir"))
	}
	if !oneOf(c.Broker, BrokerMemory, BrokerRedis) {
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker))
	}
	if !oneOf(c.Reconcile, ReconcileNone, ReconcileMemory, ReconcileRedis, ReconcileNATS) {
		errs = append(errs, fmt.Errorf("unknown reconcile sink %q", c.Reconcile))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if !oneOf(c.LogFormat, "text", "json") {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return l, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
