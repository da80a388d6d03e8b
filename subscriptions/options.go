package subscriptions

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eclipse-ditto/ditto-sub092/reconcile"
)

const (
	// DefaultMaxPageSize caps the items of one page.
	DefaultMaxPageSize = 25
	// DefaultIdleTimeout is how long a session waits for demand.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultFetchConcurrency bounds concurrent fetches per page.
	DefaultFetchConcurrency = 8
)

type options struct {
	maxPageSize      int
	idleTimeout      time.Duration
	fetchConcurrency int
	reporter         reconcile.Reporter
	log              *slog.Logger
	metrics          Metrics
	newID            func() string
}

func defaultOptions() options {
	return options{
		maxPageSize:      DefaultMaxPageSize,
		idleTimeout:      DefaultIdleTimeout,
		fetchConcurrency: DefaultFetchConcurrency,
		log:              slog.Default(),
		metrics:          NopMetrics{},
		newID:            uuid.NewString,
	}
}

// Option configures a Registry.
type Option func(*options)

// WithMaxPageSize caps page sizes. A size(n) option can only lower it.
func WithMaxPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPageSize = n
		}
	}
}

// WithIdleTimeout sets how long a session waits for demand before failing.
// Zero fails a session at once whenever it has no demand; only sessions
// created with demand can stream under it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.idleTimeout = d
		}
	}
}

// WithFetchConcurrency bounds concurrent fetches per page.
func WithFetchConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.fetchConcurrency = n
		}
	}
}

// WithReporter receives out-of-sync reports.
func WithReporter(r reconcile.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics installs a Metrics implementation.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithIDGenerator replaces the subscription id generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}
