// Package reconcile carries out-of-sync reports from search subscriptions to
// whoever repairs the search index. Queued reports are retried until the sink
// accepts them. Report blocks the subscription that found the inconsistency
// for at most the enqueue wait, and drops the report only when the queue
// stays full for that long.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse-ditto/ditto-sub092/internal/retry"
)

// Report names thing ids that the index listed but the twin store could not
// deliver.
type Report struct {
	SubscriptionID string    `json:"subscriptionId"`
	IDs            []string  `json:"thingIds"`
	ReportedAt     time.Time `json:"reportedAt"`
}

// Marshal encodes r as JSON.
func (r Report) Marshal() ([]byte, error) { return json.Marshal(r) }

// Reporter accepts out-of-sync reports.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Report)

func (f ReporterFunc) Report(ctx context.Context, r Report) { f(ctx, r) }

// Sink delivers a report to its destination.
type Sink interface {
	Deliver(ctx context.Context, r Report) error
}

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("reconcile: dispatcher closed")

// Stats counts what a Dispatcher did with its reports.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	Failed    uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize bounds the number of reports waiting for delivery.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithEnqueueWait bounds how long Report waits for room in a full queue.
func WithEnqueueWait(wait time.Duration) Option {
	return func(d *Dispatcher) {
		if wait >= 0 {
			d.enqueueWait = wait
		}
	}
}

// WithRetry sets the delivery backoff.
func WithRetry(cfg retry.Config) Option {
	return func(d *Dispatcher) { d.retry = cfg }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// Dispatcher queues reports and delivers them to a Sink from one background
// goroutine, retrying failed deliveries.
type Dispatcher struct {
	sink        Sink
	queueSize   int
	enqueueWait time.Duration
	retry       retry.Config
	log         *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Report

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

var _ Reporter = (*Dispatcher)(nil)

// NewDispatcher starts a dispatcher delivering to sink.
func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:        sink,
		queueSize:   256,
		enqueueWait: 250 * time.Millisecond,
		retry:       retry.DefaultConfig(),
		log:         slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Report, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.run()
	return d
}

// Report queues r, waiting up to the enqueue wait for room. When the queue
// stays full or the dispatcher is closed the report is dropped and logged.
func (d *Dispatcher) Report(ctx context.Context, r Report) {
	if len(r.IDs) == 0 {
		return
	}
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ctx, r, "closed")
		return
	}
	select {
	case d.queue <- r:
		return
	default:
	}
	if d.enqueueWait <= 0 {
		d.drop(ctx, r, "queue full")
		return
	}
	timer := time.NewTimer(d.enqueueWait)
	defer timer.Stop()
	select {
	case d.queue <- r:
	case <-timer.C:
		d.drop(ctx, r, "queue full")
	}
}

func (d *Dispatcher) drop(ctx context.Context, r Report, reason string) {
	d.dropped.Add(1)
	d.log.WarnContext(ctx, "reconcile.report.drop",
		slog.String("subscription_id", r.SubscriptionID),
		slog.Int("ids", len(r.IDs)),
		slog.String("reason", reason))
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for r := range d.queue {
		err := retry.Do(d.ctx, d.retry, func(ctx context.Context) error {
			return d.sink.Deliver(ctx, r)
		})
		if err != nil {
			d.failed.Add(1)
			d.log.ErrorContext(d.ctx, "reconcile.deliver.fail",
				slog.String("subscription_id", r.SubscriptionID),
				slog.Int("ids", len(r.IDs)),
				slog.String("err", err.Error()))
			continue
		}
		d.delivered.Add(1)
		d.log.DebugContext(d.ctx, "reconcile.deliver.ok",
			slog.String("subscription_id", r.SubscriptionID),
			slog.Int("ids", len(r.IDs)))
	}
}

// Close stops accepting reports and waits until the queued ones are
// delivered or ctx ends, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}
