package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/eclipse-ditto/ditto-sub092/internal/logctx"
	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
)

// ErrRegistryClosed is returned by Create after Close.
var ErrRegistryClosed = errors.New("subscriptions: registry closed")

// inboxSize bounds queued demand messages per session.
const inboxSize = 16

// Registry owns every running Session, keyed by subscription id.
type Registry struct {
	provider twinstore.IDStreamProvider
	fetcher  twinstore.ResultFetcher
	opts     options

	sessions *xsync.Map[string, *Session]

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry creates a Registry serving queries from provider and fetcher.
func NewRegistry(provider twinstore.IDStreamProvider, fetcher twinstore.ResultFetcher, opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		provider: provider,
		fetcher:  fetcher,
		opts:     o,
		sessions: xsync.NewMap[string, *Session](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create validates cmd and starts a session that emits to out. The returned
// id is assigned even when validation fails, so that callers can address the
// failure to it; no session exists in that case.
func (r *Registry) Create(ctx context.Context, cmd *search.CreateSubscription, out Emitter) (string, error) {
	id := r.opts.newID()
	if r.isClosed() {
		return id, ErrRegistryClosed
	}
	if cmd.Demand < 0 {
		return id, search.ErrIllegalDemand.WithDescription(fmt.Sprintf("demand must not be negative, got %d", cmd.Demand))
	}
	req, err := query.FromCommand(cmd)
	if err != nil {
		r.opts.log.InfoContext(ctx, "session.create.invalid",
			slog.String("subscription_id", id),
			slog.String("err", err.Error()))
		return id, err
	}

	pageSize := r.opts.maxPageSize
	if req.Size > 0 && req.Size < pageSize {
		pageSize = req.Size
	}

	sctx := logctx.WithSubscriptionData(r.ctx, &logctx.SubscriptionData{
		SubscriptionID: id,
		Transport:      transportOf(ctx),
	})
	sctx, cancel := context.WithCancel(sctx)
	s := &Session{
		id:         id,
		req:        req,
		out:        out,
		opts:       &r.opts,
		provider:   r.provider,
		fetcher:    r.fetcher,
		log:        r.opts.log,
		pageSize:   pageSize,
		inbox:      make(chan int64, inboxSize),
		done:       make(chan struct{}),
		ctx:        sctx,
		cancel:     cancel,
		onTerminal: r.remove,
	}
	s.setState(StateCreated)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return id, ErrRegistryClosed
	}
	if _, loaded := r.sessions.LoadOrStore(id, s); loaded {
		r.mu.Unlock()
		cancel()
		return id, fmt.Errorf("subscriptions: duplicate subscription id %q", id)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.opts.metrics.SessionStarted()
	go func() {
		defer r.wg.Done()
		s.run(cmd.Demand)
	}()
	return id, nil
}

// remove drops s the moment it reaches a terminal state.
func (r *Registry) remove(s *Session, final State) {
	if _, ok := r.sessions.LoadAndDelete(s.id); ok {
		r.opts.metrics.SessionEnded(final)
	}
}

// Request adds n to the demand of subscription id. Unknown or finished
// subscriptions are answered on out with a NoSuchSubscription failure.
func (r *Registry) Request(ctx context.Context, id string, n int64, out Emitter) error {
	if s, ok := r.sessions.Load(id); ok && s.Request(ctx, n) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.opts.log.DebugContext(ctx, "session.request.unknown", slog.String("subscription_id", id))
	return out.Emit(ctx, search.Failed(id, search.ErrNoSuchSubscription.WithDescription(
		fmt.Sprintf("no subscription with id %q", id))))
}

// Cancel cancels subscription id. Unknown ids are ignored.
func (r *Registry) Cancel(id string) {
	if s, ok := r.sessions.Load(id); ok {
		s.Cancel()
	}
}

// Handle routes one command. Failures to create a subscription are emitted
// on out as SubscriptionFailed; only emitter errors are returned.
func (r *Registry) Handle(ctx context.Context, cmd search.Command, out Emitter) error {
	ctx = logctx.WithCommandData(ctx, &logctx.CommandData{Type: cmd.CommandType()})
	switch c := cmd.(type) {
	case *search.CreateSubscription:
		id, err := r.Create(ctx, c, out)
		if err != nil {
			return out.Emit(ctx, search.Failed(id, err))
		}
		return nil
	case *search.RequestFromSubscription:
		return r.Request(ctx, c.SubscriptionID, c.Demand, out)
	case *search.CancelSubscription:
		r.Cancel(c.SubscriptionID)
		return nil
	default:
		return out.Emit(ctx, search.Failed("", search.ErrInvalidCommand.WithDescription(
			fmt.Sprintf("unsupported command %T", cmd))))
	}
}

// Lookup returns the running session with the given id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	return r.sessions.Load(id)
}

// Len returns the number of running sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Close cancels every session and waits for them to stop or for ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type transportKey struct{}

// WithTransport labels sessions created with ctx by the transport serving
// them.
func WithTransport(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, transportKey{}, name)
}

func transportOf(ctx context.Context) string {
	name, _ := ctx.Value(transportKey{}).(string)
	return name
}
