package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/eclipse-ditto/ditto-sub092/internal/assembler"
	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
)

// Session is one running subscription.
type Session struct {
	id       string
	req      *query.Request
	out      Emitter
	opts     *options
	provider twinstore.IDStreamProvider
	fetcher  twinstore.ResultFetcher
	log      *slog.Logger
	pageSize int

	inbox chan int64
	done  chan struct{}
	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// onTerminal runs once, before the terminal event is emitted.
	onTerminal func(*Session, State)
	// ended is owned by the session goroutine.
	ended bool
}

type pullResult struct {
	page assembler.Page
	err  error
}

// ID returns the subscription id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Request adds demand. It reports false when the session already ended.
func (s *Session) Request(ctx context.Context, n int64) bool {
	select {
	case s.inbox <- n:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Cancel ends the session without a further event. In-flight results are
// discarded. Calling it more than once has no further effect.
func (s *Session) Cancel() { s.cancel() }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// run is the session goroutine. Every state change happens here.
func (s *Session) run(initialDemand int64) {
	defer close(s.done)

	var (
		a        *assembler.Assembler
		demand   int64
		inFlight bool
		pullStop context.CancelFunc
		results  chan pullResult
		idle     *time.Timer
		idleC    <-chan time.Time
	)

	stopIdle := func() {
		if idle != nil {
			idle.Stop()
			idle, idleC = nil, nil
		}
	}
	armIdle := func() {
		stopIdle()
		s.setState(StateAwaitingDemand)
		idle = time.NewTimer(s.opts.idleTimeout)
		idleC = idle.C
	}
	release := func() {
		stopIdle()
		if a == nil {
			return
		}
		if inFlight {
			pullStop()
			go func(a *assembler.Assembler, results <-chan pullResult) {
				<-results
				_ = a.Close()
			}(a, results)
			return
		}
		_ = a.Close()
	}
	startPull := func() {
		if a == nil {
			a = assembler.New(s.provider, s.fetcher, s.req,
				assembler.WithConcurrency(s.opts.fetchConcurrency),
				assembler.WithPageSizeHint(s.pageSize),
				assembler.WithReporter(s.opts.reporter, s.id),
				assembler.WithObserver(s.opts.metrics),
				assembler.WithLogger(s.log))
		}
		s.setState(StateStreaming)
		n := int(min(demand, int64(s.pageSize)))
		var pctx context.Context
		pctx, pullStop = context.WithCancel(s.ctx)
		results = make(chan pullResult, 1)
		inFlight = true
		go s.pull(pctx, a, n, results)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(s.ctx, "session.panic", slog.String("panic", fmt.Sprint(r)))
			if !s.ended {
				release()
				s.fail(search.ErrInternal)
			}
		}
	}()

	if !s.emit(&search.SubscriptionCreated{SubscriptionID: s.id}) {
		release()
		s.finish(StateCancelled)
		return
	}
	s.log.InfoContext(s.ctx, "session.create.ok", slog.Int64("demand", initialDemand), slog.Int("page_size", s.pageSize))

	demand = initialDemand
	if demand > 0 {
		startPull()
	} else if s.opts.idleTimeout <= 0 {
		s.fail(search.ErrSubscriptionTimeout)
		return
	} else {
		armIdle()
	}

	for {
		select {
		case <-s.ctx.Done():
			release()
			s.log.InfoContext(context.WithoutCancel(s.ctx), "session.cancel.ok")
			s.finish(StateCancelled)
			return

		case n := <-s.inbox:
			if n < 1 {
				release()
				s.fail(search.ErrIllegalDemand.WithDescription(fmt.Sprintf("demand must be at least 1, got %d", n)))
				return
			}
			if demand > math.MaxInt64-n {
				demand = math.MaxInt64
			} else {
				demand += n
			}
			s.log.DebugContext(s.ctx, "session.request.ok", slog.Int64("n", n), slog.Int64("demand", demand))
			stopIdle()
			if !inFlight {
				startPull()
			}

		case r := <-results:
			inFlight = false
			pullStop()
			if s.ctx.Err() != nil {
				// Cancelled while the pull was running; the result is discarded.
				continue
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					release()
					s.complete()
					return
				}
				release()
				s.fail(r.err)
				return
			}
			if n := len(r.page.Items); n > 0 {
				if !s.emit(&search.SubscriptionHasNextPage{
					SubscriptionID: s.id,
					Items:          r.page.Items,
					Cursor:         query.EncodeCursor(s.req.Sort, r.page.LastKey),
				}) {
					release()
					s.finish(StateCancelled)
					return
				}
				demand -= int64(n)
				s.opts.metrics.PageDelivered(n)
			}
			if r.page.Final {
				release()
				s.complete()
				return
			}
			if demand > 0 {
				startPull()
				continue
			}
			if s.opts.idleTimeout <= 0 {
				release()
				s.fail(search.ErrSubscriptionTimeout)
				return
			}
			armIdle()

		case <-idleC:
			idle, idleC = nil, nil
			release()
			s.log.InfoContext(s.ctx, "session.timeout", slog.Duration("after", s.opts.idleTimeout))
			s.fail(search.ErrSubscriptionTimeout.WithDescription(
				fmt.Sprintf("no demand within %s", s.opts.idleTimeout)))
			return
		}
	}
}

func (s *Session) pull(ctx context.Context, a *assembler.Assembler, n int, results chan<- pullResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "session.pull.panic", slog.String("panic", fmt.Sprint(r)))
			results <- pullResult{err: search.ErrInternal}
		}
	}()
	page, err := a.Next(ctx, n)
	results <- pullResult{page: page, err: err}
}

// emit delivers ev and cancels the session when the client cannot take it.
func (s *Session) emit(ev search.Event) bool {
	if err := s.safeEmit(ev); err != nil {
		if s.ctx.Err() == nil {
			s.log.WarnContext(s.ctx, "session.emit.fail", slog.String("event", ev.EventType()), slog.String("err", err.Error()))
		}
		s.cancel()
		return false
	}
	return true
}

func (s *Session) safeEmit(ev search.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emitter panic: %v", r)
		}
	}()
	return s.out.Emit(s.ctx, ev)
}

func (s *Session) end(st State) {
	s.ended = true
	s.setState(st)
	if s.onTerminal != nil {
		s.onTerminal(s, st)
	}
}

func (s *Session) finish(st State) {
	s.end(st)
	s.cancel()
}

func (s *Session) complete() {
	s.end(StateCompleted)
	s.log.InfoContext(s.ctx, "session.complete.ok")
	s.emit(&search.SubscriptionComplete{SubscriptionID: s.id})
	s.cancel()
}

func (s *Session) fail(err error) {
	s.end(StateFailed)
	perr := search.AsError(err)
	s.log.InfoContext(s.ctx, "session.fail", slog.String("error", perr.Code), slog.String("err", perr.Error()))
	s.emit(search.Failed(s.id, perr))
	s.cancel()
}
