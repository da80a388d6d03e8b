// Package assembler turns a validated query into ordered pages of resolved
// twin documents. It pulls ids from an id stream only as far as it is asked
// to, resolves them concurrently and reassembles them in stream order.
package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/reconcile"
	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("assembler: closed")

// Page is one batch of resolved items in stream order.
type Page struct {
	Items []search.Item
	// LastKey is the sort key of the last item delivered so far.
	LastKey query.SortKey
	// Final is set on the page that exhausts the stream.
	Final bool
}

// Observer is told about resumptions and out-of-sync ids.
type Observer interface {
	ObserveResume(ok bool)
	ObserveOutOfSync(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveResume(bool)   {}
func (nopObserver) ObserveOutOfSync(int) {}

// Option configures an Assembler.
type Option func(*Assembler)

// WithConcurrency bounds the number of concurrent fetches per page.
func WithConcurrency(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithReporter sends out-of-sync ids to r, labelled with subscriptionID.
func WithReporter(r reconcile.Reporter, subscriptionID string) Option {
	return func(a *Assembler) {
		a.reporter = r
		a.subscriptionID = subscriptionID
	}
}

// WithPageSizeHint is passed to the id stream provider.
func WithPageSizeHint(n int) Option {
	return func(a *Assembler) { a.pageSizeHint = n }
}

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(a *Assembler) {
		if o != nil {
			a.observer = o
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *Assembler) { a.log = log }
}

// Assembler produces pages for one query. It is not safe for concurrent use;
// callers keep at most one Next in flight.
type Assembler struct {
	provider twinstore.IDStreamProvider
	fetcher  twinstore.ResultFetcher
	req      *query.Request

	concurrency    int
	pageSizeHint   int
	reporter       reconcile.Reporter
	subscriptionID string
	observer       Observer
	log            *slog.Logger

	// fetchFields covers the selector and the sort paths.
	fetchFields query.Fields

	stream twinstore.IDStream
	// floor is the cursor the current stream was opened from.
	floor query.SortKey
	// lastKey and lastID describe the last delivered item.
	lastKey   query.SortKey
	lastID    string
	reported  map[string]struct{}
	exhausted bool
	closed    bool
}

// New creates an Assembler. Nothing is read upstream before the first Next.
func New(provider twinstore.IDStreamProvider, fetcher twinstore.ResultFetcher, req *query.Request, opts ...Option) *Assembler {
	a := &Assembler{
		provider:    provider,
		fetcher:     fetcher,
		req:         req,
		concurrency: 8,
		observer:    nopObserver{},
		log:         slog.Default(),
		reported:    make(map[string]struct{}),
		floor:       req.After,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.fetchFields = req.Fields.Union(req.Sort.Fields())
	return a
}

// Next pulls exactly n ids and returns the items resolved from them. The
// page may hold fewer than n items when ids were out of sync or the stream
// ended. It returns io.EOF once a final page has been returned.
func (a *Assembler) Next(ctx context.Context, n int) (Page, error) {
	if a.closed {
		return Page{}, ErrClosed
	}
	if a.exhausted {
		return Page{}, io.EOF
	}
	if n < 1 {
		return Page{}, fmt.Errorf("assembler: pull of %d items", n)
	}
	if a.stream == nil {
		if err := a.open(ctx, a.floor); err != nil {
			if ctx.Err() != nil {
				return Page{}, ctx.Err()
			}
			return Page{}, search.ErrUpstreamFailure.WithDescription("opening the id stream failed")
		}
	}

	ids, err := a.stream.Next(ctx, n)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		a.log.InfoContext(ctx, "assembler.stream.interrupted",
			slog.String("err", err.Error()),
			slog.Bool("cursor_invalid", errors.Is(err, twinstore.ErrCursorInvalid)))
		if rerr := a.resume(ctx); rerr != nil {
			return Page{}, rerr
		}
		ids, err = a.stream.Next(ctx, n)
		if err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				return Page{}, ctx.Err()
			}
			a.observer.ObserveResume(false)
			a.log.WarnContext(ctx, "assembler.resume.fail", slog.String("err", err.Error()))
			return Page{}, search.ErrUpstreamFailure.WithDescription("the id stream failed again after resuming")
		}
		a.observer.ObserveResume(true)
		a.log.InfoContext(ctx, "assembler.resume.ok")
	}
	final := errors.Is(err, io.EOF)

	items, err := a.resolve(ctx, ids)
	if err != nil {
		return Page{}, err
	}
	if final {
		a.exhausted = true
	}
	return Page{Items: items, LastKey: a.lastKey, Final: final}, nil
}

func (a *Assembler) open(ctx context.Context, cursor query.SortKey) error {
	stream, err := a.provider.OpenIDStream(ctx, twinstore.IDStreamRequest{
		Filter:       a.req.Filter,
		Sort:         a.req.Sort,
		Cursor:       cursor,
		PageSizeHint: a.pageSizeHint,
	})
	if err != nil {
		a.log.WarnContext(ctx, "assembler.open.fail", slog.String("err", err.Error()))
		return err
	}
	a.stream = stream
	a.floor = cursor
	return nil
}

// resume reopens the id stream after the last delivered item. The position
// is rebuilt from a fresh fetch of that item since its sort fields may have
// changed since it was delivered.
func (a *Assembler) resume(ctx context.Context) error {
	_ = a.stream.Close()
	a.stream = nil

	cursor := a.req.After
	if a.lastID != "" {
		doc, err := a.fetcher.Fetch(ctx, a.lastID, a.req.Sort.Fields())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.observer.ObserveResume(false)
			a.log.WarnContext(ctx, "assembler.resume.fail",
				slog.String("thing_id", a.lastID),
				slog.String("err", err.Error()))
			return search.ErrUpstreamFailure.WithDescription("the last delivered thing could not be re-read to resume the stream")
		}
		cursor = a.req.Sort.KeyOf(doc)
	}
	if err := a.open(ctx, cursor); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.observer.ObserveResume(false)
		return search.ErrUpstreamFailure.WithDescription("reopening the id stream failed")
	}
	return nil
}

// resolve fetches ids concurrently and returns the deliverable items in id
// order. Out-of-sync ids are reported and dropped.
func (a *Assembler) resolve(ctx context.Context, ids []string) ([]search.Item, error) {
	docs := make([]thing.Thing, len(ids))
	missing := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, id := range ids {
		if _, ok := a.reported[id]; ok {
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &panicError{id: id, value: r}
				}
			}()
			doc, err := a.fetcher.Fetch(gctx, id, a.fetchFields)
			switch {
			case err == nil:
				docs[i] = doc
			case twinstore.IsOutOfSync(err):
				missing[i] = true
			default:
				return fmt.Errorf("fetch %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var pe *panicError
		if errors.As(err, &pe) {
			a.log.ErrorContext(ctx, "assembler.fetch.panic", slog.String("thing_id", pe.id), slog.String("panic", fmt.Sprint(pe.value)))
			return nil, search.ErrInternal
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.log.WarnContext(ctx, "assembler.fetch.fail", slog.String("err", err.Error()))
		return nil, search.ErrUpstreamFailure.WithDescription("resolving a thing failed")
	}

	items := make([]search.Item, 0, len(ids))
	var outOfSync []string
	for i, id := range ids {
		if missing[i] {
			outOfSync = append(outOfSync, id)
			a.reported[id] = struct{}{}
			continue
		}
		doc := docs[i]
		if doc == nil {
			continue
		}
		key := a.req.Sort.KeyOf(doc)
		if !a.advances(key) {
			a.log.DebugContext(ctx, "assembler.item.skip", slog.String("thing_id", id))
			continue
		}
		raw, err := json.Marshal(a.req.Fields.Project(doc))
		if err != nil {
			return nil, fmt.Errorf("assembler: encode %s: %w", id, err)
		}
		items = append(items, raw)
		a.lastKey = key
		a.lastID = id
	}

	if len(outOfSync) > 0 {
		a.observer.ObserveOutOfSync(len(outOfSync))
		a.log.InfoContext(ctx, "assembler.outofsync", slog.Int("ids", len(outOfSync)))
		if a.reporter != nil {
			a.reporter.Report(ctx, reconcile.Report{
				SubscriptionID: a.subscriptionID,
				IDs:            outOfSync,
				ReportedAt:     time.Now().UTC(),
			})
		}
	}
	return items, nil
}

type panicError struct {
	id    string
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("fetch %s panicked: %v", e.id, e.value) }

// advances reports whether an item with key may follow what was delivered
// so far: strictly after the last delivered item and after the cursor the
// current stream started from.
func (a *Assembler) advances(key query.SortKey) bool {
	if a.lastKey != nil && a.req.Sort.Compare(key, a.lastKey) <= 0 {
		return false
	}
	if a.floor != nil && a.req.Sort.Compare(key, a.floor) <= 0 {
		return false
	}
	return true
}

// Close releases the id stream.
func (a *Assembler) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.stream != nil {
		return a.stream.Close()
	}
	return nil
}
