package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/reconcile"
	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
	"github.com/eclipse-ditto/ditto-sub092/twinstore/memory"
)

func newRequest(t *testing.T, cmd *search.CreateSubscription) *query.Request {
	t.Helper()
	req, err := query.FromCommand(cmd)
	require.NoError(t, err)
	return req
}

func seed(t *testing.T, s *memory.Store, counters map[string]float64) {
	t.Helper()
	for id, c := range counters {
		require.NoError(t, s.Put(context.Background(), thing.Thing{
			thing.IDField: id,
			"attributes":  map[string]any{"counter": c, "label": "x-" + id},
		}))
	}
}

func itemIDs(t *testing.T, items []search.Item) []string {
	t.Helper()
	ids := make([]string, len(items))
	for i, it := range items {
		var doc thing.Thing
		require.NoError(t, json.Unmarshal(it, &doc))
		ids[i] = doc.ID()
	}
	return ids
}

// collect pulls n at a time until the final page.
func collect(t *testing.T, a *Assembler, n int) []string {
	t.Helper()
	ctx := context.Background()
	var out []string
	for i := 0; i < 100; i++ {
		page, err := a.Next(ctx, n)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Items), n)
		out = append(out, itemIDs(t, page.Items)...)
		if page.Final {
			_, err := a.Next(ctx, n)
			require.ErrorIs(t, err, io.EOF)
			return out
		}
	}
	t.Fatal("stream did not end")
	return nil
}

type reportSink struct {
	mu  sync.Mutex
	ids []string
}

func (r *reportSink) Report(_ context.Context, rep reconcile.Report) {
	r.mu.Lock()
	r.ids = append(r.ids, rep.IDs...)
	r.mu.Unlock()
}

type observer struct {
	resumed, failed, outOfSync int
}

func (o *observer) ObserveResume(ok bool) {
	if ok {
		o.resumed++
	} else {
		o.failed++
	}
}

func (o *observer) ObserveOutOfSync(n int) { o.outOfSync += n }

func TestNext_PagesInSortOrder(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 3, "ns:b": 5, "ns:c": 1, "ns:d": 4, "ns:e": 2})
	req := newRequest(t, &search.CreateSubscription{Sort: "-attributes/counter"})

	a := New(store, store, req)
	defer a.Close()
	assert.Equal(t, []string{"ns:b", "ns:d", "ns:a", "ns:e", "ns:c"}, collect(t, a, 2))
}

func TestNext_EmptyResult(t *testing.T) {
	store := memory.New()
	req := newRequest(t, &search.CreateSubscription{Filter: `thing.attributes.counter > 100`})
	a := New(store, store, req)

	page, err := a.Next(context.Background(), 200)
	require.NoError(t, err)
	assert.True(t, page.Final)
	assert.Empty(t, page.Items)
}

func TestNext_OutOfSyncIDsAreDroppedAndReported(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:1": 1, "ns:2": 2, "ns:3": 3})
	store.DropTwin("ns:2")

	reports := &reportSink{}
	obs := &observer{}
	a := New(store, store, newRequest(t, &search.CreateSubscription{}),
		WithReporter(reports, "sub-1"), WithObserver(obs))

	assert.Equal(t, []string{"ns:1", "ns:3"}, collect(t, a, 10))
	assert.Equal(t, []string{"ns:2"}, reports.ids)
	assert.Equal(t, 1, obs.outOfSync)
}

func TestNext_ForbiddenIsOutOfSync(t *testing.T) {
	store := memory.New(memory.WithReadPolicy(func(_ context.Context, id string) bool { return id != "ns:2" }))
	seed(t, store, map[string]float64{"ns:1": 1, "ns:2": 2})

	reports := &reportSink{}
	a := New(store, store, newRequest(t, &search.CreateSubscription{}), WithReporter(reports, "sub-1"))
	assert.Equal(t, []string{"ns:1"}, collect(t, a, 1))
	assert.Equal(t, []string{"ns:2"}, reports.ids)
}

func TestNext_ResumesAfterCursorInvalidation(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1, "ns:b": 2, "ns:c": 3, "ns:d": 4})
	obs := &observer{}
	a := New(store, store, newRequest(t, &search.CreateSubscription{Sort: "+attributes/counter"}), WithObserver(obs))
	ctx := context.Background()

	page, err := a.Next(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"ns:a"}, itemIDs(t, page.Items))

	require.NoError(t, store.InvalidateCursors(ctx))

	assert.Equal(t, []string{"ns:b", "ns:c", "ns:d"}, collect(t, a, 2))
	assert.Equal(t, 1, obs.resumed)
	assert.Zero(t, obs.failed)
}

func TestNext_ResumptionMatchesUninterruptedRun(t *testing.T) {
	docs := map[string]float64{}
	for i := 0; i < 20; i++ {
		docs[fmt.Sprintf("ns:%02d", i)] = float64(i % 7)
	}
	cmd := &search.CreateSubscription{Sort: "-attributes/counter"}

	plain := memory.New()
	seed(t, plain, docs)
	want := collect(t, New(plain, plain, newRequest(t, cmd)), 3)

	for k := 1; k < 6; k++ {
		store := memory.New()
		seed(t, store, docs)
		a := New(store, store, newRequest(t, cmd))
		var got []string
		for i := 0; i < k; i++ {
			page, err := a.Next(context.Background(), 3)
			require.NoError(t, err)
			got = append(got, itemIDs(t, page.Items)...)
		}
		require.NoError(t, store.InvalidateCursors(context.Background()))
		got = append(got, collect(t, a, 3)...)
		assert.Equal(t, want, got, "invalidated after %d pages", k)
	}
}

func TestResume_RefetchesLastDeliveredSortKey(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1, "ns:b": 2, "ns:c": 3, "ns:d": 4})
	a := New(store, store, newRequest(t, &search.CreateSubscription{Sort: "+attributes/counter"}))
	ctx := context.Background()

	page, err := a.Next(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"ns:a"}, itemIDs(t, page.Items))

	// ns:a moved past ns:b after being delivered. Resuming from its
	// authoritative position skips ns:b; trusting the snapshot would not.
	require.NoError(t, store.Put(ctx, thing.Thing{thing.IDField: "ns:a", "attributes": map[string]any{"counter": 2.5}}))
	require.NoError(t, store.InvalidateCursors(ctx))

	assert.Equal(t, []string{"ns:c", "ns:d"}, collect(t, a, 5))
}

func TestResume_FailsWhenLastItemIsGone(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1, "ns:b": 2})
	obs := &observer{}
	a := New(store, store, newRequest(t, &search.CreateSubscription{}), WithObserver(obs))
	ctx := context.Background()

	_, err := a.Next(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "ns:a"))
	require.NoError(t, store.InvalidateCursors(ctx))

	_, err = a.Next(ctx, 1)
	assert.ErrorIs(t, err, search.ErrUpstreamFailure)
	assert.Equal(t, 1, obs.failed)
}

// flakyProvider fails every stream after the first with ErrCursorInvalid.
type flakyProvider struct {
	inner  twinstore.IDStreamProvider
	opened int
	pulls  []int
}

func (p *flakyProvider) OpenIDStream(ctx context.Context, req twinstore.IDStreamRequest) (twinstore.IDStream, error) {
	p.opened++
	s, err := p.inner.OpenIDStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &flakyStream{IDStream: s, p: p, broken: p.opened > 1}, nil
}

type flakyStream struct {
	twinstore.IDStream
	p      *flakyProvider
	broken bool
	pulled int
}

func (s *flakyStream) Next(ctx context.Context, n int) ([]string, error) {
	s.p.pulls = append(s.p.pulls, n)
	s.pulled++
	if s.broken || s.pulled > 1 {
		return nil, twinstore.ErrCursorInvalid
	}
	return s.IDStream.Next(ctx, n)
}

func TestResume_OneAttemptPerInvalidation(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1, "ns:b": 2, "ns:c": 3})
	p := &flakyProvider{inner: store}
	a := New(p, store, newRequest(t, &search.CreateSubscription{}))
	ctx := context.Background()

	_, err := a.Next(ctx, 1)
	require.NoError(t, err)

	_, err = a.Next(ctx, 1)
	assert.ErrorIs(t, err, search.ErrUpstreamFailure)
	assert.Equal(t, 2, p.opened, "exactly one reopen")
}

func TestNext_PullsExactlyTheRequestedCountLazily(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1, "ns:b": 2, "ns:c": 3})
	p := &countingProvider{inner: store}
	a := New(p, store, newRequest(t, &search.CreateSubscription{}))
	assert.Zero(t, p.opened, "no upstream access before the first pull")

	ctx := context.Background()
	_, err := a.Next(ctx, 2)
	require.NoError(t, err)
	_, err = a.Next(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.opened)
	assert.Equal(t, []int{2, 1}, p.pulls)
}

type countingProvider struct {
	inner  twinstore.IDStreamProvider
	opened int
	pulls  []int
}

func (p *countingProvider) OpenIDStream(ctx context.Context, req twinstore.IDStreamRequest) (twinstore.IDStream, error) {
	p.opened++
	s, err := p.inner.OpenIDStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &countingStream{IDStream: s, p: p}, nil
}

type countingStream struct {
	twinstore.IDStream
	p *countingProvider
}

func (s *countingStream) Next(ctx context.Context, n int) ([]string, error) {
	s.p.pulls = append(s.p.pulls, n)
	return s.IDStream.Next(ctx, n)
}

func TestNext_ReassemblesConcurrentFetchesInStreamOrder(t *testing.T) {
	store := memory.New()
	docs := map[string]float64{}
	for i := 0; i < 10; i++ {
		docs[fmt.Sprintf("ns:%d", i)] = float64(i)
	}
	seed(t, store, docs)

	// Earlier ids take longer so completion order is the reverse of stream order.
	slow := twinstore.FetcherFunc(func(ctx context.Context, id string, fields query.Fields) (thing.Thing, error) {
		var n int
		fmt.Sscanf(id, "ns:%d", &n)
		time.Sleep(time.Duration(10-n) * 2 * time.Millisecond)
		return store.Fetch(ctx, id, fields)
	})
	a := New(store, slow, newRequest(t, &search.CreateSubscription{Sort: "+attributes/counter"}), WithConcurrency(10))

	page, err := a.Next(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns:0", "ns:1", "ns:2", "ns:3", "ns:4", "ns:5", "ns:6", "ns:7", "ns:8", "ns:9"}, itemIDs(t, page.Items))
}

func TestNext_FetchFaultFailsThePage(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1})
	broken := twinstore.FetcherFunc(func(context.Context, string, query.Fields) (thing.Thing, error) {
		return nil, errors.New("disk on fire")
	})
	a := New(store, broken, newRequest(t, &search.CreateSubscription{}))

	_, err := a.Next(context.Background(), 1)
	assert.ErrorIs(t, err, search.ErrUpstreamFailure)
}

func TestNext_ProjectsSelectedFields(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1})
	a := New(store, store, newRequest(t, &search.CreateSubscription{
		Sort:   "-attributes/counter",
		Fields: "attributes/label",
	}))

	page, err := a.Next(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.JSONEq(t, `{"thingId":"ns:a","attributes":{"label":"x-ns:a"}}`, string(page.Items[0]))
	assert.Equal(t, query.SortKey{1.0, "ns:a"}, page.LastKey)
}

func TestNext_StartsAfterGivenCursor(t *testing.T) {
	store := memory.New()
	seed(t, store, map[string]float64{"ns:a": 1, "ns:b": 2, "ns:c": 3})
	s, err := query.ParseSort("+attributes/counter")
	require.NoError(t, err)
	cursor := query.EncodeCursor(s, query.SortKey{1.0, "ns:a"})

	a := New(store, store, newRequest(t, &search.CreateSubscription{Sort: "+attributes/counter", Cursor: cursor}))
	assert.Equal(t, []string{"ns:b", "ns:c"}, collect(t, a, 1))
}

func TestNext_AfterClose(t *testing.T) {
	store := memory.New()
	a := New(store, store, newRequest(t, &search.CreateSubscription{}))
	require.NoError(t, a.Close())
	_, err := a.Next(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}
