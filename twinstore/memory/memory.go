// Package memory is an in-process twin store and search index. It backs tests
// and single-node deployments that load twins from files.
package memory

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
)

// ReadPolicy decides whether a thing may be read.
type ReadPolicy func(ctx context.Context, id string) bool

// Option configures a Store.
type Option func(*Store)

// WithCursorTTL expires id stream cursors that are idle for longer than ttl.
func WithCursorTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithReadPolicy installs a read policy. Things it rejects fail Fetch with
// twinstore.ErrForbidden.
func WithReadPolicy(p ReadPolicy) Option {
	return func(s *Store) { s.canRead = p }
}

// WithClock replaces time.Now for cursor expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps the index and the twin documents as separate maps so that the
// two can drift apart the way a real deployment's do.
type Store struct {
	mu      sync.RWMutex
	index   map[string]thing.Thing
	twins   map[string]thing.Thing
	canRead ReadPolicy
	ttl     time.Duration
	now     func() time.Time
	epoch   *twinstore.Epoch
}

var _ twinstore.Store = (*Store)(nil)

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		index: make(map[string]thing.Thing),
		twins: make(map[string]thing.Thing),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.epoch = twinstore.NewEpoch(s.ttl, s.now)
	return s
}

// Put stores doc in both the index and the twin store.
func (s *Store) Put(_ context.Context, doc thing.Thing) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("memory: document without %s", thing.IDField)
	}
	c := doc.Clone()
	s.mu.Lock()
	s.index[id] = c
	s.twins[id] = c
	s.mu.Unlock()
	return nil
}

// Delete removes id from both the index and the twin store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.index, id)
	delete(s.twins, id)
	s.mu.Unlock()
	return nil
}

// DropTwin removes id from the twin store only. The index keeps listing it
// until Delete is called, as it does while indexing lags behind.
func (s *Store) DropTwin(id string) {
	s.mu.Lock()
	delete(s.twins, id)
	s.mu.Unlock()
}

// InvalidateCursors expires every open id stream.
func (s *Store) InvalidateCursors(context.Context) error {
	s.epoch.Advance()
	return nil
}

// Len returns the number of indexed things.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *Store) OpenIDStream(_ context.Context, req twinstore.IDStreamRequest) (twinstore.IDStream, error) {
	if len(req.Sort) == 0 {
		req.Sort = query.DefaultSort
	}
	return twinstore.NewKeysetStream(req, s.epoch, s.scan), nil
}

func (s *Store) scan(context.Context) (iter.Seq[thing.Thing], error) {
	s.mu.RLock()
	docs := slices.Collect(maps.Values(s.index))
	s.mu.RUnlock()
	return slices.Values(docs), nil
}

func (s *Store) Fetch(ctx context.Context, id string, fields query.Fields) (thing.Thing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	doc, ok := s.twins[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", twinstore.ErrNotFound, id)
	}
	if s.canRead != nil && !s.canRead(ctx, id) {
		return nil, fmt.Errorf("%w: %s", twinstore.ErrForbidden, id)
	}
	return fields.Project(doc), nil
}
