// Package pebble persists twins in a Pebble database. Index entries and twin
// documents live under separate key prefixes and are written together in one
// batch.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
)

const (
	indexPrefix = "index/"
	twinPrefix  = "twin/"
)

// Options configures a Store.
type Options struct {
	// DataDir is the database directory.
	DataDir string
	// CursorTTL expires idle id stream cursors. Zero never expires them.
	CursorTTL time.Duration
	// Sync forces a WAL fsync on every write.
	Sync bool
	// PebbleOptions tunes the database. Nil uses Pebble's defaults.
	PebbleOptions *pebble.Options
}

// Store is a twinstore.Store backed by Pebble.
type Store struct {
	db    *pebble.DB
	wo    *pebble.WriteOptions
	epoch *twinstore.Epoch
}

var _ twinstore.Store = (*Store)(nil)

// Open creates or opens the database at opts.DataDir.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", opts.DataDir, err)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &Store{db: db, wo: wo, epoch: twinstore.NewEpoch(opts.CursorTTL, nil)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Put(_ context.Context, doc thing.Thing) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("pebble: document without %s", thing.IDField)
	}
	val, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pebble: encode %s: %w", id, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(indexPrefix+id), val, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(twinPrefix+id), val, nil); err != nil {
		return err
	}
	return b.Commit(s.wo)
}

func (s *Store) Delete(_ context.Context, id string) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(indexPrefix+id), nil); err != nil {
		return err
	}
	if err := b.Delete([]byte(twinPrefix+id), nil); err != nil {
		return err
	}
	return b.Commit(s.wo)
}

// DropTwin removes id from the twin documents only. The index keeps listing
// it until Delete is called.
func (s *Store) DropTwin(id string) error {
	return s.db.Delete([]byte(twinPrefix+id), s.wo)
}

func (s *Store) InvalidateCursors(context.Context) error {
	s.epoch.Advance()
	return nil
}

func (s *Store) OpenIDStream(_ context.Context, req twinstore.IDStreamRequest) (twinstore.IDStream, error) {
	if len(req.Sort) == 0 {
		req.Sort = query.DefaultSort
	}
	return twinstore.NewKeysetStream(req, s.epoch, s.scan), nil
}

func (s *Store) scan(ctx context.Context) (iter.Seq[thing.Thing], error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(indexPrefix),
		UpperBound: prefixEnd(indexPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var docs []thing.Thing
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := thing.Parse(it.Value())
		if err != nil {
			return nil, fmt.Errorf("pebble: decode %s: %w", it.Key(), err)
		}
		docs = append(docs, doc)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return slices.Values(docs), nil
}

func (s *Store) Fetch(ctx context.Context, id string, fields query.Fields) (thing.Thing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get([]byte(twinPrefix + id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", twinstore.ErrNotFound, id)
		}
		return nil, twinstore.Retryable(err)
	}
	defer closer.Close()
	doc, err := thing.Parse(val)
	if err != nil {
		return nil, fmt.Errorf("pebble: decode %s: %w", id, err)
	}
	return fields.Project(doc), nil
}

func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
