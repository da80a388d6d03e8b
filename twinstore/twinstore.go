// Package twinstore defines the boundary between search subscriptions and the
// systems that own twin data: a search index that produces ordered streams of
// matching thing ids, and a twin store that resolves ids into documents.
//
// The two sides are not updated atomically. An id produced by the index may
// refer to a thing that has been deleted or that the caller may no longer
// read; such ids are out of sync and are reported through IsOutOfSync.
package twinstore

import (
	"context"
	"errors"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

var (
	// ErrNotFound is returned by Fetch when the twin store has no such thing.
	ErrNotFound = errors.New("twinstore: thing not found")
	// ErrForbidden is returned by Fetch when the thing may not be read.
	ErrForbidden = errors.New("twinstore: thing not readable")
	// ErrCursorInvalid is returned by IDStream.Next when the upstream cursor
	// expired. The stream is unusable afterwards; a new one must be opened.
	ErrCursorInvalid = errors.New("twinstore: cursor invalid")
	// ErrClosed is returned by operations on a closed stream or store.
	ErrClosed = errors.New("twinstore: closed")
)

// IsOutOfSync reports whether err means the index listed an id the twin store
// cannot deliver.
func IsOutOfSync(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}

// IDStreamRequest describes an ordered id stream.
type IDStreamRequest struct {
	// Filter selects matching things. Nil matches every thing.
	Filter *query.Filter
	// Sort orders the stream. It always ends with the thingId field.
	Sort query.Sort
	// Cursor is an exclusive lower bound under Sort, nil to start at the
	// beginning.
	Cursor query.SortKey
	// PageSizeHint is the expected size of each pull.
	PageSizeHint int
}

// IDStreamProvider opens id streams against a search index.
type IDStreamProvider interface {
	OpenIDStream(ctx context.Context, req IDStreamRequest) (IDStream, error)
}

// IDStream is a cold, pull-based sequence of thing ids. Nothing is read from
// the index before the first call to Next.
type IDStream interface {
	// Next returns at most n ids. When the stream is exhausted it returns
	// io.EOF, possibly together with the final ids; a call returning no ids
	// and no error does not happen. ErrCursorInvalid means the upstream
	// cursor expired.
	Next(ctx context.Context, n int) ([]string, error)
	Close() error
}

// ResultFetcher resolves a thing id into a projected document.
type ResultFetcher interface {
	// Fetch returns the fields of the thing selected by fields. It returns
	// ErrNotFound or ErrForbidden when the thing cannot be delivered.
	Fetch(ctx context.Context, id string, fields query.Fields) (thing.Thing, error)
}

// Writer mutates twin data. Backends apply writes to both index and store.
type Writer interface {
	Put(ctx context.Context, doc thing.Thing) error
	Delete(ctx context.Context, id string) error
}

// CursorInvalidator expires every open id stream cursor.
type CursorInvalidator interface {
	InvalidateCursors(ctx context.Context) error
}

// Store is a complete backend.
type Store interface {
	IDStreamProvider
	ResultFetcher
	Writer
	CursorInvalidator
}
