package twinstore

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

// Scanner yields every indexed document for one pull.
type Scanner func(ctx context.Context) (iter.Seq[thing.Thing], error)

// NewKeysetStream returns an IDStream that serves each pull by scanning and
// paging with NextKeyset. The cursor is stamped with epoch when the stream is
// opened and checked on every pull.
func NewKeysetStream(req IDStreamRequest, epoch *Epoch, scan Scanner) IDStream {
	return &keysetStream{
		req:   req,
		pos:   req.Cursor,
		epoch: epoch,
		stamp: epoch.Cursor(),
		scan:  scan,
	}
}

type keysetStream struct {
	mu     sync.Mutex
	req    IDStreamRequest
	pos    query.SortKey
	epoch  *Epoch
	stamp  CursorStamp
	scan   Scanner
	done   bool
	closed bool
}

func (s *keysetStream) Next(ctx context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if n < 1 {
		return nil, fmt.Errorf("twinstore: pull of %d ids", n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}
	if !s.epoch.Valid(&s.stamp) {
		return nil, ErrCursorInvalid
	}
	docs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	ids, last, more := NextKeyset(docs, s.req.Filter, s.req.Sort, s.pos, n)
	s.pos = last
	if !more {
		s.done = true
		return ids, io.EOF
	}
	return ids, nil
}

func (s *keysetStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
