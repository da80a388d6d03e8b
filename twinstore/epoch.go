package twinstore

import (
	"sync/atomic"
	"time"
)

// Epoch tracks cursor generations. A cursor taken in one generation becomes
// invalid once the generation advances or its time to live has passed.
type Epoch struct {
	gen atomic.Uint64
	ttl time.Duration
	now func() time.Time
}

// NewEpoch returns an Epoch whose cursors expire after ttl. A zero ttl never
// expires cursors by age. A nil now uses time.Now.
func NewEpoch(ttl time.Duration, now func() time.Time) *Epoch {
	if now == nil {
		now = time.Now
	}
	return &Epoch{ttl: ttl, now: now}
}

// Advance invalidates every cursor taken so far.
func (e *Epoch) Advance() { e.gen.Add(1) }

// Cursor records the current generation.
func (e *Epoch) Cursor() CursorStamp {
	return CursorStamp{gen: e.gen.Load(), takenAt: e.now()}
}

// Valid reports whether c may still be used. Using a cursor refreshes its age.
func (e *Epoch) Valid(c *CursorStamp) bool {
	if c.gen != e.gen.Load() {
		return false
	}
	now := e.now()
	if e.ttl > 0 && now.Sub(c.takenAt) > e.ttl {
		return false
	}
	c.takenAt = now
	return true
}

// CursorStamp is the generation and last use of one cursor.
type CursorStamp struct {
	gen     uint64
	takenAt time.Time
}
