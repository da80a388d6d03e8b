// Package memory provides an in-memory implementation of the broker.Broker
// interface. Each namespace keeps its most recent messages up to a fixed
// window, and each stream reads the log at its own pace. This implementation
// is suitable for single-node deployments and testing scenarios.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/eclipse-ditto/ditto-sub092/broker"
)

// Broker implements broker.Broker with per-namespace in-memory logs.
type Broker struct {
	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
	maxLen       int
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxLen sets how many messages each namespace retains.
func WithMaxLen(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// namespace is one append-only log. base is the absolute position of
// messages[0]. notify is closed and replaced on every append and on cleanup.
type namespace struct {
	mu       sync.Mutex
	messages []broker.MessageEnvelope
	base     int
	notify   chan struct{}
	closed   bool
}

// stream positions are absolute so they survive trimming.
type stream struct {
	ns     *namespace
	pos    int
	closed atomic.Bool
	done   chan struct{}
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{namespaces: make(map[string]*namespace), maxLen: broker.DefaultMaxLen}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{notify: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.Publish
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return "", fmt.Errorf("%w: %q", broker.ErrNamespaceClosed, namespaceName)
	}
	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	ns.messages = append(ns.messages, broker.MessageEnvelope{ID: eventID, Data: append([]byte(nil), data...)})
	if drop := len(ns.messages) - b.maxLen; drop > 0 {
		clear(ns.messages[:drop])
		ns.messages = ns.messages[drop:]
		ns.base += drop
	}
	close(ns.notify)
	ns.notify = make(chan struct{})
	return eventID, nil
}

// Subscribe implements broker.Broker.Subscribe. Event IDs are numeric, so a
// lastEventID that was trimmed still positions the stream at the oldest
// retained message after it.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string) (broker.MessageStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var after int64
	if lastEventID != "" {
		n, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("broker: invalid event id %q", lastEventID)
		}
		after = n
	}
	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	i := 0
	for i < len(ns.messages) {
		id, _ := strconv.ParseInt(ns.messages[i].ID, 10, 64)
		if id > after {
			break
		}
		i++
	}
	return &stream{ns: ns, pos: ns.base + i, done: make(chan struct{})}, nil
}

// Cleanup implements broker.Broker.Cleanup
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if !ns.closed {
		ns.closed = true
		close(ns.notify)
	}
	return nil
}

// Next implements broker.MessageStream.Next
func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if s.closed.Load() {
			return broker.MessageEnvelope{}, io.EOF
		}
		s.ns.mu.Lock()
		if s.pos < s.ns.base {
			s.pos = s.ns.base
		}
		if i := s.pos - s.ns.base; i < len(s.ns.messages) {
			msg := s.ns.messages[i]
			s.pos++
			s.ns.mu.Unlock()
			return msg, nil
		}
		if s.ns.closed {
			s.ns.mu.Unlock()
			return broker.MessageEnvelope{}, io.EOF
		}
		notify := s.ns.notify
		s.ns.mu.Unlock()

		select {
		case <-notify:
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		case <-ctx.Done():
			return broker.MessageEnvelope{}, ctx.Err()
		}
	}
}

// Close implements broker.MessageStream.Close
func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
