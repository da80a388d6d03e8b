// Package broker keeps an ordered, replayable log of events per namespace.
// The HTTP transport publishes the events of one subscription into a
// namespace named after it, so that an SSE client can connect late or
// reconnect with Last-Event-ID without losing or repeating events.
package broker

import (
	"context"
	"errors"
)

// ErrNamespaceClosed is returned when publishing to a namespace that has been
// cleaned up.
var ErrNamespaceClosed = errors.New("broker: namespace closed")

// DefaultMaxLen is the replay window kept per namespace unless a backend is
// configured otherwise.
const DefaultMaxLen = 1024

// Broker stores and delivers events by namespace. Each namespace keeps a
// bounded replay window of its most recent events; older events are
// trimmed, and a reader positioned before the window continues at its
// oldest retained event.
type Broker interface {
	// Publish appends data to namespace and returns its event ID.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe reads namespace starting after lastEventID. An empty
	// lastEventID replays the namespace from its first event.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (MessageStream, error)

	// Cleanup removes all resources associated with a namespace. Open
	// streams end with io.EOF once they have read what was stored.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageStream provides ordered message consumption within a namespace.
// Streams are safe for concurrent use by a single consumer.
type MessageStream interface {
	// Next blocks until the next message is available or context is cancelled.
	// Returns io.EOF when the namespace was cleaned up and everything stored
	// has been read.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases resources associated with this stream.
	// After Close is called, Next will return an error.
	Close() error
}

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message within the namespace
	ID string `json:"id"`
	// Data is the message content
	Data []byte `json:"data"`
}
