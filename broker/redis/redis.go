// Package redis provides a Redis Streams implementation of broker.Broker for
// deployments where SSE clients may reconnect to a different node.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eclipse-ditto/ditto-sub092/broker"
)

const (
	dataField = "data"
	eofField  = "eof"
)

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
// Each namespace is one stream; event IDs are the stream entry IDs.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	grace     time.Duration
	block     time.Duration
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "twinsearch:broker:" if empty.
	KeyPrefix string
	// TTL, when positive, is refreshed on every publish so abandoned
	// namespaces expire on their own.
	TTL time.Duration
	// CleanupGrace is how long a cleaned-up stream is kept so that open
	// readers observe the end marker. Defaults to 30s.
	CleanupGrace time.Duration
	// Block bounds each XREAD so context cancellation is noticed. Defaults to 1s.
	Block time.Duration
	// MaxLen caps each stream approximately. Defaults to broker.DefaultMaxLen.
	MaxLen int64
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "twinsearch:broker:"
	}
	grace := config.CleanupGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	block := config.Block
	if block <= 0 {
		block = time.Second
	}

	maxLen := config.MaxLen
	if maxLen <= 0 {
		maxLen = broker.DefaultMaxLen
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       config.TTL,
		grace:     grace,
		block:     block,
		maxLen:    maxLen,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish appends data to the namespace stream and returns the entry ID.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	streamKey := b.streamKey(namespace)

	pipe := b.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{dataField: data},
	})
	if b.ttl > 0 {
		pipe.Expire(ctx, streamKey, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return add.Val(), nil
}

// Subscribe returns a stream positioned after lastEventID, or at the start of
// the namespace when lastEventID is empty.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := "0"
	if lastEventID != "" {
		start = lastEventID
	}
	return &stream{b: b, key: b.streamKey(namespace), pos: start}, nil
}

// Cleanup appends an end marker for open readers and lets the stream expire
// after the grace period.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{eofField: "1"},
	})
	pipe.Expire(ctx, streamKey, b.grace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

type stream struct {
	b       *Broker
	key     string
	pos     string
	pending []redis.XMessage
	eof     bool
	closed  bool
}

// Next reads the next entry, blocking in bounded XREAD calls.
func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if s.closed || s.eof {
			return broker.MessageEnvelope{}, io.EOF
		}
		for len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.pos = msg.ID
			if _, ok := msg.Values[eofField]; ok {
				s.eof = true
				return broker.MessageEnvelope{}, io.EOF
			}
			data, ok := msg.Values[dataField].(string)
			if !ok {
				continue
			}
			return broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}, nil
		}
		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}

		streams, err := s.b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.pos},
			Count:   64,
			Block:   s.b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return broker.MessageEnvelope{}, ctxErr
			}
			return broker.MessageEnvelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}
		for _, st := range streams {
			s.pending = append(s.pending, st.Messages...)
		}
	}
}

// Close stops the stream. Next returns io.EOF afterwards.
func (s *stream) Close() error {
	s.closed = true
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
