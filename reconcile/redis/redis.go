// Package redis delivers out-of-sync reports to a Redis stream.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/eclipse-ditto/ditto-sub092/reconcile"
)

// Config contains configuration options for the Redis sink.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// Stream is the stream key. Defaults to "twinsearch:reconcile".
	Stream string
	// MaxLen caps the stream length approximately. Zero leaves it unbounded.
	MaxLen int64
}

// Sink appends each report as one stream entry with a "report" field.
type Sink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ reconcile.Sink = (*Sink)(nil)

// New creates a Redis sink.
func New(config Config) *Sink {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	stream := config.Stream
	if stream == "" {
		stream = "twinsearch:reconcile"
	}
	return &Sink{client: client, stream: stream, maxLen: config.MaxLen}
}

func (s *Sink) Deliver(ctx context.Context, r reconcile.Report) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"subscription": r.SubscriptionID,
			"report":       data,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append report to stream %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Sink) Close() error {
	return s.client.Close()
}
