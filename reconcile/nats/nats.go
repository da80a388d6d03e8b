// Package nats publishes out-of-sync reports on a NATS subject.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/eclipse-ditto/ditto-sub092/reconcile"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ErrNotConnected is returned while the connection is down.
var ErrNotConnected = errors.New("nats: not connected")

// Sink publishes each report as JSON on Subject.
type Sink struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

var _ reconcile.Sink = (*Sink)(nil)

// New creates a sink on an existing publisher.
func New(pub Publisher, subject string) *Sink {
	if subject == "" {
		subject = "twinsearch.reconcile"
	}
	return &Sink{pub: pub, subject: subject}
}

// Connect dials url and returns a sink owning the connection.
func Connect(url, subject string, opts ...nats.Option) (*Sink, error) {
	opts = append([]nats.Option{nats.Name("twinsearch-reconcile"), nats.MaxReconnects(-1)}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	s := New(conn, subject)
	s.conn = conn
	return s, nil
}

func (s *Sink) Deliver(ctx context.Context, r reconcile.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.conn != nil && !s.conn.IsConnected() {
		return ErrNotConnected
	}
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return s.pub.Publish(s.subject, data)
}

// Close drains and closes the connection opened by Connect.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
