package subscriptions

import (
	"context"
	"sync"

	"github.com/eclipse-ditto/ditto-sub092/search"
)

// Connection is one client connection carrying many subscriptions, such as
// a WebSocket or a stdio pipe. It serializes writes to the connection and
// cancels the subscriptions it created when closed.
type Connection struct {
	reg       *Registry
	transport string

	writeMu sync.Mutex
	out     Emitter

	mu     sync.Mutex
	owned  map[string]struct{}
	closed bool
}

// Connect opens a Connection writing events to out.
func (r *Registry) Connect(transport string, out Emitter) *Connection {
	return &Connection{reg: r, transport: transport, out: out, owned: make(map[string]struct{})}
}

// Emit writes ev to the connection. Terminal events release the
// subscription from the connection.
func (c *Connection) Emit(ctx context.Context, ev search.Event) error {
	if ev.Terminal() {
		c.mu.Lock()
		delete(c.owned, ev.Subscription())
		c.mu.Unlock()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.out.Emit(ctx, ev)
}

// Handle routes cmd through the registry with the connection as emitter.
func (c *Connection) Handle(ctx context.Context, cmd search.Command) error {
	ctx = WithTransport(ctx, c.transport)
	if create, ok := cmd.(*search.CreateSubscription); ok {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrRegistryClosed
		}
		id, err := c.reg.Create(ctx, create, c)
		if err != nil {
			return c.Emit(ctx, search.Failed(id, err))
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.reg.Cancel(id)
			return nil
		}
		if s, ok := c.reg.Lookup(id); ok && !s.State().Terminal() {
			c.owned[id] = struct{}{}
		}
		c.mu.Unlock()
		return nil
	}
	if cancel, ok := cmd.(*search.CancelSubscription); ok {
		c.mu.Lock()
		delete(c.owned, cancel.SubscriptionID)
		c.mu.Unlock()
	}
	return c.reg.Handle(ctx, cmd, c)
}

// HandleMessage decodes one wire command and routes it. Undecodable input is
// answered with a SubscriptionFailed event carrying no subscription id.
func (c *Connection) HandleMessage(ctx context.Context, data []byte) error {
	cmd, err := search.DecodeCommand(data)
	if err != nil {
		return c.Emit(ctx, search.Failed("", err))
	}
	return c.Handle(ctx, cmd)
}

// Len returns the number of live subscriptions created on the connection.
func (c *Connection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owned)
}

// Close cancels every subscription still owned by the connection.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	clear(c.owned)
	c.mu.Unlock()

	for _, id := range ids {
		c.reg.Cancel(id)
	}
}
