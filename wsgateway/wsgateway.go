// Package wsgateway carries the subscription protocol over WebSocket. Each
// text frame from the client is one command; each event is written back as
// one text frame. Closing the socket cancels every subscription it created.
package wsgateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eclipse-ditto/ditto-sub092/internal/logctx"
	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/subscriptions"
)

// TransportName labels sessions created through the gateway.
const TransportName = "websocket"

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithPingInterval sets how often the gateway pings clients. Clients that
// miss two pings are disconnected.
func WithPingInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.pingInterval = d
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(g *Gateway) { g.upgrader.CheckOrigin = fn }
}

// Gateway is an http.Handler upgrading requests to subscription sockets.
type Gateway struct {
	reg          *subscriptions.Registry
	upgrader     websocket.Upgrader
	log          *slog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// New creates a Gateway serving reg.
func New(reg *subscriptions.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		reg: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = slog.New(logctx.New(g.log.Handler()))
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.log.WarnContext(r.Context(), "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		g.wg.Done()
	}()
	g.serve(r.Context(), conn)
}

// Close sends a going-away frame to every open connection, closes them and
// waits for their subscriptions to be cancelled.
func (g *Gateway) Close() {
	g.mu.Lock()
	for conn := range g.conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// socket writes events to one client. gorilla/websocket allows a single
// concurrent writer; Connection already serializes Emit.
type socket struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *socket) Emit(_ context.Context, ev search.Event) error {
	data, err := search.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	c := g.reg.Connect(TransportName, &socket{conn: conn, timeout: g.writeTimeout})
	defer func() {
		c.Close()
		_ = conn.Close()
	}()

	g.log.InfoContext(ctx, "ws.conn.open", slog.String("remote", conn.RemoteAddr().String()))

	readTimeout := 2 * g.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		ticker := time.NewTicker(g.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.writeTimeout)); err != nil {
					g.log.DebugContext(ctx, "ws.ping.fail", slog.String("err", err.Error()))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.WarnContext(ctx, "ws.conn.fail", slog.String("err", err.Error()))
			}
			g.log.InfoContext(ctx, "ws.conn.close", slog.Int("open_subscriptions", c.Len()))
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		if err := c.HandleMessage(ctx, data); err != nil {
			g.log.WarnContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}
