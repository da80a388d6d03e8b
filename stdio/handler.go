package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/eclipse-ditto/ditto-sub092/internal/logctx"
	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/subscriptions"
)

// TransportName labels sessions created over stdio.
const TransportName = "stdio"

// defaultMaxLine bounds one input command unless WithMaxLineSize is given.
const defaultMaxLine = 1 << 20

// ErrAlreadyServing is returned by a second call to Serve.
var ErrAlreadyServing = errors.New("stdio: handler already serving")

// Handler is a single-connection stdio transport that reads commands from an
// io.Reader and writes events to an io.Writer. By default, it uses os.Stdin
// and os.Stdout. It identifies the peer using a UserProvider, which defaults
// to the current OS user.
type Handler struct {
	reg          *subscriptions.Registry
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider
	maxLine      int

	once sync.Once
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(reg *subscriptions.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		maxLine:      defaultMaxLine,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = slog.New(logctx.New(h.l.Handler()))
	return h
}

// lineWriter writes each event as one JSON line.
type lineWriter struct {
	w io.Writer
}

func (lw lineWriter) Emit(_ context.Context, ev search.Event) error {
	data, err := search.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = lw.w.Write(append(data, '\n'))
	return err
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler. Open subscriptions
// are cancelled when Serve returns. EOF is a clean shutdown and yields nil.
func (h *Handler) Serve(ctx context.Context) error {
	first := false
	h.once.Do(func() { first = true })
	if !first {
		return ErrAlreadyServing
	}

	user, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.l.WarnContext(ctx, "stdio.user.fail", slog.String("err", err.Error()))
	}

	conn := h.reg.Connect(TransportName, lineWriter{w: h.w})
	defer conn.Close()

	h.l.InfoContext(ctx, "stdio.serve.start", slog.String("user", user))

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, min(64*1024, h.maxLine)), h.maxLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.cancel", slog.Int("open_subscriptions", conn.Len()))
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return err
			}
			h.l.InfoContext(ctx, "stdio.serve.eof", slog.Int("open_subscriptions", conn.Len()))
			return nil
		case line := <-lines:
			if err := conn.HandleMessage(ctx, line); err != nil {
				h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
				return err
			}
		}
	}
}
