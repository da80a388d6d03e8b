package stdio

import (
	"io"
	"log/slog"
)

// Option configures a Handler.
type Option func(*Handler)

// WithIO reads commands from r and writes events to w. A nil argument keeps
// the default of os.Stdin or os.Stdout.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithMaxLineSize bounds a single command line in bytes. Longer lines end
// Serve with bufio.ErrTooLong.
func WithMaxLineSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLine = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithUserProvider names the peer in the stdio.serve.* log events.
func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) {
		if up != nil {
			h.userProvider = up
		}
	}
}
