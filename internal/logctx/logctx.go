// Package logctx carries request and subscription metadata in a context and
// adds it to every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the metadata found in the record's context.
type Handler struct {
	slog.Handler
}

// New wraps h.
func New(h slog.Handler) Handler {
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(subscriptionDataKey{}).(*SubscriptionData); ok {
		r.AddAttrs(slog.Group("sub",
			slog.String("id", sd.SubscriptionID),
			slog.String("transport", sd.Transport),
		))
	}

	if cd, ok := ctx.Value(commandDataKey{}).(*CommandData); ok {
		r.AddAttrs(slog.Group("cmd",
			slog.String("type", cd.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type subscriptionDataKey struct{}

type SubscriptionData struct {
	SubscriptionID string
	Transport      string
}

func WithSubscriptionData(ctx context.Context, data *SubscriptionData) context.Context {
	return context.WithValue(ctx, subscriptionDataKey{}, data)
}

type commandDataKey struct{}

type CommandData struct {
	Type string
}

func WithCommandData(ctx context.Context, data *CommandData) context.Context {
	return context.WithValue(ctx, commandDataKey{}, data)
}
