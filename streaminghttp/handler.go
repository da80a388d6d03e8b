package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/eclipse-ditto/ditto-sub092/broker"
	"github.com/eclipse-ditto/ditto-sub092/internal/logctx"
	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/subscriptions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

// TransportName labels sessions created through this handler.
const TransportName = "http"

// DefaultRetention is how long a terminated subscription's events stay
// readable.
const DefaultRetention = time.Minute

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader = "Last-Event-ID"
	maxBodyBytes      = 1 << 20
)

// writeJSONError emits a minimal JSON body for transport-level rejections that
// happen before any protocol message can be produced.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeEvent writes ev as a JSON body with the given status.
func writeEvent(w http.ResponseWriter, status int, ev search.Event) error {
	data, err := search.EncodeEvent(ev)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	basePath  string
	retention time.Duration
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithBasePath mounts the endpoints under path. Defaults to "/subscriptions".
func WithBasePath(path string) Option {
	return func(c *newConfig) { c.basePath = path }
}

// WithRetention sets how long a terminated subscription's events are kept.
func WithRetention(d time.Duration) Option {
	return func(c *newConfig) { c.retention = d }
}

// namespaceState tracks one subscription's broker namespace on this node.
type namespaceState struct {
	mu      sync.Mutex
	retired bool
	timer   *time.Timer
}

// Handler is the HTTP+SSE transport for a subscriptions.Registry.
type Handler struct {
	log       *slog.Logger
	mux       *http.ServeMux
	reg       *subscriptions.Registry
	broker    broker.Broker
	retention time.Duration

	namespaces *xsync.Map[string, *namespaceState]
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler serving reg, recording events in b.
func New(reg *subscriptions.Registry, b broker.Broker, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}

	cfg := &newConfig{logger: slog.Default(), basePath: "/subscriptions", retention: DefaultRetention}
	for _, opt := range opts {
		opt(cfg)
	}
	base := "/" + strings.Trim(cfg.basePath, "/")
	if base == "/" {
		return nil, fmt.Errorf("base path must not be the root")
	}
	if cfg.retention < 0 {
		return nil, fmt.Errorf("retention must not be negative, got %s", cfg.retention)
	}

	h := &Handler{
		log:        slog.New(logctx.New(cfg.logger.Handler())),
		reg:        reg,
		broker:     b,
		retention:  cfg.retention,
		namespaces: xsync.NewMap[string, *namespaceState](),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", base), h.handleCreate)
	mux.HandleFunc(fmt.Sprintf("GET %s/schema", base), h.handleSchema)
	mux.HandleFunc(fmt.Sprintf("GET %s/{id}/events", base), h.handleEvents)
	mux.HandleFunc(fmt.Sprintf("POST %s/{id}/request", base), h.handleRequest)
	mux.HandleFunc(fmt.Sprintf("DELETE %s/{id}", base), h.handleDelete)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Emit publishes ev into the broker namespace of its subscription. Sessions
// created by this handler emit here.
func (h *Handler) Emit(ctx context.Context, ev search.Event) error {
	id := ev.Subscription()
	if id == "" {
		return nil
	}
	st := h.state(id)
	st.mu.Lock()
	retired := st.retired
	st.mu.Unlock()
	if retired {
		h.log.DebugContext(ctx, "sse.publish.retired", slog.String("subscription_id", id))
		return nil
	}

	data, err := search.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := h.broker.Publish(ctx, id, data); err != nil {
		h.log.ErrorContext(ctx, "sse.publish.fail", slog.String("subscription_id", id), slog.String("err", err.Error()))
		return err
	}
	if ev.Terminal() {
		h.retire(id, h.retention)
	}
	return nil
}

// retire stops accepting events for id and drops its log after d.
func (h *Handler) retire(id string, d time.Duration) {
	st := h.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.retired {
		return
	}
	st.retired = true
	st.timer = time.AfterFunc(d, func() { h.cleanup(id) })
}

func (h *Handler) state(id string) *namespaceState {
	if st, ok := h.namespaces.Load(id); ok {
		return st
	}
	st, _ := h.namespaces.LoadOrStore(id, &namespaceState{})
	return st
}

func (h *Handler) cleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.broker.Cleanup(ctx, id); err != nil {
		h.log.WarnContext(ctx, "sse.cleanup.fail", slog.String("subscription_id", id), slog.String("err", err.Error()))
	}
	h.namespaces.Delete(id)
}

// known reports whether id has a live session or a retained log.
func (h *Handler) known(id string) bool {
	if _, ok := h.reg.Lookup(id); ok {
		return true
	}
	_, ok := h.namespaces.Load(id)
	return ok
}

// Close drops every retained log immediately.
func (h *Handler) Close() {
	var ids []string
	h.namespaces.Range(func(id string, st *namespaceState) bool {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.retired = true
		st.mu.Unlock()
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		h.cleanup(id)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.create.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var cmd search.CreateSubscription
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		_ = writeEvent(w, http.StatusBadRequest, search.Failed("", search.ErrInvalidCommand.WithDescription(err.Error())))
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	id, err := h.reg.Create(subscriptions.WithTransport(ctx, TransportName), &cmd, h)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, subscriptions.ErrRegistryClosed) {
			status = http.StatusServiceUnavailable
		}
		_ = writeEvent(w, status, search.Failed(id, err))
		h.log.InfoContext(ctx, "http.create.reject", slog.String("subscription_id", id), slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Location", r.URL.Path+"/"+id+"/events")
	if err := writeEvent(w, http.StatusCreated, &search.SubscriptionCreated{SubscriptionID: id}); err != nil {
		h.log.ErrorContext(ctx, "http.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.create.ok", slog.String("subscription_id", id), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var body struct {
		Demand int64 `json:"demand"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		_ = writeEvent(w, http.StatusBadRequest, search.Failed(id, search.ErrInvalidCommand.WithDescription(err.Error())))
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	// Unknown subscriptions are answered on the response, not the stream.
	var failed search.Event
	reply := subscriptions.EmitterFunc(func(_ context.Context, ev search.Event) error {
		failed = ev
		return nil
	})
	if err := h.reg.Request(ctx, id, body.Demand, reply); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		h.log.ErrorContext(ctx, "http.request.fail", slog.String("subscription_id", id), slog.String("err", err.Error()))
		return
	}
	if failed != nil {
		_ = writeEvent(w, http.StatusNotFound, failed)
		h.log.InfoContext(ctx, "http.request.unknown", slog.String("subscription_id", id))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.DebugContext(ctx, "http.request.ok", slog.String("subscription_id", id), slog.Int64("demand", body.Demand))
}

// handleDelete cancels a subscription. Cancelling emits nothing, so the log
// is dropped right away and open streams end.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if h.known(id) {
		h.reg.Cancel(id)
		h.retire(id, 0)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.String("subscription_id", id))
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	doc, err := search.Schema()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		h.log.ErrorContext(r.Context(), "schema.render.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// handleEvents streams a subscription's events as SSE until the terminal
// event, the end of its log, or client disconnect.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id := r.PathValue("id")

	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	if !h.known(id) {
		_ = writeEvent(w, http.StatusNotFound, search.Failed(id, search.ErrNoSuchSubscription.WithDescription(
			fmt.Sprintf("no subscription with id %q", id))))
		h.log.InfoContext(ctx, "sse.stream.unknown", slog.String("subscription_id", id))
		return
	}

	stream, err := h.broker.Subscribe(ctx, id, r.Header.Get(lastEventIDHeader))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "sse.subscribe.fail", slog.String("subscription_id", id), slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("subscription_id", id))

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				h.log.InfoContext(ctx, "sse.stream.end", slog.String("subscription_id", id), slog.Duration("dur", time.Since(start)))
			case errors.Is(err, context.Canceled):
				h.log.InfoContext(ctx, "sse.stream.done", slog.String("subscription_id", id))
			default:
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("subscription_id", id), slog.String("err", err.Error()))
			}
			return
		}

		ev, derr := search.DecodeEvent(env.Data)
		eventType := ""
		if derr == nil {
			eventType = ev.EventType()
		}
		if err := writeSSEEvent(wf, env.ID, eventType, env.Data); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		if derr == nil && ev.Terminal() {
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("subscription_id", id), slog.Duration("dur", time.Since(start)))
			return
		}
	}
}

// writeSSEEvent writes one Server-Sent Event and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID, eventType string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if eventType != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", eventType); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
