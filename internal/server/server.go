// Package server assembles twinsearchd from its configuration: the twin
// store and its fetch policy, the reconcile pipeline, metrics, and the
// HTTP+SSE, WebSocket and stdio transports.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/eclipse-ditto/ditto-sub092/broker"
	brokermemory "github.com/eclipse-ditto/ditto-sub092/broker/memory"
	brokerredis "github.com/eclipse-ditto/ditto-sub092/broker/redis"
	"github.com/eclipse-ditto/ditto-sub092/internal/config"
	"github.com/eclipse-ditto/ditto-sub092/internal/logctx"
	"github.com/eclipse-ditto/ditto-sub092/internal/metrics"
	"github.com/eclipse-ditto/ditto-sub092/internal/retry"
	"github.com/eclipse-ditto/ditto-sub092/reconcile"
	reconcilememory "github.com/eclipse-ditto/ditto-sub092/reconcile/memory"
	reconcilenats "github.com/eclipse-ditto/ditto-sub092/reconcile/nats"
	reconcileredis "github.com/eclipse-ditto/ditto-sub092/reconcile/redis"
	"github.com/eclipse-ditto/ditto-sub092/stdio"
	"github.com/eclipse-ditto/ditto-sub092/streaminghttp"
	"github.com/eclipse-ditto/ditto-sub092/subscriptions"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
	"github.com/eclipse-ditto/ditto-sub092/twinstore/filewatch"
	twinmemory "github.com/eclipse-ditto/ditto-sub092/twinstore/memory"
	twinpebble "github.com/eclipse-ditto/ditto-sub092/twinstore/pebble"
	"github.com/eclipse-ditto/ditto-sub092/wsgateway"
)

// statsInterval is how often reconcile counters are copied into metrics.
const statsInterval = 15 * time.Second

// NewLogger builds the daemon logger writing to w.
func NewLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.New(h)), nil
}

// Server owns every long-lived component of the daemon.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	gatherer prometheus.Gatherer

	store    twinstore.Store
	loader   *filewatch.Loader
	registry *subscriptions.Registry
	reporter *reconcile.Dispatcher
	metrics  *metrics.Prometheus
	broker   broker.Broker
	http     *streaminghttp.Handler
	ws       *wsgateway.Gateway

	closers []func() error
	cancel  context.CancelFunc
	done    chan struct{}
}

// Build wires a Server. Components that run in the background stop when ctx
// ends or Close is called.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Server{cfg: cfg, log: log, cancel: cancel, done: make(chan struct{})}
	defer func() {
		if err != nil {
			cancel()
			s.closeAll()
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.gatherer = promReg
	s.metrics = metrics.NewPrometheus(promReg, "twinsearch")

	var redisClient *goredis.Client
	if cfg.Broker == config.BrokerRedis || cfg.Reconcile == config.ReconcileRedis {
		redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		s.closers = append(s.closers, redisClient.Close)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	if err := s.buildStore(ctx); err != nil {
		return nil, err
	}

	sink, err := s.buildSink(redisClient)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		s.reporter = reconcile.NewDispatcher(sink, reconcile.WithLogger(log))
	}

	fetcher := twinstore.ResultFetcher(s.store)
	if cfg.FetchRate > 0 {
		fetcher = twinstore.WithRateLimit(fetcher, rate.NewLimiter(rate.Limit(cfg.FetchRate), cfg.FetchBurst))
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.FetchAttempts
	fetcher = twinstore.WithRetry(fetcher, retryCfg)

	opts := []subscriptions.Option{
		subscriptions.WithMaxPageSize(cfg.MaxPageSize),
		subscriptions.WithIdleTimeout(cfg.IdleTimeout),
		subscriptions.WithFetchConcurrency(cfg.FetchConcurrency),
		subscriptions.WithLogger(log),
		subscriptions.WithMetrics(s.metrics),
	}
	if s.reporter != nil {
		opts = append(opts, subscriptions.WithReporter(s.reporter))
	}
	s.registry = subscriptions.NewRegistry(s.store, fetcher, opts...)

	switch cfg.Broker {
	case config.BrokerRedis:
		s.broker = brokerredis.New(brokerredis.Config{
			Client:    redisClient,
			KeyPrefix: cfg.KeyPrefix + "broker:",
			TTL:       cfg.IdleTimeout + cfg.Retention + time.Minute,
			MaxLen:    int64(cfg.EventWindow),
		})
	default:
		s.broker = brokermemory.New(brokermemory.WithMaxLen(cfg.EventWindow))
	}

	s.http, err = streaminghttp.New(s.registry, s.broker,
		streaminghttp.WithBasePath(cfg.BasePath),
		streaminghttp.WithRetention(cfg.Retention),
		streaminghttp.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	if cfg.WebSocketPath != "" {
		s.ws = wsgateway.New(s.registry, wsgateway.WithLogger(log))
	}

	go s.background(ctx)
	log.InfoContext(ctx, "server.build.ok",
		slog.String("store", cfg.Store),
		slog.String("broker", cfg.Broker),
		slog.String("reconcile", cfg.Reconcile))
	return s, nil
}

func (s *Server) buildStore(ctx context.Context) error {
	switch s.cfg.Store {
	case config.StorePebble:
		ps, err := twinpebble.Open(twinpebble.Options{DataDir: s.cfg.DataDir, CursorTTL: s.cfg.CursorTTL})
		if err != nil {
			return err
		}
		s.closers = append(s.closers, ps.Close)
		s.store = ps
	default:
		s.store = twinmemory.New(twinmemory.WithCursorTTL(s.cfg.CursorTTL))
	}

	if s.cfg.TwinsDir == "" {
		return nil
	}
	s.loader = filewatch.New(s.cfg.TwinsDir, s.store,
		filewatch.WithLogger(s.log),
		filewatch.WithInvalidator(s.store))
	if err := s.loader.Load(ctx); err != nil {
		return fmt.Errorf("load twins: %w", err)
	}
	return nil
}

func (s *Server) buildSink(client *goredis.Client) (reconcile.Sink, error) {
	switch s.cfg.Reconcile {
	case config.ReconcileMemory:
		return &reconcilememory.Sink{}, nil
	case config.ReconcileRedis:
		return reconcileredis.New(reconcileredis.Config{
			Client: client,
			Stream: s.cfg.ReconcileSubject,
			MaxLen: 10000,
		}), nil
	case config.ReconcileNATS:
		sink, err := reconcilenats.Connect(s.cfg.NATSURL, s.cfg.ReconcileSubject)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.closers = append(s.closers, sink.Close)
		return sink, nil
	default:
		return nil, nil
	}
}

// background runs the twin watcher and copies reconcile counters into
// metrics until ctx ends.
func (s *Server) background(ctx context.Context) {
	defer close(s.done)
	if s.loader != nil && s.cfg.WatchTwins {
		go func() {
			if err := s.loader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.ErrorContext(ctx, "twins.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}
	if s.reporter == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.ObserveReconcile(s.reporter.Stats())
		}
	}
}

// Registry returns the subscription registry.
func (s *Server) Registry() *subscriptions.Registry { return s.registry }

// Store returns the twin store.
func (s *Server) Store() twinstore.Store { return s.store }

// Handler returns the HTTP routes: subscriptions, WebSocket, metrics and a
// health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.BasePath, s.http)
	mux.Handle(s.cfg.BasePath+"/", s.http)
	if s.ws != nil {
		mux.Handle(s.cfg.WebSocketPath, s.ws)
	}
	if s.cfg.MetricsPath != "" {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

// ListenAndServe serves HTTP on the configured address until ctx ends, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.InfoContext(ctx, "http.serve.start", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	// Open SSE and WebSocket streams end once their subscriptions close.
	if err := s.registry.Close(shutdownCtx); err != nil {
		s.log.WarnContext(ctx, "registry.close.fail", slog.String("err", err.Error()))
	}
	s.http.Close()
	if s.ws != nil {
		s.ws.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.InfoContext(ctx, "http.serve.stop")
	return nil
}

// ServeStdio runs the line-delimited transport on r and w.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	h := stdio.NewHandler(s.registry, stdio.WithIO(r, w), stdio.WithLogger(s.log))
	return h.Serve(ctx)
}

// Close stops every component. It waits for subscriptions and queued
// reconcile reports up to ctx's deadline.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	s.http.Close()
	if s.reporter != nil {
		if err := s.reporter.Close(ctx); err != nil && !errors.Is(err, reconcile.ErrClosed) {
			errs = append(errs, fmt.Errorf("reconcile: %w", err))
		}
		s.metrics.ObserveReconcile(s.reporter.Stats())
	}
	if s.ws != nil {
		s.ws.Close()
	}
	s.cancel()
	<-s.done
	errs = append(errs, s.closeAll()...)
	return errors.Join(errs...)
}

// closeAll releases resources in reverse order of acquisition.
func (s *Server) closeAll() []error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errs
}
