// Package app wires the wamux server runtime: config, logging, backends, the session
// service, maintenance jobs and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wamux/cmd/internal/api"
	"wamux/cmd/internal/backoff"
	"wamux/cmd/internal/ids"
	"wamux/cmd/internal/lock"
	"wamux/cmd/internal/metrics"
	"wamux/cmd/internal/ratelimit"
	"wamux/cmd/internal/supervisor"
	"wamux/cmd/internal/transport"
	"wamux/cmd/internal/transport/bridge"

	prom "github.com/prometheus/client_golang/prometheus"
)

// App is the wamux server runtime.
type App struct {
	cfg Config
	log Logger

	backends *backends
	locks    *lock.Manager
	svc      *supervisor.Service
	sched    *Scheduler
	handler  http.Handler

	closeOnce sync.Once
	closeErr  error
}

// Option customizes New. Tests use it to swap the bridge transport.
type Option func(*options)

type options struct {
	transport transport.Client
}

// WithTransport replaces the bridge client built from config.
func WithTransport(c transport.Client) Option {
	return func(o *options) { o.transport = c }
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.transport == nil && cfg.BridgeURL == "" {
		return nil, errors.New("config: WAMUX_BRIDGE_URL is required")
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := wire(cfg, log, b, o)
	if err != nil {
		b.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, b *backends, o options) (*App, error) {
	owner := cfg.InstanceID
	if owner == "" {
		owner = ids.InstanceID()
	}
	locks, err := lock.NewManager(b.locks, owner,
		lock.WithTTL(cfg.LockTTL),
		lock.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	tr := o.transport
	if tr == nil {
		tr, err = newBridge(cfg, log)
		if err != nil {
			locks.Close()
			return nil, err
		}
	}

	reg := prom.NewRegistry()
	metrics.RegisterRuntimeCollectors(reg)

	svc, err := supervisor.NewService(supervisor.Config{
		Locks:     locks,
		Auth:      b.auth,
		Transport: tr,
		QR:        b.qr,
		Backoff:   backoff.NewPolicy(cfg.ReconnectInitial, cfg.ReconnectMax, cfg.ReconnectAttempts, cfg.ReconnectJitter),
		Limiter:   ratelimit.NewKeyed(cfg.SendRateEvents, cfg.SendRateWindow),
		Metrics:   metrics.NewPrometheusRecorder(reg),
		Log:       log,
		OpTimeout: cfg.OpTimeout,
	})
	if err != nil {
		locks.Close()
		return nil, err
	}

	sched, err := NewScheduler(log, svc, b.qrMemory, cfg.SweepInterval, cfg.ResumeInterval, cfg.OpTimeout)
	if err != nil {
		locks.Close()
		return nil, err
	}

	sessions, err := api.NewHandler(log, svc, cfg.RequestTimeout)
	if err != nil {
		locks.Close()
		return nil, err
	}
	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, b, reg, sessions)

	log.Info("app.wired", "owner", owner, "lock_ttl", cfg.LockTTL.String())

	return &App{
		cfg:      cfg,
		log:      log,
		backends: b,
		locks:    locks,
		svc:      svc,
		sched:    sched,
		handler:  WithSecurityHeaders(WithRequestLogging(mux, log)),
	}, nil
}

func newBridge(cfg Config, log Logger) (*bridge.Client, error) {
	opts := []bridge.Option{bridge.WithLogger(log)}
	if cfg.BridgeToken != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+cfg.BridgeToken)
		opts = append(opts, bridge.WithHeader(h))
	}
	c, err := bridge.NewClient(cfg.BridgeURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	return c, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Service returns the session service.
func (a *App) Service() *supervisor.Service { return a.svc }

// Run starts the HTTP server and maintenance jobs, resumes persisted sessions and
// blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 35*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"owner", a.locks.Owner(),
		"db_enabled", a.backends.pool != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.cfg.ResumeOnStart {
		go a.resume(ctx)
	}
	a.sched.Start()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) resume(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout*3)
	defer cancel()
	n, err := a.svc.Resume(rctx)
	if err != nil {
		a.log.Warn("app.resume.fail", "err", err)
		return
	}
	a.log.Info("app.resume", "started", n)
}

// Close stops jobs and sessions, releases this process's locks and closes backends.
// Session records are left live so another instance can resume them. Close is
// idempotent.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.sched.Shutdown(); err != nil {
			a.log.Warn("scheduler.shutdown.fail", "err", err)
		}
		if err := a.svc.Shutdown(ctx); err != nil {
			a.log.Error("supervisor.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		a.backends.Close()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
