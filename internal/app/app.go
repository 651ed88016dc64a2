// Package app wires the xenobot subsystems into a running application.
//
// The App struct owns the process lifecycle: New assembles the HTTP surface
// (health probes and Prometheus metrics) around a [SessionManager], Run
// executes the HTTP server, the config watcher and any registered services as
// one errgroup, and Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/xenobot/internal/config"
	"github.com/MrWong99/xenobot/internal/health"
	"github.com/MrWong99/xenobot/internal/observe"
)

// serverShutdownTimeout bounds the HTTP server drain when Run's context ends.
const serverShutdownTimeout = 5 * time.Second

// Service is a long-running component run alongside the HTTP server. Run
// should block until ctx is cancelled and return nil in that case.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	sessions *SessionManager

	level    *slog.LevelVar
	metrics  *observe.Metrics
	watcher  *config.Watcher
	listener net.Listener
	handler  http.Handler
	health   *health.Handler
	ready    []health.Checker
	services []Service

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogLevel sets the level variable adjusted on config reloads.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithWatcher runs w as part of the group; reloaded configs are applied to
// the running app.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves HTTP on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithReadyCheck adds a readiness probe.
func WithReadyCheck(c health.Checker) Option {
	return func(a *App) { a.ready = append(a.ready, c) }
}

// WithService runs s as part of the group.
func WithService(s Service) Option {
	return func(a *App) { a.services = append(a.services, s) }
}

// WithCloser registers fn to run during Shutdown, after the voice session
// has been released. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App around sessions. The HTTP surface serves /healthz,
// /readyz and /metrics through the observe middleware.
func New(cfg *config.Config, sessions *SessionManager, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		sessions: sessions,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.health = health.New(a.ready...)
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)
	return a
}

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the voice session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, polls the config file and runs every registered service
// until ctx is cancelled or one of them fails. It returns nil on a clean
// cancellation.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("app: http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	for _, s := range a.services {
		g.Go(func() error {
			if err := s.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: %s: %w", s.Name, err)
			}
			return nil
		})
	}

	slog.Info("app: running", "services", len(a.services))
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable part of a reloaded config. It is the
// watcher callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.InstructionsChanged {
		a.sessions.SetInstructions(d.NewInstructions)
	}
	if d.VoiceModeChanged {
		a.sessions.SetVoiceMode(d.NewVoiceMode)
	}
	if fields := config.RestartRequired(old, new); len(fields) > 0 {
		slog.Warn("app: config changes require a restart", "sections", fields)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the voice session, then runs the closers. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.sessions.Shutdown(ctx); err != nil {
			slog.Warn("app: voice session shutdown", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// LogLevel converts a config level to an slog level. Unknown values map to
// info.
func LogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
