// Package app wires the relay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates every subsystem from
// the config, Run serves HTTP until the context ends, ApplyConfig hot-applies
// a reloaded config, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTelemetry,
// WithRealtime, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/archive"
	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/bootstrap"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/dispatch"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/realtime"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/internal/telephony"
	"github.com/MrWong99/callrelay/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New, torn down in Shutdown.
	tel      *observe.Telemetry
	metrics  *observe.Metrics
	backend  *backend.Client
	archive  *archive.Sink
	store    *session.Store
	fetcher  *bootstrap.Fetcher
	realtime telephony.RealtimeDialer
	calls    *telephony.Handler
	health   *health.Handler
	srv      *http.Server

	logLevel *slog.LevelVar
	tuning   atomic.Pointer[telephony.Tuning]
	running  atomic.Bool

	lnMu sync.Mutex
	ln   net.Listener

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTelemetry uses tel instead of initialising the OTel providers. Its
// MetricsHandler, when set, is served on /metrics.
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(a *App) { a.tel = tel }
}

// WithMetrics injects the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRealtime injects the realtime dialer instead of creating one from
// the realtime config section.
func WithRealtime(rt telephony.RealtimeDialer) Option {
	return func(a *App) { a.realtime = rt }
}

// WithLogLevel hands the App the level variable behind the process logger
// so that reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates a new App from the given config. Subsystems not injected via
// options are created from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.tel == nil {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callrelay"})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.tel = tel
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(LevelOf(cfg.Server.LogLevel))
	}

	a.backend = backend.New(cfg.Backend.BaseURL, cfg.Backend.Token,
		backend.WithMetrics(a.metrics),
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithIngestTimeout(cfg.Backend.IngestTimeout),
	)

	var checkers []health.Checker
	uploaderOpts := []dispatch.UploaderOption{
		dispatch.WithUploaderMetrics(a.metrics),
		dispatch.WithRetry(cfg.Backend.UploadAttempts, cfg.Backend.UploadBackoff),
	}
	if cfg.Archive.Bucket != "" {
		sink, err := archive.New(archiveConfig(cfg.Archive))
		if err != nil {
			return nil, fmt.Errorf("app: archive: %w", err)
		}
		a.archive = sink
		uploaderOpts = append(uploaderOpts, dispatch.WithArchive(sink))
		checkers = append(checkers, health.Checker{Name: "archive", Check: sink.Check})
	}

	a.store = session.NewStore(session.StoreConfig{
		Segments:   dispatch.NewSegmentUploader(a.backend, uploaderOpts...).Handle,
		Turns:      dispatch.NewTurnIngester(a.backend, audio.TelephonyRate, a.metrics).Handle,
		PlayWindow: cfg.Segments.PlayLock,
	})

	a.fetcher = bootstrap.NewFetcher(a.backend, BootstrapDefaults(cfg.Defaults),
		bootstrap.WithMetrics(a.metrics))

	if a.realtime == nil {
		rtOpts := []realtime.Option{
			realtime.WithModel(cfg.Realtime.Model),
			realtime.WithKeepAlive(cfg.Realtime.KeepAlive),
			realtime.WithMetrics(a.metrics),
		}
		if cfg.Realtime.BaseURL != "" {
			rtOpts = append(rtOpts, realtime.WithBaseURL(cfg.Realtime.BaseURL))
		}
		a.realtime = realtime.New(cfg.Realtime.APIKey, rtOpts...)
	}
	if !a.realtime.Enabled() {
		slog.Warn("realtime api key not configured; calls fall back to turn ingest")
	}

	tuning := Tuning(cfg)
	a.tuning.Store(&tuning)

	a.calls = telephony.NewHandler(telephony.Config{
		Store:     a.store,
		Bootstrap: a.fetcher,
		Realtime:  a.realtime,
		Stopper:   a.backend,
		Metrics:   a.metrics,
		Tuning:    func() telephony.Tuning { return *a.tuning.Load() },
	})

	checkers = append(checkers, health.Checker{Name: "media_streams", Check: a.checkAccepting})
	a.health = health.New(checkers...).WithStatus(a.status)

	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the root HTTP handler: status endpoints, metrics and both
// media-stream paths, wrapped with request metrics and tracing.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.tel != nil && a.tel.MetricsHandler != nil {
		mux.Handle("GET /metrics", a.tel.MetricsHandler)
	}
	mux.HandleFunc("GET /calls", a.listCalls)
	mux.Handle(telephony.PathMediaStream, a.calls)
	mux.Handle(telephony.PathTwilioMedia, a.calls)
	return observe.Middleware(a.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled or the server fails. Cancelling ctx
// stops the listener; connected media streams keep running until
// [App.Shutdown] closes them. Run returns ctx.Err() after a cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.lnMu.Lock()
	a.ln = ln
	a.lnMu.Unlock()

	a.running.Store(true)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer a.running.Store(false)

		slog.Info("media stream server listening",
			"addr", ln.Addr().String(),
			"tls", a.cfg.Server.TLS != nil,
			"paths", []string{telephony.PathMediaStream, telephony.PathTwilioMedia},
		)
		if tls := a.cfg.Server.TLS; tls != nil {
			return a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		}
		return a.srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting here so that Serve returns; streams and queues are
		// drained by Shutdown.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.shutdownServer(sctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// Addr returns the bound listen address once Run has started, or "".
func (a *App) Addr() string {
	a.lnMu.Lock()
	defer a.lnMu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// ApplyConfig applies the parts of a reloaded config that can change at
// runtime: the log level, call tuning and bootstrap defaults. Other changes
// are logged by the watcher and need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.logLevel.Set(LevelOf(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TuningChanged {
		tuning := Tuning(new)
		a.tuning.Store(&tuning)
		slog.Info("call tuning updated; applies to new calls")
	}
	if d.DefaultsChanged {
		a.fetcher.SetDefaults(BootstrapDefaults(new.Defaults))
		slog.Info("bootstrap defaults updated")
	}
}

// Shutdown stops accepting connections, closes every media stream, flushes
// the per-call queues and stops telemetry, in that order. It respects the
// context deadline: if ctx expires before all steps finish, remaining steps
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		closers := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"http server", a.shutdownServer},
			{"media streams", a.calls.Shutdown},
			{"sessions", a.store.CloseAll},
			{"telemetry", a.shutdownTelemetry},
		}
		slog.Info("shutting down", "active_calls", a.calls.Active(), "sessions", a.store.Len())

		for i, c := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := c.fn(ctx); err != nil {
				slog.Warn("shutdown step failed", "step", c.name, "err", err)
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					shutdownErr = err
				}
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) shutdownServer(ctx context.Context) error {
	// Hijacked websockets are not tracked by http.Server; the media-stream
	// handler closes them in the next step.
	err := a.srv.Shutdown(ctx)
	a.running.Store(false)
	return err
}

func (a *App) shutdownTelemetry(ctx context.Context) error {
	if a.tel == nil {
		return nil
	}
	return a.tel.Shutdown(ctx)
}

func (a *App) status() health.Status {
	return health.Status{
		WSServerRunning: a.running.Load(),
		WSActiveCalls:   a.calls.Active(),
		Backend:         a.backend.BaseURL(),
	}
}

// listCalls reports the live call sessions.
func (a *App) listCalls(w http.ResponseWriter, _ *http.Request) {
	body, err := json.Marshal(a.store.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(append(body, '\n'))
}

func (a *App) checkAccepting(context.Context) error {
	if !a.running.Load() {
		return errors.New("not accepting media streams")
	}
	return nil
}

// LevelOf maps a configured log level to its slog level.
func LevelOf(level config.LogLevel) slog.Level {
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

// Tuning builds the per-call tuning from cfg.
func Tuning(cfg *config.Config) telephony.Tuning {
	return telephony.Tuning{
		VAD:           cfg.VAD.Detector(),
		UserSegments:  cfg.Segments.UserBuffer(),
		AssistantIdle: cfg.Segments.AssistantIdle,
		AssistantMax:  cfg.Segments.AssistantMax,
		TurnIngest:    telephony.TurnIngestMode(cfg.Segments.TurnIngest),
		SetupTimeout:  cfg.Realtime.SetupTimeout,
		FlushTimeout:  cfg.Segments.FlushTimeout,
		LogFrameEvery: cfg.Server.LogFrameEvery,
	}
}

// BootstrapDefaults converts the defaults section into the fallback call
// configuration.
func BootstrapDefaults(d config.DefaultsConfig) bootstrap.Config {
	return bootstrap.Config{
		Source:           bootstrap.SourceDefaults,
		Model:            d.Model,
		Prompt:           d.Prompt,
		Voice:            d.Voice,
		Language:         d.Language,
		Rules:            d.Rules,
		RealtimeEnabled:  d.RealtimeEnabled,
		RealtimeModel:    d.RealtimeModel,
		RealtimeVoice:    d.Voice,
		RealtimeLanguage: d.Language,
	}
}

func archiveConfig(c config.ArchiveConfig) archive.Config {
	return archive.Config{
		Endpoint:        c.Endpoint,
		Region:          c.Region,
		Bucket:          c.Bucket,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Prefix:          c.Prefix,
		Timeout:         c.Timeout,
	}
}
