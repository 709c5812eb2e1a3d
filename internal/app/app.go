// Package app wires all parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and the device gateway until the context is
// cancelled, and Shutdown tears everything down in reverse-init order.
//
// For testing, inject a fake clock, metrics or a level variable via
// functional options. Everything else is built from the config.
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

	"github.com/MrWong99/parley/internal/chaos"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/event"
	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/haptic"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/sched"
	"github.com/MrWong99/parley/pkg/audio/mixer"
	"github.com/MrWong99/parley/pkg/audio/opus"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	// shutdownGrace bounds the HTTP server drain once Run's context is done.
	shutdownGrace = 5 * time.Second

	// Counterpart audio leaves in 20 ms slices, one Opus packet each, at
	// most playbackLead ahead of what the device is playing.
	playbackSlice = 20 * time.Millisecond
	playbackLead  = 60 * time.Millisecond
)

// Providers holds the provider slots populated by main.go via the config
// registry.
type Providers struct {
	// STT transcribes finished recordings. Usually a
	// *resilience.TranscriberFallback; when it reports availability it is
	// also used as a readiness check.
	STT stt.Transcriber
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers

	clock   sched.Clock
	metrics *observe.Metrics
	level   *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	bus        *event.Bus
	engine     *chaos.Engine
	scheduler  *chaos.Scheduler
	haptics    *haptic.FileStore
	device     *gateway.Device
	mixer      *mixer.Queue
	controller *recording.Controller
	gateway    *gateway.Server
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	cfgMu sync.Mutex
	cfg   *config.Config

	addrMu sync.Mutex
	addr   net.Addr

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithClock replaces the wall clock used by the controller, the engine and
// the scheduler.
func WithClock(c sched.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload adjust the level of the installed logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a transcription provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		clock:     sched.Real(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.Level())

	// ── 1. Event bus ─────────────────────────────────────────────────────
	a.bus = event.NewBus(
		event.WithClock(a.clock.Now),
		event.WithDropHandler(func(e event.Event) {
			a.metrics.RecordDroppedEvent(context.Background(), e.Kind.String())
		}),
	)
	a.closers = append(a.closers, func(context.Context) error {
		a.bus.Close()
		return nil
	})

	// ── 2. Disruption engine + scheduler ─────────────────────────────────
	if err := a.initChaos(); err != nil {
		return nil, fmt.Errorf("app: init disruptions: %w", err)
	}

	// ── 3. Feedback preferences ──────────────────────────────────────────
	store, err := haptic.NewFileStore(cfg.Feedback.StorePath, cfg.Feedback.Haptics())
	if err != nil {
		return nil, fmt.Errorf("app: init haptics: %w", err)
	}
	a.haptics = store

	// ── 4. Device + playback ─────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		return nil, fmt.Errorf("app: init device: %w", err)
	}

	// ── 5. Recording controller ──────────────────────────────────────────
	ctrl, err := recording.New(
		cfg.Turn.Recording(),
		a.device,
		providers.STT,
		recording.WithClock(a.clock),
		recording.WithBus(a.bus),
		recording.WithMetrics(a.metrics),
		recording.WithFaults(a.engine),
		recording.WithPlayback(a.mixer),
		recording.WithHaptics(&haptic.Pulser{Settings: a.haptics, Trigger: haptic.NewBusTrigger(a.bus)}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init recording: %w", err)
	}
	a.controller = ctrl
	a.closers = append(a.closers, ctrl.Close)

	// ── 6. Gateway ───────────────────────────────────────────────────────
	gw, err := gateway.New(cfg.Gateway.Path, a.device, gateway.Deps{
		Listener:  ctrl,
		Engine:    a.engine,
		Scheduler: a.scheduler,
		Playback:  a.mixer,
		Haptics:   a.haptics,
		Bus:       a.bus,
	}, gateway.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.gateway = gw
	a.closers = append(a.closers, gw.Close)

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	slog.InfoContext(ctx, "app initialised",
		"gateway_path", cfg.Gateway.Path,
		"opus", cfg.Gateway.Opus.Enabled,
		"disruptions", cfg.Disruption.Enabled,
	)
	return a, nil
}

// initChaos creates the disruption engine and its scheduler.
func (a *App) initChaos() error {
	eng, err := chaos.New(
		a.cfg.Disruption.Engine(),
		chaos.WithClock(a.clock),
		chaos.WithBus(a.bus),
		chaos.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.engine = eng
	a.closers = append(a.closers, func(context.Context) error { return eng.Close() })

	sch, err := chaos.NewScheduler(eng, a.cfg.Disruption.Scheduler.Chaos(), chaos.WithSchedulerClock(a.clock))
	if err != nil {
		return err
	}
	a.scheduler = sch
	a.closers = append(a.closers, func(context.Context) error {
		sch.Stop()
		return nil
	})
	return nil
}

// initDevice builds the gateway device and the playback queue feeding it.
// Counterpart audio passes through the disruption transforms on its way out
// and is paced in real time so barge-in sees what the device is playing.
func (a *App) initDevice() error {
	opts := []gateway.DeviceOption{gateway.WithCaptureRate(a.cfg.Gateway.CaptureSampleRate)}
	if o := a.cfg.Gateway.Opus; o.Enabled {
		enc, err := opus.New(o.Encoder())
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithEncoder(enc))
	}
	a.device = gateway.NewDevice(opts...)

	q := mixer.New(a.device.Output,
		mixer.WithTransform(a.engine.Transform),
		mixer.WithPacing(playbackSlice, playbackLead),
		mixer.WithStopHandler(a.device.StopPlayback),
	)
	a.mixer = q
	a.closers = append(a.closers, func(context.Context) error { return q.Close() })
	return nil
}

// initHTTP assembles the mux: gateway and REST routes, health probes and
// the Prometheus scrape endpoint, all behind the metrics middleware.
func (a *App) initHTTP() {
	checkers := []health.Checker{{Name: "gateway", Check: a.gateway.Check}}
	if av, ok := a.providers.STT.(health.Availability); ok {
		checkers = append(checkers, health.TranscriberCheck(av))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.gateway.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the recording controller.
func (a *App) Controller() *recording.Controller { return a.controller }

// Engine returns the disruption engine.
func (a *App) Engine() *chaos.Engine { return a.engine }

// Scheduler returns the disruption scheduler.
func (a *App) Scheduler() *chaos.Scheduler { return a.scheduler }

// Bus returns the event bus shared by every subsystem.
func (a *App) Bus() *event.Bus { return a.bus }

// Addr returns the address Run is listening on, or nil before it listens.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
//
// Automatic disruptions start here when the scheduler block asks for it.
// When ctx is done, Run drains the HTTP server and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()

	if cfg.Disruption.Scheduler.AutoStart {
		if err := a.scheduler.Start(); err != nil {
			slog.Warn("failed to start automatic disruptions", "err", err)
		}
	}

	events, unsubscribe := a.bus.Subscribe(64, event.KindTranscription, event.KindSessionDiscarded, event.KindError)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by the server.
		if err := a.gateway.Close(drainCtx); err != nil {
			slog.Warn("gateway close error", "err", err)
		}
		return a.server.Shutdown(drainCtx)
	})

	g.Go(func() error {
		a.logEvents(gctx, events)
		return nil
	})

	slog.Info("app running", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// logEvents writes recognised utterances and listening failures to the log.
func (a *App) logEvents(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch p := e.Payload.(type) {
			case event.Transcription:
				slog.Info("utterance", "session_id", p.SessionID, "text", p.Text)
			case event.SessionOutcome:
				slog.Debug("session discarded", "session_id", p.SessionID, "duration", p.Duration, "reason", p.Reason)
			case event.Error:
				slog.Warn("pipeline error", "op", p.Op, "err", p.Message)
			}
		}
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of newCfg and warns about
// changes that need a restart. Its signature matches the
// [config.NewWatcher] callback.
func (a *App) ApplyConfig(old, newCfg *config.Config) {
	d := config.Diff(old, newCfg)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.DisruptionChanged {
		oldFreq := a.engine.Config().Frequency
		next := newCfg.Disruption.Engine()
		if err := a.engine.Initialize(next); err != nil {
			slog.Error("failed to apply disruption config", "err", err)
		} else if next.Frequency != oldFreq && !d.SchedulerChanged && a.scheduler.Running() {
			if err := a.scheduler.Reconfigure(a.scheduler.Config()); err != nil {
				slog.Error("failed to re-arm automatic disruptions", "err", err)
			}
		}
	}

	if d.SchedulerChanged {
		sc := newCfg.Disruption.Scheduler
		if err := a.scheduler.Reconfigure(sc.Chaos()); err != nil {
			slog.Error("failed to apply scheduler config", "err", err)
		}
		switch {
		case sc.AutoStart && !old.Disruption.Scheduler.AutoStart:
			if err := a.scheduler.Start(); err != nil {
				slog.Error("failed to start automatic disruptions", "err", err)
			}
		case !sc.AutoStart && old.Disruption.Scheduler.AutoStart:
			a.scheduler.Stop()
		}
	}

	if d.HapticsChanged {
		if err := a.haptics.SetHapticFeedbackEnabled(d.NewHaptics); err != nil {
			slog.Warn("failed to persist haptics preference", "err", err)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "blocks", d.RestartRequired)
	}

	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
