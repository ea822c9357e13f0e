// Package app wires all CantinaOS services into a running application.
//
// The App struct owns the full lifecycle: New builds the log pipeline, the
// bus, and every service; Run starts them in dependency order and blocks
// until the context is cancelled; Shutdown tears them down in reverse.
//
// For testing, inject doubles via functional options (WithPlayer,
// WithListener, WithLogger). When an option is not provided, New creates the
// real thing from the config.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cantina-labs/cantinaos/internal/brain"
	"github.com/cantina-labs/cantinaos/internal/bridge"
	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/config"
	"github.com/cantina-labs/cantinaos/internal/dispatch"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/health"
	"github.com/cantina-labs/cantinaos/internal/logging"
	"github.com/cantina-labs/cantinaos/internal/memory"
	"github.com/cantina-labs/cantinaos/internal/mode"
	"github.com/cantina-labs/cantinaos/internal/music"
	"github.com/cantina-labs/cantinaos/internal/observe"
	"github.com/cantina-labs/cantinaos/internal/service"
	"github.com/cantina-labs/cantinaos/internal/timeline"
)

// App owns all service lifetimes and the shared bus.
type App struct {
	cfg *config.Config
	log *slog.Logger
	bus *bus.Bus

	player   music.Player
	metrics  *observe.Metrics
	listener net.Listener
	console  io.Reader

	relay    *logging.Relay
	services []service.Runner
	web      *bridge.Service
	logFile  *os.File

	mu      sync.Mutex
	started []service.Runner

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlayer injects a playback backend instead of the default fake.
func WithPlayer(p music.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMetrics installs bus and bridge instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes the bridge serve on ln instead of the configured
// address. Tests pass a 127.0.0.1:0 listener here.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConsole attaches a line-oriented command reader, normally stdin.
// Without it the console adapter stays off.
func WithConsole(r io.Reader) Option {
	return func(a *App) { a.console = r }
}

// WithLogger injects a logger and skips the file/dedup/relay handler build.
// The dashboard relay service still runs; it just receives nothing.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring every service onto a fresh bus. Construction
// is synchronous and side-effect free apart from opening the session log
// file; nothing subscribes or listens until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.player == nil {
		// The fake backend plays silence but keeps every coordination
		// event real. A hardware backend plugs in through WithPlayer.
		a.player = music.NewFakePlayer()
	}

	if a.log == nil {
		if err := a.initLogger(); err != nil {
			return nil, fmt.Errorf("app: init logger: %w", err)
		}
	}

	busOpts := []bus.Option{
		bus.WithLogger(a.log.With("service", "bus")),
		bus.WithSlowHandlerWarn(cfg.Bus.SlowHandlerWarn()),
	}
	if a.metrics != nil {
		busOpts = append(busOpts, bus.WithRecorder(a.metrics))
	}
	a.bus = bus.New(busOpts...)
	a.relay = logging.NewRelay(a.bus, a.log)

	store := memory.NewStore(cfg.Memory.PersistPath, cfg.Memory.PersistDebounce(), a.log)
	mem := memory.NewService(a.bus, a.log, store,
		memory.WithWaitTimeout(cfg.Memory.WaitTimeout()))

	modes := mode.NewManager(a.bus, a.log)

	player := music.NewController(a.bus, a.log, a.player, music.Config{
		LibraryDir:     cfg.Music.LibraryDir,
		EndingSoonLead: cfg.Music.EndingSoonLead(),
		NormalVolume:   cfg.Music.NormalVolume,
	})

	tl := timeline.NewService(a.bus, a.log, timeline.Config{
		SpeakTimeout:   cfg.Timeline.SpeakTimeout(),
		CrossfadeGrace: cfg.Timeline.CrossfadeGrace(),
		DuckLevel:      cfg.Music.DuckLevel,
		DuckFadeMS:     cfg.Music.DuckFadeMS,
		NormalVolume:   cfg.Music.NormalVolume,
	})

	dj := brain.NewService(a.bus, a.log, brain.Config{
		HistorySize:      cfg.DJ.HistorySize,
		CrossfadeMS:      cfg.DJ.CrossfadeMS,
		DuckLevel:        cfg.Music.DuckLevel,
		DuckFadeMS:       cfg.Music.DuckFadeMS,
		CommentaryStyles: cfg.DJ.CommentaryStyles,
	})

	dispatcher := dispatch.NewService(a.bus, a.log, nil)

	ready := health.New(
		health.ServiceChecker(memory.ServiceName, mem.State),
		health.ServiceChecker(mode.ServiceName, modes.State),
		health.ServiceChecker(music.ServiceName, player.State),
		health.ServiceChecker(timeline.ServiceName, tl.State),
		health.ServiceChecker(brain.ServiceName, dj.State),
		health.ServiceChecker(dispatch.ServiceName, dispatcher.State),
	)

	a.web = bridge.NewService(a.bus, a.log, bridge.Config{
		Addr:                cfg.Server.ListenAddr,
		Listener:            a.listener,
		MaxClients:          cfg.Server.MaxClients,
		ClientRatePerMinute: cfg.Server.ClientCommandsPerMinute,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		Metrics:             a.metrics,
		Health:              ready,
	})

	// Startup order. The relay comes first so service status transitions
	// reach the dashboard stream; the bridge comes last so clients never
	// connect to a half-wired system.
	a.services = []service.Runner{
		a.relay, mem, modes, player, tl, dj, dispatcher, a.web,
	}

	return a, nil
}

// initLogger builds the production log pipeline: console (and optional
// session file) output behind the dedup handler, with admitted records
// forwarded to the dashboard relay.
func (a *App) initLogger() error {
	var w io.Writer = os.Stderr
	if dir := a.cfg.Logging.Dir; dir != "" {
		f, err := logging.SessionFile(dir, time.Now())
		if err != nil {
			return err
		}
		a.logFile = f
		w = io.MultiWriter(os.Stderr, f)
	}

	base := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: a.cfg.Server.LogLevel.SlogLevel(),
	})
	handler := logging.NewHandler(base,
		logging.WithDedupWindow(a.cfg.Logging.DedupWindow()),
		// The relay does not exist yet; the hook resolves it per record.
		logging.WithRelay(a.forward, logging.RelayName),
	)
	a.log = slog.New(handler)
	return nil
}

// forward hands an admitted log record to the dashboard relay. Records
// emitted before the relay is constructed are dropped.
func (a *App) forward(rec logging.Record) {
	if r := a.relay; r != nil {
		r.Forward(rec)
	}
}

// BridgeAddr returns the bridge's bound listen address. Valid once Run has
// started the bridge.
func (a *App) BridgeAddr() string { return a.web.Addr() }

// Run starts every service in order and blocks until ctx is cancelled.
// A failed start stops the already-running services and returns the error;
// once everything is RUNNING a status-request bootstrap makes all sticky
// statuses current for late subscribers.
func (a *App) Run(ctx context.Context) error {
	for _, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			a.stopStarted(ctx)
			return fmt.Errorf("app: start %s: %w", svc.Name(), err)
		}
		a.mu.Lock()
		a.started = append(a.started, svc)
		a.mu.Unlock()
	}

	if err := a.bus.Emit(ctx, &events.StatusRequest{Envelope: events.NewEnvelope("app")}); err != nil {
		a.log.Warn("status bootstrap failed", "err", err)
	}

	if a.console != nil {
		go a.runConsole(ctx)
	}

	a.log.Info("cantinaos running",
		"services", len(a.services),
		"addr", a.web.Addr(),
	)

	<-ctx.Done()
	return ctx.Err()
}

// Shutdown stops all started services in reverse order, then closes the bus
// and the session log file. It respects the context deadline: services not
// yet stopped when ctx expires are abandoned and the context error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		shutdownErr = a.stopStarted(ctx)
		a.bus.Close()
		if a.logFile != nil {
			_ = a.logFile.Close()
		}
	})
	return shutdownErr
}

func (a *App) stopStarted(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = nil
	a.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		svc := started[i]
		if err := svc.Stop(ctx); err != nil {
			a.log.Warn("service stop failed", "service", svc.Name(), "err", err)
		}
	}
	return nil
}
