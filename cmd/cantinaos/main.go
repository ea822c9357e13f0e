// Command cantinaos is the main entry point for the CantinaOS runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cantina-labs/cantinaos/internal/app"
	"github.com/cantina-labs/cantinaos/internal/config"
	"github.com/cantina-labs/cantinaos/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noConsole := flag.Bool("no-console", false, "disable the interactive stdin command console")
	flag.Parse()

	// The watcher loads the initial config and keeps polling the file.
	// Most settings need a restart to take effect; a changed file is
	// surfaced so operators know the running process is behind.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		slog.Warn("config file changed on disk; restart to apply",
			"sections", config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cantinaos: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cantinaos: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry provider. The stdout exporters are placeholders until an
	// OTLP endpoint is configured; metrics also surface on /metrics.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cantinaos: init telemetry: %v\n", err)
		return 1
	}

	opts := []app.Option{
		app.WithMetrics(observe.DefaultMetrics()),
	}
	if !*noConsole {
		opts = append(opts, app.WithConsole(os.Stdin))
	}

	application, err := app.New(cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cantinaos: %v\n", err)
		return 1
	}

	slog.Info("cantinaos starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	return 0
}
