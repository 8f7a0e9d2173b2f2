// Command angrav bridges OpenAI-compatible HTTP clients onto a desktop
// agent driven through its remote-debuggable chat surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/angrav/internal/availability"
	"github.com/basket/angrav/internal/bus"
	"github.com/basket/angrav/internal/config"
	"github.com/basket/angrav/internal/coordinator"
	"github.com/basket/angrav/internal/cron"
	"github.com/basket/angrav/internal/driver/cdp"
	"github.com/basket/angrav/internal/gateway"
	"github.com/basket/angrav/internal/orchestrator"
	otelPkg "github.com/basket/angrav/internal/otel"
	"github.com/basket/angrav/internal/queue"
	"github.com/basket/angrav/internal/registry"
	"github.com/basket/angrav/internal/surface"
	"github.com/basket/angrav/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

const connectAttempts = 5

func main() {
	loadDotEnv(".env")

	addr := flag.String("addr", "", "listen address (overrides config bind_addr)")
	debugURL := flag.String("debug-url", "", "remote-debugging endpoint (overrides config)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("angrav", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *addr != "" {
		cfg.BindAddr = *addr
	}
	if *debugURL != "" {
		cfg.RemoteDebugURL = *debugURL
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	// OpenTelemetry is a no-op provider when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := availability.Open(cfg.AvailabilityDB)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.AvailabilityDB)

	drv := cdp.New(cdp.Config{Endpoint: cfg.RemoteDebugURL, Logger: logger})
	if err := connectWithRetry(ctx, drv, logger); err != nil {
		fatalStartup(logger, "E_DRIVER_CONNECT", err)
	}
	defer drv.Close()

	eventBus := bus.New()
	trackSessions(ctx, eventBus, metrics)

	probe := surface.NewStateProbe()
	frames := surface.NewFrameLocator(logger)
	reg := registry.New(drv, frames, probe, eventBus, logger)
	if err := reg.Discover(ctx); err != nil {
		logger.Warn("initial session discovery failed", "error", err)
	}
	reg.StartPolling(cfg.PollInterval())
	defer reg.StopPolling()
	logger.Info("startup phase", "phase", "registry_started", "sessions", reg.Size())

	orch := orchestrator.New(store, eventBus, orchestrator.Config{
		Account:         cfg.Account,
		ThinkingGrace:   cfg.ThinkingGrace(),
		ResponseTimeout: cfg.RequestTimeout(),
		Metrics:         metrics,
	}, logger)

	router := queue.NewRouter(reg, orch, eventBus, queue.Config{
		MaxPerSession:  cfg.Queue.MaxPerSession,
		MaxTotal:       cfg.Queue.MaxTotal,
		EnqueueTimeout: cfg.EnqueueTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
	}, logger)
	router.Start(ctx)
	defer router.Shutdown()

	coord := coordinator.New(reg, router, eventBus, logger)

	sched, err := cron.NewScheduler(cron.Config{
		Store:         store,
		Logger:        logger,
		TrimSchedule:  cfg.Maintenance.TrimSchedule,
		PurgeSchedule: cfg.Maintenance.PurgeSchedule,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	startConfigReload(ctx, cfg, router, logger)

	server := gateway.New(gateway.Config{
		Registry:          reg,
		Router:            router,
		Coordinator:       coord,
		Availability:      store,
		Bus:               eventBus,
		Driver:            drv,
		Extractor:         surface.NewResponseExtractor(logger),
		Logger:            logger,
		Metrics:           metrics,
		Models:            cfg.Models,
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Version:           Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(cfg.BindAddr); err != nil {
			serverErr <- err
		}
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) && !*quiet {
		fmt.Printf("angrav %s listening on http://%s (sessions: %d)\n", Version, cfg.BindAddr, reg.Size())
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop watching the app, reject queued work, then
	// drain HTTP. Deferred closers handle the driver, store, and otel.
	reg.StopPolling()
	router.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// connectWithRetry dials the remote-debug endpoint, giving a slow app a
// few seconds to expose it.
func connectWithRetry(ctx context.Context, drv *cdp.Client, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = drv.Connect(ctx); err == nil {
			return nil
		}
		logger.Warn("remote-debug connect failed", "attempt", attempt, "error", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// trackSessions mirrors registry lifecycle events into the tracked
// sessions gauge.
func trackSessions(ctx context.Context, b *bus.Bus, metrics *otelPkg.Metrics) {
	sub := b.Subscribe(bus.TopicSessionPrefix)
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				switch ev.Payload.(type) {
				case bus.SessionDiscoveredEvent:
					metrics.SessionsTracked.Add(ctx, 1)
				case bus.SessionClosedEvent:
					metrics.SessionsTracked.Add(ctx, -1)
				}
			}
		}
	}()
}

// startConfigReload watches config.yaml and applies the settings that
// can change without a restart.
func startConfigReload(ctx context.Context, cfg config.Config, router *queue.Router, logger *slog.Logger) {
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed; hot reload disabled", "error", err)
		return
	}
	go func() {
		last := cfg.Fingerprint()
		for ev := range watcher.Events() {
			newCfg, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			fp := newCfg.Fingerprint()
			if fp == last {
				continue
			}
			last = fp
			router.SetBounds(newCfg.Queue.MaxPerSession, newCfg.Queue.MaxTotal)
			logger.Info("config hot-reloaded",
				"max_per_session", newCfg.Queue.MaxPerSession,
				"max_total", newCfg.Queue.MaxTotal)
		}
	}()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from path without overriding the
// existing environment. Missing file is fine.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
