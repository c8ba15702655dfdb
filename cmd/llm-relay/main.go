package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-relay/internal/breaker"
	"github.com/tributary-ai/llm-relay/internal/config"
	"github.com/tributary-ai/llm-relay/internal/cooldown"
	"github.com/tributary-ai/llm-relay/internal/dispatch"
	"github.com/tributary-ai/llm-relay/internal/metrics"
	"github.com/tributary-ai/llm-relay/internal/middleware"
	"github.com/tributary-ai/llm-relay/internal/probe"
	"github.com/tributary-ai/llm-relay/internal/registry"
	"github.com/tributary-ai/llm-relay/internal/selector"
	"github.com/tributary-ai/llm-relay/internal/server"
	"github.com/tributary-ai/llm-relay/internal/types"
	"github.com/tributary-ai/llm-relay/internal/waf"
)

const version = "1.0.0"

// Application bundles the relay's long-lived components.
type Application struct {
	config    *config.Config
	registry  *registry.Registry
	watcher   *registry.Watcher
	scheduler *registry.Scheduler
	stack     *middleware.AdminStack
	server    *server.Server
	logger    *logrus.Logger
}

// NewApplication builds and wires every component from configuration.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	store := registry.NewFileStore(cfg.Registry.Path)
	reg := registry.New(store, logger)
	if err := reg.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}

	breakers := breaker.NewArena(cfg.Breaker.Threshold, cfg.Breaker.Cooloff)
	cooldowns := cooldown.NewManager(reg, logger, cooldown.WithRetention(cfg.Cooldown.MarkerRetention))
	sel := selector.New(reg, breakers, logger)

	prober, err := probe.NewProber(cfg.Probe, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create prober: %w", err)
	}

	wafs, err := waf.NewRegistry(cfg.WAF, logger, []waf.Solver{waf.NewAliyunSolver()})
	if err != nil {
		return nil, fmt.Errorf("failed to create waf registry: %w", err)
	}

	m := metrics.New(cfg.Metrics, breakers.OpenCount, func() int {
		return len(reg.ListCooldowns())
	})

	stack, err := middleware.NewAdminStack(cfg.Admin, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin middleware: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(cfg.Dispatch, dispatch.Dependencies{
		Registry:  reg,
		Selector:  sel,
		Breakers:  breakers,
		Cooldowns: cooldowns,
		Prober:    prober,
		WAF:       wafs,
		Metrics:   m,
		OnExhausted: func(family types.Family, tried int) {
			stack.Audit().RecordExhaustion(string(family), tried)
		},
	}, logger)

	srv := server.New(cfg.Server, server.Dependencies{
		Relay:     dispatcher,
		Registry:  reg,
		Breakers:  breakers,
		Cooldowns: cooldowns,
		Metrics:   m,
		Admin:     stack,
	}, logger)

	app := &Application{
		config:   cfg,
		registry: reg,
		stack:    stack,
		server:   srv,
		logger:   logger,
	}

	if cfg.Registry.Watch {
		watcher, err := registry.NewWatcher(cfg.Registry.Path, cfg.Registry.WatchDebounce, func() {
			if err := reg.Refresh(context.Background()); err != nil {
				logger.WithError(err).Warn("Provider file reload failed")
			}
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider watcher: %w", err)
		}
		app.watcher = watcher
	}

	monitor := registry.NewLatencyMonitor(reg, cfg.Registry.LatencyTimeout, logger)
	app.scheduler = registry.NewScheduler(reg, monitor, cfg.Registry.RefreshSchedule, cfg.Registry.LatencySchedule, logger)

	return app, nil
}

// Run starts the background jobs and the listener, then blocks until
// a shutdown signal or a server error.
func (app *Application) Run() error {
	app.logger.WithFields(logrus.Fields{
		"version":   version,
		"providers": app.registry.Count(),
	}).Info("Starting llm-relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if app.watcher != nil {
		if err := app.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start provider watcher: %w", err)
		}
	}
	if err := app.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	return app.shutdown()
}

// shutdown stops the reload jobs, drains the listener, and flushes
// the audit trail, in that order, so in-flight admin requests still
// land in the trail.
func (app *Application) shutdown() error {
	app.logger.Info("Starting graceful shutdown")

	app.scheduler.Stop()
	if app.watcher != nil {
		app.watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		app.stack.Stop()
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.stack.Stop()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the shared logger from configuration.
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_HOST        Listen address (default: 127.0.0.1)\n")
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_PORT        Listen port (default: 8787, 0 = ephemeral)\n")
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_PROVIDERS   Path to the providers file\n")
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_ADMIN_KEYS  Comma-separated admin API keys\n")
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_JWT_SECRET  Admin JWT signing secret\n")
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_LOG_LEVEL   Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_LOG_FORMAT  Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  LLM_RELAY_PORT=0 %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("llm-relay v%s\n", version)
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
