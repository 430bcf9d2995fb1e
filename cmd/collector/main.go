// Package main is the entry point for the market-data collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/fd1az/market-collector/business/dataflow"
	dataflowDI "github.com/fd1az/market-collector/business/dataflow/di"
	"github.com/fd1az/market-collector/business/fanout"
	fanoutDI "github.com/fd1az/market-collector/business/fanout/di"
	"github.com/fd1az/market-collector/business/ingest"
	"github.com/fd1az/market-collector/business/monitoring"
	monitoringDI "github.com/fd1az/market-collector/business/monitoring/di"
	"github.com/fd1az/market-collector/internal/apm"
	"github.com/fd1az/market-collector/internal/config"
	"github.com/fd1az/market-collector/internal/health"
	"github.com/fd1az/market-collector/internal/logger"
	"github.com/fd1az/market-collector/internal/metrics"
	"github.com/fd1az/market-collector/internal/monolith"
	"github.com/fd1az/market-collector/pkg/ui"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Parse flags
	configPath := flag.String("config", "", "Path to configuration file")
	cliMode := flag.Bool("cli", false, "Run in CLI mode with logs (no TUI)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("market-collector %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// TUI is the default, CLI is for debugging
	tuiMode := !*cliMode

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if !tuiMode {
			fmt.Fprintf(os.Stderr, "received shutdown signal: %v\n", sig)
		}
		cancel()
	}()

	// Run application
	if err := run(ctx, *configPath, tuiMode); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, tuiMode bool) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set TUI mode in config so modules know
	cfg.App.TUIMode = tuiMode

	// Setup logger (only log to stderr in CLI mode)
	logLevel := logger.LevelInfo
	switch cfg.App.LogLevel {
	case "debug":
		logLevel = logger.LevelDebug
	case "warn":
		logLevel = logger.LevelWarn
	case "error":
		logLevel = logger.LevelError
	}

	var log *logger.Logger
	if tuiMode {
		// In TUI mode, suppress logs (discard output)
		log = logger.New(io.Discard, logLevel, cfg.App.Name, nil)
	} else {
		log = logger.New(os.Stderr, logLevel, cfg.App.Name, nil)
		log.Info(ctx, "starting market collector",
			"version", version,
			"environment", cfg.App.Environment,
		)
	}

	// Initialize observability if enabled
	var traceProvider apm.TraceProvider
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ServiceName != "" {
			os.Setenv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
		}
		if cfg.Telemetry.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
		}

		traceProvider = apm.NewTraceProvider(log, apm.WithProvider(apm.ZipkinProvider, log))
		log.Info(ctx, "tracing initialized", "provider", "zipkin", "endpoint", cfg.Telemetry.OTLPEndpoint)

		metrics.NewMetricProvider(
			metrics.WithServiceName(cfg.Telemetry.ServiceName),
			metrics.WithProviderConfig(metrics.ProviderCfg{
				Provider: metrics.PrometheusProvider,
			}),
		)

		port := cfg.Telemetry.PrometheusPort
		if port == 0 {
			port = 9090
		}
		go metrics.ServePrometheusMetrics(metrics.WithPort(strconv.Itoa(port)))
		log.Info(ctx, "prometheus metrics server started", "port", port)
	}
	defer func() {
		if traceProvider != nil {
			traceProvider.Stop()
		}
	}()

	// Create monolith (application container)
	mono, err := monolith.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create monolith: %w", err)
	}
	defer mono.Close()

	// Define modules in dependency order
	modules := []monolith.Module{
		&dataflow.Module{},   // Engine + sinks
		&fanout.Module{},     // Pool + WebSocket server
		&monitoring.Module{}, // Scoring + alerts
		&ingest.Module{},     // Exchange adapters
	}

	// Register all module services
	if err := mono.RegisterModules(modules...); err != nil {
		return fmt.Errorf("failed to register modules: %w", err)
	}

	// Start health check server
	healthServer := health.NewServer(cfg.Telemetry.HealthPort, version)
	registerHealthChecks(healthServer, mono, cfg)
	if err := healthServer.Start(); err != nil {
		log.Warn(ctx, "failed to start health server", "error", err)
	} else {
		log.Info(ctx, "health server started", "port", cfg.Telemetry.HealthPort)
	}
	defer healthServer.Stop(ctx)

	stopFunc := func() {
		engine := dataflowDI.GetEngine(mono.Services())
		if err := engine.Stop(); err != nil {
			log.Error(ctx, "error stopping engine", "error", err)
		}
		server := fanoutDI.GetServer(mono.Services())
		if err := server.Stop(context.Background()); err != nil {
			log.Error(ctx, "error stopping websocket server", "error", err)
		}
		pool := fanoutDI.GetPool(mono.Services())
		pool.Stop()
		reporter := monitoringDI.GetReporter(mono.Services())
		reporter.Stop()
	}

	if tuiMode {
		startFunc := func() error {
			return mono.StartModules(ctx, modules...)
		}
		return runTUI(ctx, startFunc, stopFunc)
	}

	// CLI mode: Start modules synchronously
	if err := mono.StartModules(ctx, modules...); err != nil {
		return fmt.Errorf("failed to start modules: %w", err)
	}

	log.Info(ctx, "all modules started, collecting market data")

	// Wait for shutdown
	<-ctx.Done()

	log.Info(ctx, "shutting down")
	stopFunc()

	return nil
}

// registerHealthChecks wires liveness checks for the engine, pool, broker
// and cache.
func registerHealthChecks(server *health.Server, mono monolith.Monolith, cfg *config.Config) {
	server.RegisterCheck("engine", func(ctx context.Context) (bool, string) {
		engine := dataflowDI.GetEngine(mono.Services())
		depth := engine.QueueDepth()
		if depth >= cfg.Performance.MaxQueueSize {
			return false, "ingress queue full"
		}
		return true, fmt.Sprintf("queue depth %d", depth)
	})

	server.RegisterCheck("pool", func(ctx context.Context) (bool, string) {
		stats := fanoutDI.GetPool(mono.Services()).Stats()
		if !stats.Healthy {
			return false, "pool degraded"
		}
		return true, fmt.Sprintf("%d connections", stats.ActiveConnections)
	})

	if cfg.Sinks.EnablePublish {
		server.RegisterCheck("broker", func(ctx context.Context) (bool, string) {
			conn := mono.Broker()
			if conn == nil || !conn.IsConnected() {
				return false, "broker disconnected"
			}
			return true, conn.ConnectedUrl()
		})
	}

	if cfg.Sinks.EnableCache {
		server.RegisterCheck("cache", func(ctx context.Context) (bool, string) {
			if err := mono.Cache().Ping(ctx).Err(); err != nil {
				return false, err.Error()
			}
			return true, ""
		})
	}
}

func runTUI(ctx context.Context, startFunc func() error, stopFunc func()) error {
	// Channel to receive StartModulesMsg signal
	startSignal := make(chan struct{}, 1)
	ui.OnStartModules = func() {
		select {
		case startSignal <- struct{}{}:
		default:
		}
	}

	// Create and start the TUI program immediately (shows welcome screen)
	p := tea.NewProgram(ui.New(), tea.WithAltScreen())
	ui.Program = p

	// Run collector logic in background (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		select {
		case <-startSignal:
			// Welcome complete, start modules
		case <-ctx.Done():
			errCh <- nil
			return
		}

		if err := startFunc(); err != nil {
			ui.Send(ui.ErrorMsg{Error: err})
			errCh <- err
			return
		}

		// Wait for context cancellation
		<-ctx.Done()

		stopFunc()
		errCh <- nil
	}()

	// Run TUI (blocking)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	// Check for collector errors
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
