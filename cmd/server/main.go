package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noeRls/puppeteer-stream/internal/config"
	"github.com/noeRls/puppeteer-stream/internal/control"
	"github.com/noeRls/puppeteer-stream/internal/metrics"
	"github.com/noeRls/puppeteer-stream/internal/server"
	"github.com/noeRls/puppeteer-stream/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "puppeteer-stream-bridge"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.String("control_endpoint", cfg.Control.Endpoint),
		slog.Int("base_port", cfg.Capture.BasePort),
		slog.Int("high_water_mark_mb", cfg.Capture.HighWaterMarkMB),
		slog.Bool("immediate_resume", cfg.Capture.ImmediateResume),
		slog.Int("retry_each", cfg.Capture.Retry.Each),
		slog.Int("retry_times", cfg.Capture.Retry.Times),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize the control channel client for the capture runtime
	controlCli, err := control.NewClient(control.Config{
		Endpoint: cfg.Control.Endpoint,
		Timeout:  cfg.Control.GetTimeoutDuration(),
	})
	if err != nil {
		logger.Error("Failed to create control client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Control channel client initialized",
		slog.String("endpoint", cfg.Control.Endpoint),
	)

	// Initialize session manager
	sessionMgr := session.NewManager(cfg.Capture, controlCli, logger, appMetrics)
	logger.Info("Session manager initialized",
		slog.Int("base_port", cfg.Capture.BasePort),
		slog.Duration("session_retention", cfg.Capture.GetSessionRetentionDuration()),
	)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, sessionMgr, controlCli, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Destroy remaining sessions (producers are stopped before transports
	// are released)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sessionMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during session manager shutdown", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := sessionMgr.GetStats()
	controlStats := controlCli.GetStats()
	logger.Info("Final service statistics",
		slog.Uint64("sessions_created", stats.TotalCreated),
		slog.Uint64("sessions_destroyed", stats.TotalDestroyed),
		slog.Uint64("control_calls", controlStats.TotalCalls),
		slog.Uint64("control_failures", controlStats.FailedCalls),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
