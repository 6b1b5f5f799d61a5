// shelfsync is the daemon that mirrors Audiobookshelf listening progress
// to reading tracker services. It runs either as a long-lived service
// with periodic sync runs and an HTTP API, or as a one-shot sync.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shelfsync/shelfsync/internal/config"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/server"
)

// Environment Variables:
//   AUDIOBOOKSHELF_URL      URL of the Audiobookshelf server
//   AUDIOBOOKSHELF_TOKEN    API token for Audiobookshelf
//   HARDCOVER_ENABLED       Enable the Hardcover target (true/false)
//   HARDCOVER_TOKEN         API token for Hardcover
//   STORYGRAPH_ENABLED      Enable the StoryGraph target (true/false)
//   STORYGRAPH_EMAIL        StoryGraph account email
//   STORYGRAPH_PASSWORD     StoryGraph account password
//   SYNC_INTERVAL           (optional) Go duration string for periodic sync (e.g., "30m", "1h")
//   MIN_LISTEN_MINUTES      (optional) Listening threshold before progress is synced (default: 10)
//   REMATCH_AFTER           (optional) How long rejected matches stay suppressed (default: 168h)
//   DRY_RUN                 (optional) If set to true, no changes will be made to any target
//   DATABASE_TYPE           (optional) sqlite, postgresql or mysql (default: sqlite)
//   DATABASE_PATH           (optional) Path to the sqlite database file
//   LOG_LEVEL               (optional) Log level (debug, info, warn, error, fatal, panic)
//
// Endpoints:
//   GET  /healthz          # Health check
//   GET  /api/status       # Engine status and last run
//   POST /api/sync         # Trigger a sync run
//   GET  /api/runs         # Run history

var (
	version = "dev" // Set during build
)

// configFlags is defined in cli.go

func main() {
	// Parse command line flags
	flags := parseFlags()

	// Show help if requested
	if flags.help {
		showHelp()
		return
	}

	// Show version if requested
	if flags.version {
		showVersion()
		return
	}

	// Load configuration, then initialize the logger with the configured
	// level and format.
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	log.Info("Starting shelfsync", map[string]interface{}{
		"version":    version,
		"log_level":  cfg.Logging.Level,
		"log_format": cfg.Logging.Format,
		"dry_run":    cfg.Sync.DryRun,
	})

	// If one-time sync is requested, run it and exit
	if flags.once {
		RunOneTimeSync(cfg)
		return
	}

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Wire the sync engine: database, source client, target adapters,
	// resolver and sync service.
	eng, err := buildEngine(cfg, log)
	if err != nil {
		log.Error("Failed to initialize sync engine", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer func() {
		if err := eng.db.Close(); err != nil {
			log.Warn("Failed to close database", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	abortCh := make(chan struct{})
	errCh := make(chan error, 1)

	// Start periodic sync if enabled and not in server-only mode
	var nextSync func() time.Time
	if !flags.serverOnly && time.Duration(cfg.Sync.Interval) > 0 {
		nextSync = StartPeriodicSync(ctx, eng.svc, abortCh, time.Duration(cfg.Sync.Interval))
	} else if !flags.serverOnly {
		log.Info("Periodic sync is disabled (set SYNC_INTERVAL to enable)", nil)
	}

	// Create HTTP server with configured port
	srv := server.New(fmt.Sprintf(":%s", cfg.Server.Port), eng.svc, eng.repo, eng.db, server.Options{
		Services:   eng.services,
		Version:    version,
		NextSync:   nextSync,
		RunContext: ctx,
	}, log)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received", nil)
	case err := <-errCh:
		log.Error("Fatal error occurred", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Start graceful shutdown
	log.Info("Initiating graceful shutdown...", nil)

	// Cancel any ongoing operations and stop the sync scheduler
	stop()
	close(abortCh)

	// Shutdown HTTP server with configured timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Shutdown completed", nil)
}

func showHelp() {
	fmt.Println("shelfsync - mirror Audiobookshelf listening progress to reading trackers")
	fmt.Println("\nUsage:")
	fmt.Println("  shelfsync [flags]")

	fmt.Println("\nRequired Configuration (can be provided via flags, config file or environment variables):")
	fmt.Println("  --audiobookshelf-url URL")
	fmt.Println("  \tAudiobookshelf server URL")
	fmt.Println("  \tEnvironment: AUDIOBOOKSHELF_URL")

	fmt.Println("  --audiobookshelf-token TOKEN")
	fmt.Println("  \tAudiobookshelf API token")
	fmt.Println("  \tEnvironment: AUDIOBOOKSHELF_TOKEN")

	fmt.Println("\nTarget Services (at least one must be enabled):")
	fmt.Println("  --hardcover-token TOKEN")
	fmt.Println("  \tHardcover API token")
	fmt.Println("  \tEnvironment: HARDCOVER_TOKEN (enable with HARDCOVER_ENABLED=true)")

	fmt.Println("  --storygraph-email EMAIL / --storygraph-password PASSWORD")
	fmt.Println("  \tStoryGraph account credentials")
	fmt.Println("  \tEnvironment: STORYGRAPH_EMAIL, STORYGRAPH_PASSWORD (enable with STORYGRAPH_ENABLED=true)")

	fmt.Println("\nOptional Configuration:")
	fmt.Println("  --config FILE")
	fmt.Println("  \tPath to YAML config file")

	fmt.Println("  --sync-interval DURATION")
	fmt.Println("  \tInterval between syncs (e.g., 1h, 30m)")
	fmt.Println("  \tEnvironment: SYNC_INTERVAL (duration string, e.g., 1h30m)")

	fmt.Println("  --dry-run")
	fmt.Println("  \tRun in dry-run mode (no changes will be made)")
	fmt.Println("  \tEnvironment: DRY_RUN (true/false)")

	fmt.Println("  --once")
	fmt.Println("  \tRun a single sync and exit")

	fmt.Println("  --server-only")
	fmt.Println("  \tServe the HTTP API without scheduling periodic syncs")

	fmt.Println("\nOther Options:")
	fmt.Println("  -h, --help")
	fmt.Println("  \tShow this help message")

	fmt.Println("  -v, --version")
	fmt.Println("  \tShow version information")

	fmt.Println("\nAdditional environment variables:")
	fmt.Println("  LOG_LEVEL")
	fmt.Println("  \tSet the log level (debug, info, warn, error, fatal, panic)")

	fmt.Println("  MIN_LISTEN_MINUTES")
	fmt.Println("  \tListening threshold before progress is synced (default: 10)")

	fmt.Println("  REMATCH_AFTER")
	fmt.Println("  \tHow long rejected matches stay suppressed before retrying (default: 168h)")

	fmt.Println("\nExample:")
	fmt.Println(`  shelfsync \
    --audiobookshelf-url https://audiobookshelf.example.com \
    --audiobookshelf-token your-audiobookshelf-token \
    --hardcover-token your-hardcover-token \
    --sync-interval 1h`)
}

func showVersion() {
	fmt.Printf("shelfsync version %s\n", version)
}
