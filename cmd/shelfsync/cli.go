package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/shelfsync/shelfsync/internal/api/audiobookshelf"
	"github.com/shelfsync/shelfsync/internal/api/hardcover"
	"github.com/shelfsync/shelfsync/internal/api/storygraph"
	"github.com/shelfsync/shelfsync/internal/config"
	"github.com/shelfsync/shelfsync/internal/database"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/match"
	"github.com/shelfsync/shelfsync/internal/sync"
	"github.com/shelfsync/shelfsync/internal/target"
)

// configFlags holds the application configuration from command-line flags
type configFlags struct {
	configFile          string        // Path to config file
	audiobookshelfURL   string        // Audiobookshelf server URL
	audiobookshelfToken string        // Audiobookshelf API token
	hardcoverToken      string        // Hardcover API token
	storygraphEmail     string        // StoryGraph account email
	storygraphPassword  string        // StoryGraph account password
	syncInterval        time.Duration // Sync interval duration
	dryRun              bool          // Enable dry-run mode
	help                bool          // Show help
	version             bool          // Show version
	once                bool          // Run sync once and exit
	serverOnly          bool          // Only run the HTTP server, don't schedule syncs
}

// parseFlags parses command-line flags and returns the configuration
func parseFlags() *configFlags {
	var cfg configFlags

	// Define flags
	flag.StringVar(&cfg.configFile, "config", "", "Path to config file (YAML)")
	flag.StringVar(&cfg.audiobookshelfURL, "audiobookshelf-url", "", "Audiobookshelf server URL")
	flag.StringVar(&cfg.audiobookshelfToken, "audiobookshelf-token", "", "Audiobookshelf API token")
	flag.StringVar(&cfg.hardcoverToken, "hardcover-token", "", "Hardcover API token")
	flag.StringVar(&cfg.storygraphEmail, "storygraph-email", "", "StoryGraph account email")
	flag.StringVar(&cfg.storygraphPassword, "storygraph-password", "", "StoryGraph account password")
	flag.DurationVar(&cfg.syncInterval, "sync-interval", 0, "Sync interval (e.g., 30m, 1h)")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Run in dry-run mode (no changes will be made)")
	flag.BoolVar(&cfg.help, "help", false, "Show help")
	flag.BoolVar(&cfg.version, "version", false, "Show version")
	flag.BoolVar(&cfg.once, "once", false, "Run sync once and exit")
	flag.BoolVar(&cfg.serverOnly, "server-only", false, "Only run the HTTP server, don't schedule syncs")

	// Parse flags
	flag.Parse()

	// Flags override the environment, which overrides the config file.
	setEnvFromFlag(cfg.audiobookshelfURL, "AUDIOBOOKSHELF_URL")
	setEnvFromFlag(cfg.audiobookshelfToken, "AUDIOBOOKSHELF_TOKEN")
	setEnvFromFlag(cfg.hardcoverToken, "HARDCOVER_TOKEN")
	setEnvFromFlag(cfg.storygraphEmail, "STORYGRAPH_EMAIL")
	setEnvFromFlag(cfg.storygraphPassword, "STORYGRAPH_PASSWORD")

	// Supplying target credentials on the command line implies the
	// target is wanted.
	if cfg.hardcoverToken != "" {
		os.Setenv("HARDCOVER_ENABLED", "true")
	}
	if cfg.storygraphEmail != "" && cfg.storygraphPassword != "" {
		os.Setenv("STORYGRAPH_ENABLED", "true")
	}

	if cfg.syncInterval > 0 {
		os.Setenv("SYNC_INTERVAL", cfg.syncInterval.String())
	}

	if cfg.dryRun {
		os.Setenv("DRY_RUN", "true")
	}

	return &cfg
}

// setEnvFromFlag sets an environment variable if the flag value is not empty
func setEnvFromFlag(value, envVar string) {
	if value != "" {
		if err := os.Setenv(envVar, value); err != nil {
			logger.Get().Warn("Failed to set environment variable", map[string]interface{}{
				"error": err.Error(),
				"var":   envVar,
			})
		}
	}
}

// engine bundles the wired sync pipeline.
type engine struct {
	db       *database.Database
	repo     *database.Repository
	svc      *sync.Service
	services []string
}

// buildEngine constructs the full pipeline from configuration: database,
// source client, enabled target adapters, resolver and sync service.
func buildEngine(cfg *config.Config, log *logger.Logger) (*engine, error) {
	db, err := database.New(database.ConfigFromApp(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	repo := database.NewRepository(db, log)
	source := audiobookshelf.NewClient(cfg.Audiobookshelf.URL, cfg.Audiobookshelf.Token, log)
	source.ExcludeLibraries(cfg.Sync.ExcludeLibraries)

	var targets []target.Service
	var services []string
	maxConcurrent := make(map[string]int)

	if cfg.Hardcover.Enabled {
		hcCfg := hardcover.DefaultClientConfig()
		hcCfg.RateLimit = time.Duration(cfg.Hardcover.RateLimit)
		hcCfg.Burst = cfg.Hardcover.Burst
		client := hardcover.NewClientWithConfig(hcCfg, cfg.Hardcover.Token, log)
		targets = append(targets, client)
		services = append(services, hardcover.ServiceName)
		maxConcurrent[hardcover.ServiceName] = cfg.Hardcover.MaxConcurrent
	}

	if cfg.Storygraph.Enabled {
		sgCfg := storygraph.DefaultClientConfig()
		sgCfg.BaseURL = cfg.Storygraph.BaseURL
		sgCfg.RequestInterval = time.Duration(cfg.Storygraph.RequestInterval)
		sgCfg.SessionFile = cfg.Storygraph.SessionFile
		client, err := storygraph.NewClient(sgCfg, cfg.Storygraph.Email, cfg.Storygraph.Password, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create storygraph client: %w", err)
		}
		targets = append(targets, client)
		services = append(services, storygraph.ServiceName)
		maxConcurrent[storygraph.ServiceName] = cfg.Storygraph.MaxConcurrent
	}

	matcher := match.NewResolver(repo, time.Duration(cfg.Sync.RematchAfter), cfg.Sync.ForceRematch, log)

	svc, err := sync.NewService(source, targets, matcher, repo, sync.Options{
		DryRun:        cfg.Sync.DryRun,
		MinListenTime: cfg.MinListenTime(),
		LockFile:      cfg.Paths.LockFile,
		MismatchDir:   cfg.Paths.MismatchOutputDir,
		MaxConcurrent: maxConcurrent,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync service: %w", err)
	}

	return &engine{db: db, repo: repo, svc: svc, services: services}, nil
}

// RunOneTimeSync performs a single sync run and exits non-zero when it
// fails.
func RunOneTimeSync(cfg *config.Config) {
	log := logger.Get()

	log.Info("========================================", nil)
	log.Info("STARTING ONE-TIME SYNC", nil)
	log.Info("========================================", nil)

	log.Info("Sync configuration", map[string]interface{}{
		"audiobookshelf_url": cfg.Audiobookshelf.URL,
		"has_source_token":   cfg.Audiobookshelf.Token != "",
		"hardcover_enabled":  cfg.Hardcover.Enabled,
		"storygraph_enabled": cfg.Storygraph.Enabled,
		"dry_run":            cfg.Sync.DryRun,
		"min_listen_minutes": cfg.Sync.MinListenMinutes,
	})

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

	// A single run should never hang forever on a stuck target.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	result, err := eng.svc.Run(ctx)
	if err != nil {
		log.Error("Sync run failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log.Info("========================================", nil)
	log.Info("SYNC COMPLETE", nil)
	log.Info("========================================", nil)
	log.Info("Sync run finished", map[string]interface{}{
		"run_id":   result.ID,
		"status":   result.Status,
		"synced":   result.Totals.Synced,
		"skipped":  result.Totals.Skipped,
		"no_match": result.Totals.NoMatch,
		"errors":   result.Totals.Errors,
		"duration": result.Duration().String(),
	})
}

// StartPeriodicSync runs an initial sync and then one run per interval
// tick until the abort channel closes. The returned function reports
// when the next scheduled run is due.
func StartPeriodicSync(ctx context.Context, syncService *sync.Service, abortCh <-chan struct{}, interval time.Duration) func() time.Time {
	log := logger.Get()

	var next atomic.Int64
	next.Store(time.Now().Add(interval).UnixNano())

	runOnce := func() {
		if _, err := syncService.Run(ctx); err != nil && !errors.Is(err, sync.ErrRunInProgress) {
			log.Error("Periodic sync failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Initial sync
		runOnce()

		for {
			select {
			case <-ticker.C:
				next.Store(time.Now().Add(interval).UnixNano())
				runOnce()
			case <-abortCh:
				return
			}
		}
	}()

	return func() time.Time {
		return time.Unix(0, next.Load()).UTC()
	}
}
