package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stemforge/stemforge/internal/config"
	"github.com/stemforge/stemforge/internal/database"
	"github.com/stemforge/stemforge/internal/models"
	"github.com/stemforge/stemforge/internal/observability"
	"github.com/stemforge/stemforge/internal/pipeline"
	"github.com/stemforge/stemforge/internal/pipeline/stages"
	"github.com/stemforge/stemforge/internal/repository"
	"github.com/stemforge/stemforge/internal/scheduler"
	"github.com/stemforge/stemforge/internal/service"
	"github.com/stemforge/stemforge/internal/storage"
	"github.com/stemforge/stemforge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stemforge orchestrator",
	Long: `Start the stemforge job orchestrator.

On startup the orchestrator probes the storage root for atomic rename
support, rebuilds the derived job index from the state directories,
re-enqueues every job the filesystem says is waiting, and begins the
lease reclaim sweep. It then processes jobs until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("storage-root", "", "storage root directory (overrides config)")
	serveCmd.Flags().String("database-dsn", "", "database DSN for the derived index (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	logger.Info("starting stemforge",
		slog.String("version", version.Version),
		slog.String("storage_root", cfg.Storage.Root),
	)

	// Storage core. NewLayout refuses to run on a root without atomic
	// cross-directory renames.
	layout, err := storage.NewLayout(cfg.Storage.Root, logger)
	if err != nil {
		return fmt.Errorf("initializing storage layout: %w", err)
	}
	store := storage.NewMetadataStore(layout, logger, &storage.MetadataStoreOptions{
		MaxMetadataSize: cfg.Limits.MaxMetadataSize.Bytes(),
		MaxLogSize:      cfg.Limits.MaxLogSize.Bytes(),
	})
	mover := storage.NewMover(layout, store, logger)
	artifacts := storage.NewArtifactStore(layout, store)

	// Derived index.
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(&models.JobRow{}); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	index := repository.NewJobIndexRepository(db.DB)
	mover.WithIndexHook(service.NewIndexHook(index, logger))

	if _, err := service.NewRebuilder(store, index, logger).Rebuild(cmd.Context()); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}

	// Pipeline.
	defs, err := stages.Default(cfg, layout)
	if err != nil {
		return err
	}
	dispatcher := pipeline.NewDispatcher(defs, store, mover, artifacts, layout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	if err := dispatcher.ColdStart(); err != nil {
		logger.Error("cold start scan failed", slog.String("error", err.Error()))
	}

	var reclaimer *scheduler.Reclaimer
	if cfg.Reclaim.Enabled {
		reclaimer = scheduler.NewReclaimer(cfg.Reclaim.Cron, store, mover, logger).
			WithDispatcher(dispatcher)
		if err := reclaimer.Start(); err != nil {
			return fmt.Errorf("starting reclaimer: %w", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// In-flight stage work is given until the shutdown timeout; queued
	// work survives on disk and is re-derived on the next cold start.
	done := make(chan struct{})
	go func() {
		if reclaimer != nil {
			reclaimer.Stop()
		}
		dispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(cfg.Shutdown.Timeout):
		logger.Warn("shutdown timeout exceeded, exiting",
			slog.Duration("timeout", cfg.Shutdown.Timeout),
		)
	}
	return nil
}

// loadConfig loads the configuration and applies CLI flag overrides.
// Flags are checked with Changed so the priority stays flag > env >
// file > default.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if v, ok := flagString(rootCmd.PersistentFlags(), "log-level"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := flagString(rootCmd.PersistentFlags(), "log-format"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := flagString(cmd.Flags(), "storage-root"); ok {
		cfg.Storage.Root = v
	}
	if v, ok := flagString(cmd.Flags(), "database-dsn"); ok {
		cfg.Database.DSN = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// flagString returns a string flag's value only when the user set it.
func flagString(flags *pflag.FlagSet, name string) (string, bool) {
	if !flags.Changed(name) {
		return "", false
	}
	v, _ := flags.GetString(name)
	return v, true
}
