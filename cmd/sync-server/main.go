// Command sync-server runs the incremental pull-request extraction job on
// an interval until terminated.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nucleus/prsync-core/internal/archive"
	"github.com/nucleus/prsync-core/internal/config"
	"github.com/nucleus/prsync-core/internal/github"
	"github.com/nucleus/prsync-core/internal/notify"
	"github.com/nucleus/prsync-core/internal/store"
	"github.com/nucleus/prsync-core/internal/sync"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sync server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	catalog, err := store.NewSQLCatalog(cfg.CatalogURL)
	if err != nil {
		return err
	}
	defer catalog.Close()

	dispatcher := notify.NewDispatcher(&notify.LogHandler{Logger: logger}, cfg.NotifyBuffer, logger)
	defer dispatcher.Close()

	archiver, err := buildArchiver(cfg, logger)
	if err != nil {
		return err
	}

	orch := sync.NewOrchestrator(db, logger)
	orch.LimitRetries(cfg.MaxRetryRuns)

	cycle := func() {
		// A fresh client (and governor) per cycle: remembered quota state
		// from a paused run must not outlive the pause.
		client := github.NewClient(&github.ClientConfig{
			BaseURL:        cfg.GitHubBaseURL,
			Token:          cfg.GitHubToken,
			PageSize:       cfg.PageSize,
			NestedPageSize: cfg.NestedPageSize,
			MaxRetries:     cfg.MaxRetries,
		}, github.NewGovernor(cfg.QuotaFloor), logger)

		engine := sync.NewEngine(client, db, catalog, db, dispatcher, archiver,
			sync.EngineConfig{BatchSize: cfg.BatchSize}, logger)

		// Completed jobs re-enter the promotable states here; a selective
		// no-op otherwise. Operator-paused jobs stay out of the cycle.
		if err := orch.Rearm(ctx, cfg.JobName); err != nil {
			logger.Error("rearm failed", "job", cfg.JobName, "error", err)
			return
		}
		if err := orch.Execute(ctx, cfg.JobName, engine); err != nil {
			switch {
			case errors.Is(err, sync.ErrJobNotPromotable):
				logger.Info("job not promotable this cycle", "job", cfg.JobName)
			case ctx.Err() != nil:
				// Shutdown mid-run already yielded with a checkpoint.
			default:
				logger.Error("sync cycle failed", "job", cfg.JobName, "error", err)
			}
		}
	}

	logger.Info("sync server started",
		"job", cfg.JobName,
		"interval", cfg.SyncInterval,
		"base_url", cfg.GitHubBaseURL,
		"archive", cfg.ArchiveEnabled)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	cycle()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}

func buildArchiver(cfg config.Config, logger *slog.Logger) (sync.Archiver, error) {
	if !cfg.ArchiveEnabled {
		return nil, nil
	}
	var objects archive.ObjectStore
	if cfg.ArchiveLocalDir != "" {
		objects = archive.NewLocalStore(cfg.ArchiveLocalDir)
	} else {
		s3, err := archive.NewS3Store(archive.S3Config{
			EndpointURL:     cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			Region:          cfg.MinioRegion,
			UseSSL:          cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		objects = s3
	}
	return archive.NewSink(objects, archive.SinkConfig{
		Bucket:     cfg.ArchiveBucket,
		BasePrefix: cfg.ArchivePrefix,
	}, logger), nil
}
