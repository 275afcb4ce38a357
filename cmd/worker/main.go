package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/dedup"
	"caseflow/internal/fanout"
	"caseflow/internal/jobstore"
	"caseflow/internal/logging"
	"caseflow/internal/mailbox"
	"caseflow/internal/metrics"
	"caseflow/internal/models"
	"caseflow/internal/pipeline"
	"caseflow/internal/worker"

	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := baseLogger.With().Str("component", "worker-main").Logger()

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store := jobstore.New(rdb, cfg.Queue, baseLogger)
	bus := fanout.NewBus(rdb, baseLogger)
	dedupStore := dedup.NewStore(rdb)

	manager := mailbox.NewManager(cfg.Mailbox, mailbox.DialIMAP, mailbox.NewClock(), baseLogger)
	defer manager.Close()

	sources := make([]pipeline.Source, 0, len(cfg.Feeds.Sources))
	for _, src := range cfg.Feeds.Sources {
		sources = append(sources, pipeline.NewHTTPFeedSource(src.Name, src.URL, nil))
	}

	registry := pipeline.NewRegistry(
		pipeline.NewOCRProcessor(db,
			pipeline.NewOCRClient(cfg.Services.OCRURL, nil),
			pipeline.NewIndexClient(cfg.Services.IndexURL, nil),
			store, bus, baseLogger),
		pipeline.NewEmbeddingProcessor(db,
			pipeline.NewEmbedClient(cfg.Services.EmbedURL, nil)),
		pipeline.NewPreviewProcessor(db,
			pipeline.NewPreviewClient(cfg.Services.PreviewURL, nil), bus),
		pipeline.NewMailboxSyncProcessor(manager, db,
			pipeline.NewIndexClient(cfg.Services.IndexURL, nil), bus, baseLogger),
		pipeline.NewFeedSyncProcessor(dedupStore, db,
			pipeline.NewPolicyClient(cfg.Services.PolicyURL, nil),
			sources, bus,
			time.Duration(cfg.Feeds.CycleTTLSec)*time.Second, baseLogger),
		pipeline.NewDeadlineScanProcessor(db, bus,
			time.Duration(cfg.Gateway.DeadlineDays)*24*time.Hour),
		pipeline.NewSmokeTestProcessor(bus),
	)

	// Re-registering on every boot is safe: upserts replace by name.
	if err := registerSchedules(ctx, store, cfg); err != nil {
		return err
	}

	scheduler := jobstore.NewScheduler(store,
		time.Duration(cfg.Queue.PollIntervalSec)*time.Second, baseLogger)
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler exited")
		}
	}()

	w := worker.New(store, registry, bus, baseLogger)
	w.Run(ctx)
	return nil
}

func registerSchedules(ctx context.Context, store *jobstore.Store, cfg *config.Config) error {
	if err := store.RegisterSchedule(ctx, "feed-sync", cfg.Schedules.FeedSync,
		models.KindFeedSync, models.FeedSyncPayload{}); err != nil {
		return err
	}
	if err := store.RegisterSchedule(ctx, "deadline-scan", cfg.Schedules.DeadlineScan,
		models.KindDeadlineScan, models.DeadlineScanPayload{}); err != nil {
		return err
	}
	for _, acct := range cfg.Mailbox.Accounts {
		if err := store.RegisterSchedule(ctx, "mailbox-sync-"+acct.ID, cfg.Schedules.MailboxSync,
			models.KindMailboxSync, models.MailboxSyncPayload{AccountID: acct.ID}); err != nil {
			return err
		}
	}
	return nil
}
