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
	"caseflow/internal/fanout"
	"caseflow/internal/gateway"
	"caseflow/internal/jobstore"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"

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
	logger := baseLogger.With().Str("component", "gateway-main").Logger()

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

	store := jobstore.New(rdb, cfg.Queue, baseLogger)
	bus := fanout.NewBus(rdb, baseLogger)
	validator := gateway.NewStaticTokenValidator(cfg.Gateway.Tokens)

	srv := gateway.NewServer(cfg.Gateway, store, bus, validator,
		time.Duration(cfg.Mailbox.SyncWindowSec)*time.Second,
		cfg.Monitoring.PrometheusEnabled, baseLogger)

	go func() {
		if err := srv.Relay(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("event relay exited")
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
