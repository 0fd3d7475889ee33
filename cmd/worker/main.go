package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/photoproc/internal/bootstrap"
	"github.com/angelmondragon/photoproc/internal/consumer"
	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/db"
	"github.com/angelmondragon/photoproc/pkg/instance"
	"github.com/angelmondragon/photoproc/pkg/logger"
	"github.com/angelmondragon/photoproc/pkg/migrate"
	"github.com/angelmondragon/photoproc/pkg/pubsub"
	"github.com/angelmondragon/photoproc/pkg/redis"
	"github.com/angelmondragon/photoproc/pkg/storage/gcs"
)

const serviceName = "photo-worker"

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred closers always execute.
func run() error {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return resourceError(ctx, logg, "config", err)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	var closers []func() error
	defer func() {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i]())
		}
		if errs != nil {
			logg.Error(ctx, "error releasing resources", errs)
		}
	}()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return resourceError(ctx, logg, "database", err)
	}
	closers = append(closers, dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return resourceError(ctx, logg, "dev migrations", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return resourceError(ctx, logg, "redis", err)
		}
		closers = append(closers, redisClient.Close)
	} else {
		logg.Warn(ctx, "redis not configured, delivery dedupe disabled")
	}

	gcsClient, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	if err != nil {
		return resourceError(ctx, logg, "gcs", err)
	}
	closers = append(closers, gcsClient.Close)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return resourceError(ctx, logg, "pubsub", err)
	}
	closers = append(closers, pubsubClient.Close)

	deps := bootstrap.ProcessorDeps{
		DB:         dbClient.DB(),
		Blobs:      gcsClient,
		Registerer: prometheus.DefaultRegisterer,
	}
	if redisClient != nil {
		deps.Dedupe = redisClient
	}
	processor, err := bootstrap.NewProcessor(cfg, logg, deps)
	if err != nil {
		return resourceError(ctx, logg, "photo processor", err)
	}

	if err := pubsubClient.RequireDeliveryCap(ctx, processor.MaxAttempts()); err != nil {
		return resourceError(ctx, logg, "pubsub delivery attempts", err)
	}

	photoConsumer, err := consumer.NewConsumer(processor, pubsubClient.PhotoSubscription(), logg)
	if err != nil {
		return resourceError(ctx, logg, "photo consumer", err)
	}

	params := ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		PubSub:   pubsubClient,
		GCS:      gcsClient,
		Consumer: photoConsumer,
	}
	if redisClient != nil {
		params.Redis = redisClient
	}
	service, err := NewService(params)
	if err != nil {
		return resourceError(ctx, logg, "worker service", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})
	logg.Info(runCtx, "starting photo worker")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "photo worker stopped unexpectedly", err)
		return err
	}
	logg.Info(runCtx, "photo worker shutting down gracefully")
	return nil
}

func resourceError(ctx context.Context, logg *logger.Logger, resource string, err error) error {
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	return fmt.Errorf("%s: %w", resource, err)
}
