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

	"github.com/angelmondragon/photoproc/internal/cron"
	"github.com/angelmondragon/photoproc/internal/photos"
	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/db"
	"github.com/angelmondragon/photoproc/pkg/instance"
	"github.com/angelmondragon/photoproc/pkg/logger"
	"github.com/angelmondragon/photoproc/pkg/metrics"
	"github.com/angelmondragon/photoproc/pkg/migrate"
	"github.com/angelmondragon/photoproc/pkg/pubsub"
	"github.com/angelmondragon/photoproc/pkg/redis"
)

const (
	serviceName = "cron-worker"
	lockName    = "cron-worker"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

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

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return resourceError(ctx, logg, "redis", err)
	}
	closers = append(closers, redisClient.Close)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return resourceError(ctx, logg, "pubsub", err)
	}
	closers = append(closers, pubsubClient.Close)

	jobPublisher, err := pubsub.NewJobPublisher(pubsub.WrapPublisher(pubsubClient.PhotoPublisher()))
	if err != nil {
		return resourceError(ctx, logg, "job publisher", err)
	}

	instanceID := instance.GetID()
	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName), cfg.Reconcile.LockTTL, instanceID)
	if err != nil {
		return resourceError(ctx, logg, "cron lock", err)
	}

	staleJob, err := cron.NewStaleUploadJob(cron.StaleUploadJobParams{
		Logger:     logg,
		Repo:       photos.NewRepository(dbClient.DB()),
		Publisher:  jobPublisher,
		Metrics:    metricsCollector,
		StaleAfter: cfg.Reconcile.StaleAfter,
		BatchSize:  cfg.Reconcile.BatchSize,
	})
	if err != nil {
		return resourceError(ctx, logg, "stale upload job", err)
	}

	registry, err := cron.NewRegistry(staleJob)
	if err != nil {
		return resourceError(ctx, logg, "cron registry", err)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Reconcile.Interval,
		Instance: instanceID,
	})
	if err != nil {
		return resourceError(ctx, logg, "cron service", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithField(runCtx, "env", cfg.App.Env)
	logg.Info(runCtx, "starting cron worker")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "cron worker stopped unexpectedly", err)
		return err
	}
	logg.Info(runCtx, "cron worker shutting down gracefully")
	return nil
}

func resourceError(ctx context.Context, logg *logger.Logger, resource string, err error) error {
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	return fmt.Errorf("%s: %w", resource, err)
}
