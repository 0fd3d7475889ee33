package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/photoproc/api/controllers"
	"github.com/angelmondragon/photoproc/api/routes"
	"github.com/angelmondragon/photoproc/internal/bootstrap"
	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/db"
	"github.com/angelmondragon/photoproc/pkg/logger"
	"github.com/angelmondragon/photoproc/pkg/migrate"
	"github.com/angelmondragon/photoproc/pkg/redis"
	"github.com/angelmondragon/photoproc/pkg/storage/gcs"
)

const (
	serviceName     = "photo-push"
	shutdownTimeout = 10 * time.Second
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

	gcsClient, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	if err != nil {
		return resourceError(ctx, logg, "gcs", err)
	}
	closers = append(closers, gcsClient.Close)

	checks := []controllers.ReadinessCheck{
		{Name: "database", Ping: dbClient.Ping},
		{Name: "gcs", Ping: gcsClient.Ping},
	}
	deps := bootstrap.ProcessorDeps{
		DB:         dbClient.DB(),
		Blobs:      gcsClient,
		Registerer: prometheus.DefaultRegisterer,
	}
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return resourceError(ctx, logg, "redis", err)
		}
		closers = append(closers, redisClient.Close)
		deps.Dedupe = redisClient
		checks = append(checks, controllers.ReadinessCheck{Name: "redis", Ping: redisClient.Ping})
	}

	processor, err := bootstrap.NewProcessor(cfg, logg, deps)
	if err != nil {
		return resourceError(ctx, logg, "photo processor", err)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Push.Port,
		Handler:           routes.NewRouter(cfg, logg, processor, checks...),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Push.ReadTimeout,
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":  cfg.App.Env,
		"addr": server.Addr,
	})

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "push server shutdown failed", err)
		}
	}()

	logg.Info(runCtx, "push receiver listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(runCtx, "push server stopped unexpectedly", err)
		return err
	}
	logg.Info(runCtx, "push receiver shutting down gracefully")
	return nil
}

func resourceError(ctx context.Context, logg *logger.Logger, resource string, err error) error {
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	return fmt.Errorf("%s: %w", resource, err)
}
