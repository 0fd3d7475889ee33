package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/logger"
)

const metricsShutdownTimeout = 5 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       pinger
	// Redis is optional.
	Redis    pinger
	PubSub   pinger
	GCS      pinger
	Consumer runner
	// Metrics defaults to the prometheus default gatherer.
	Metrics  http.Handler
}

type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	checks   []dependency
	consumer runner
	metrics  http.Handler
}

type dependency struct {
	name string
	ping func(context.Context) error
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.GCS == nil {
		return nil, errors.New("gcs client is required")
	}
	if params.Consumer == nil {
		return nil, errors.New("photo consumer is required")
	}

	checks := []dependency{
		{name: "database", ping: params.DB.Ping},
		{name: "pubsub", ping: params.PubSub.Ping},
		{name: "gcs", ping: params.GCS.Ping},
	}
	if params.Redis != nil {
		checks = append(checks, dependency{name: "redis", ping: params.Redis.Ping})
	}

	metrics := params.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	return &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		checks:   checks,
		consumer: params.Consumer,
		metrics:  metrics,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.checks {
		if err := pingDependency(ctx, s.logg, dep.name, dep.ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until the consumer stops or ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)
	server := &http.Server{
		Addr:              ":" + s.cfg.App.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.consumer.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logg.Error(gctx, "consumer stopped unexpectedly", err)
			return err
		}
		return err
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	}
	return err
}
