package cron

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/photoproc/pkg/db/models"
	"github.com/angelmondragon/photoproc/pkg/logger"
)

const (
	staleUploadJobName     = "stale-uploaded-requeue"
	defaultStaleAfter      = 30 * time.Minute
	defaultStaleBatchLimit = 100
)

// StaleUploadJobParams configures the stale upload requeue job.
type StaleUploadJobParams struct {
	Logger     *logger.Logger
	Repo       staleUploadRepo
	Publisher  photoJobPublisher
	Metrics    requeueMetrics
	StaleAfter time.Duration
	BatchSize  int
}

type staleUploadRepo interface {
	ListStaleUploaded(ctx context.Context, cutoff time.Time, limit int) ([]models.Photo, error)
}

type photoJobPublisher interface {
	PublishPhotoJob(ctx context.Context, photoID int64, correlationID string) (string, error)
}

type requeueMetrics interface {
	AddRequeued(job string, n int)
}

// NewStaleUploadJob builds the job that re-enqueues uploads whose notification was lost.
func NewStaleUploadJob(params StaleUploadJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("photo repository required")
	}
	if params.Publisher == nil {
		return nil, fmt.Errorf("job publisher required")
	}
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultStaleBatchLimit
	}
	return &staleUploadJob{
		logg:       params.Logger,
		repo:       params.Repo,
		publisher:  params.Publisher,
		metrics:    params.Metrics,
		staleAfter: staleAfter,
		batch:      batch,
		now:        time.Now,
	}, nil
}

type staleUploadJob struct {
	logg       *logger.Logger
	repo       staleUploadRepo
	publisher  photoJobPublisher
	metrics    requeueMetrics
	staleAfter time.Duration
	batch      int
	now        func() time.Time
}

func (j *staleUploadJob) Name() string { return staleUploadJobName }

func (j *staleUploadJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.staleAfter)
	rows, err := j.repo.ListStaleUploaded(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query stale uploads: %w", err)
	}

	var (
		errs      error
		requeued  int
		runMarker = "requeue-" + strconv.FormatInt(j.now().UTC().Unix(), 10)
	)
	for _, photo := range rows {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		correlationID := fmt.Sprintf("%s-%d", runMarker, photo.ID)
		if _, err := j.publisher.PublishPhotoJob(ctx, photo.ID, correlationID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("requeue photo %d: %w", photo.ID, err))
			continue
		}
		requeued++
	}

	if j.metrics != nil && requeued > 0 {
		j.metrics.AddRequeued(j.Name(), requeued)
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":     cutoff,
		"candidates": len(rows),
		"requeued":   requeued,
	})
	j.logg.Info(logCtx, "stale upload requeue complete")
	return errs
}
