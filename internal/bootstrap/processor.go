package bootstrap

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/angelmondragon/photoproc/internal/exif"
	"github.com/angelmondragon/photoproc/internal/photos"
	"github.com/angelmondragon/photoproc/internal/processing"
	"github.com/angelmondragon/photoproc/internal/transcode"
	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/idempotency"
	"github.com/angelmondragon/photoproc/pkg/logger"
	"github.com/angelmondragon/photoproc/pkg/metrics"
	"github.com/angelmondragon/photoproc/pkg/redis"
)

// ProcessorDeps are the resource handles a Processor is built from.
type ProcessorDeps struct {
	DB    *gorm.DB
	Blobs processing.BlobStore
	// Dedupe is optional; leave nil to run without the redis fast path.
	Dedupe     redis.IdempotencyStore
	Registerer prometheus.Registerer
}

// NewProcessor wires the photo pipeline from configuration.
func NewProcessor(cfg *config.Config, logg *logger.Logger, deps ProcessorDeps) (*processing.Processor, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.DB == nil {
		return nil, errors.New("database is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("blob store is required")
	}

	transcoder, err := transcode.NewTranscoder(transcode.Options{
		MaxWidth:  cfg.Processing.ThumbMaxWidth,
		MaxHeight: cfg.Processing.ThumbMaxHeight,
		Quality:   cfg.Processing.ThumbQuality,
	})
	if err != nil {
		return nil, fmt.Errorf("building transcoder: %w", err)
	}

	params := processing.Params{
		Records:     photos.NewRepository(deps.DB),
		Blobs:       deps.Blobs,
		Metadata:    exif.NewExtractor(),
		Transcoder:  transcoder,
		Logger:      logg,
		MaxAttempts: cfg.Processing.MaxAttempts,
		ThumbBucket: cfg.GCS.ThumbBucket(),
		ThumbPrefix: cfg.GCS.ThumbPrefix,
	}
	if deps.Registerer != nil {
		params.Metrics = metrics.NewProcessingMetrics(deps.Registerer)
	}
	if deps.Dedupe != nil {
		manager, err := idempotency.NewManager(deps.Dedupe, cfg.Processing.DedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("building dedupe manager: %w", err)
		}
		params.Dedupe = manager
	}

	return processing.NewProcessor(params)
}
