package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/datatypes"

	"github.com/angelmondragon/photoproc/internal/delivery"
	"github.com/angelmondragon/photoproc/internal/exif"
	"github.com/angelmondragon/photoproc/internal/photos"
	"github.com/angelmondragon/photoproc/internal/transcode"
	"github.com/angelmondragon/photoproc/pkg/db/models"
	"github.com/angelmondragon/photoproc/pkg/enums"
	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
	"github.com/angelmondragon/photoproc/pkg/logger"
	"github.com/angelmondragon/photoproc/pkg/storage/gcs"
)

const (
	DefaultMaxAttempts = 5
	DefaultDedupeScope = "photo-processor"

	phaseExists    = "exists"
	phaseDownload  = "download"
	phaseMetadata  = "metadata"
	phaseTranscode = "transcode"
	phaseUpload    = "upload_thumbnail"
	phaseCommit    = "commit"
)

// Metrics receives pipeline observations.
type Metrics interface {
	IncOutcome(outcome string)
	ObservePhase(phase string, ok bool, d time.Duration)
	IncFailure(reason string)
	IncDedupeHit()
}

// Params wires a Processor. Records, Blobs, Metadata and Transcoder are required.
type Params struct {
	Records     RecordStore
	Blobs       BlobStore
	Metadata    MetadataExtractor
	Transcoder  Transcoder
	Logger      *logger.Logger
	Metrics     Metrics
	Dedupe      DeliveryDedupe
	DedupeScope string
	MaxAttempts int
	ThumbBucket string
	ThumbPrefix string
	Now         func() time.Time
	NewID       func() string
}

// Processor advances one photo record per delivery. It keeps no state between
// calls; concurrent deliveries are arbitrated by the conditional commit.
type Processor struct {
	records     RecordStore
	blobs       BlobStore
	metadata    MetadataExtractor
	transcoder  Transcoder
	logg        *logger.Logger
	metrics     Metrics
	dedupe      DeliveryDedupe
	dedupeScope string
	maxAttempts int
	thumbBucket string
	thumbPrefix string
	now         func() time.Time
	newID       func() string
}

func NewProcessor(p Params) (*Processor, error) {
	if p.Records == nil {
		return nil, errors.New("record store required")
	}
	if p.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if p.Metadata == nil {
		return nil, errors.New("metadata extractor required")
	}
	if p.Transcoder == nil {
		return nil, errors.New("transcoder required")
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.DedupeScope == "" {
		p.DedupeScope = DefaultDedupeScope
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.NewID == nil {
		p.NewID = uuid.NewString
	}
	return &Processor{
		records:     p.Records,
		blobs:       p.Blobs,
		metadata:    p.Metadata,
		transcoder:  p.Transcoder,
		logg:        p.Logger,
		metrics:     p.Metrics,
		dedupe:      p.Dedupe,
		dedupeScope: p.DedupeScope,
		maxAttempts: p.MaxAttempts,
		thumbBucket: strings.TrimSpace(p.ThumbBucket),
		thumbPrefix: strings.Trim(strings.TrimSpace(p.ThumbPrefix), "/"),
		now:         p.Now,
		newID:       p.NewID,
	}, nil
}

// MaxAttempts returns the configured attempt cap.
func (p *Processor) MaxAttempts() int {
	return p.maxAttempts
}

// Process runs the pipeline for job and reports how the delivery should be settled.
func (p *Processor) Process(ctx context.Context, job delivery.Job) (res Result) {
	start := p.now()
	ctx = p.logg.WithPhotoID(ctx, job.PhotoID)
	ctx = p.logg.WithDelivery(ctx, job.DeliveryID, job.Attempt)
	ctx = p.logg.WithField(ctx, "max_attempts", p.maxAttempts)
	ctx = p.logg.WithCorrelationID(ctx, job.CorrelationID)
	p.logg.Info(ctx, "photo.process.start")

	defer func() {
		if r := recover(); r != nil {
			err := pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("panic: %v", r)).WithReason(ReasonUnexpected)
			p.logg.Error(ctx, "photo.process.panic", err)
			res = p.fail(ctx, job, err)
		}
		p.finish(ctx, job, res, start)
	}()

	if p.alreadyResolved(ctx, job) {
		return Result{Outcome: OutcomeAckNoop, Reason: ReasonDuplicateDelivery}
	}
	return p.run(ctx, job, start)
}

func (p *Processor) run(ctx context.Context, job delivery.Job, start time.Time) Result {
	photo, err := p.records.FindByID(ctx, job.PhotoID)
	if err != nil {
		if errors.Is(err, photos.ErrNotFound) {
			p.logg.Warn(ctx, "photo record not found")
			return Result{Outcome: OutcomeAckNoop, Reason: ReasonRecordMissing}
		}
		return p.fail(ctx, job, transient(ReasonRecordLoadFailed, err, "loading photo record"))
	}

	if photo.Status.IsTerminal() {
		ctx = p.logg.WithField(ctx, "status", photo.Status.String())
		p.logg.Info(ctx, "photo already resolved, skipping")
		return Result{Outcome: OutcomeAckNoop, Reason: ReasonAlreadyResolved}
	}

	if !photo.Status.IsValid() {
		err := pkgerrors.New(pkgerrors.CodeDataIntegrity, fmt.Sprintf("photo status %q is not recognized", photo.Status)).
			WithReason(ReasonUnknownStatus)
		return p.fail(ctx, job, err)
	}

	if photo.Status != enums.PhotoStatusUploaded || photo.UploadedAt == nil {
		err := pkgerrors.New(pkgerrors.CodeTransientDependency, fmt.Sprintf("photo status %s is not ready for processing", photo.Status)).
			WithReason(ReasonNotUploaded)
		return p.fail(ctx, job, err)
	}

	bucket, objectPath, ok := photo.Location()
	if !ok {
		err := pkgerrors.New(pkgerrors.CodeDataIntegrity, "photo record has no source location").WithReason(ReasonMissingLocation)
		return p.fail(ctx, job, err)
	}

	fields, err := p.execute(ctx, job, photo, bucket, objectPath, start)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	var affected int64
	err = p.phase(ctx, phaseCommit, func() error {
		var commitErr error
		affected, commitErr = p.records.CommitProcessed(ctx, photo.ID, fields)
		return commitErr
	})
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			err = transient(ReasonCommitFailed, err, "committing processed photo")
		}
		return p.fail(ctx, job, err)
	}
	if affected == 0 {
		p.logg.Info(ctx, "photo committed by another delivery")
		return Result{Outcome: OutcomeAckNoop, Reason: ReasonCommitLostRace}
	}

	return Result{Outcome: OutcomeProcessed, Committed: &fields}
}

// execute performs every capability call up to, but not including, the commit.
func (p *Processor) execute(ctx context.Context, job delivery.Job, photo *models.Photo, bucket, objectPath string, start time.Time) (photos.ProcessedFields, error) {
	var exists bool
	if err := p.phase(ctx, phaseExists, func() error {
		var existsErr error
		exists, existsErr = p.blobs.Exists(ctx, bucket, objectPath)
		return existsErr
	}); err != nil {
		return photos.ProcessedFields{}, transient(ReasonExistsCheckFailed, err, "checking original object")
	}
	if !exists {
		return photos.ProcessedFields{}, pkgerrors.New(pkgerrors.CodeTransientDependency,
			fmt.Sprintf("original object gs://%s/%s not found", bucket, objectPath)).WithReason(ReasonObjectMissing)
	}

	var original []byte
	if err := p.phase(ctx, phaseDownload, func() error {
		var dlErr error
		original, dlErr = p.blobs.Download(ctx, bucket, objectPath)
		return dlErr
	}); err != nil {
		if errors.Is(err, gcs.ErrObjectNotFound) {
			return photos.ProcessedFields{}, transient(ReasonObjectMissing, err, "original object disappeared")
		}
		return photos.ProcessedFields{}, transient(ReasonDownloadFailed, err, "downloading original object")
	}

	md := p.extractMetadata(ctx, original)

	var rendition transcode.Rendition
	if err := p.phase(ctx, phaseTranscode, func() error {
		var tErr error
		rendition, tErr = p.transcoder.Transcode(ctx, original)
		return tErr
	}); err != nil {
		return photos.ProcessedFields{}, transient(ReasonTranscodeFailed, err, "transcoding original")
	}

	thumbBucket := p.thumbBucket
	if thumbBucket == "" {
		thumbBucket = bucket
	}
	thumbPath := p.thumbnailPath(photo.ID)
	contentType := rendition.ContentType
	if contentType == "" {
		contentType = transcode.ContentTypeJPEG
	}
	if err := p.phase(ctx, phaseUpload, func() error {
		return p.blobs.Upload(ctx, thumbBucket, thumbPath, rendition.Thumbnail, contentType)
	}); err != nil {
		return photos.ProcessedFields{}, transient(ReasonThumbnailUploadFailed, err, "uploading thumbnail")
	}

	now := p.now()
	fields := photos.ProcessedFields{
		Width:           rendition.Width,
		Height:          rendition.Height,
		TakenAt:         md.CapturedAt,
		Metadata:        encodeMetadata(md.Fields),
		ThumbBucket:     thumbBucket,
		ThumbObjectPath: thumbPath,
		ProcessedAt:     now,
		ProcessingMS:    now.Sub(start).Milliseconds(),
		Attempt:         job.Attempt,
	}
	if photo.SizeBytes == nil {
		size := int64(len(original))
		fields.SizeBytes = &size
	}
	return fields, nil
}

// extractMetadata never fails the pipeline.
func (p *Processor) extractMetadata(ctx context.Context, data []byte) (md exif.Metadata) {
	err := p.phase(ctx, phaseMetadata, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("metadata extractor panic: %v", r)
			}
		}()
		md, err = p.metadata.Extract(ctx, data)
		return err
	})
	if err != nil {
		p.logg.WarnErr(ctx, "metadata extraction degraded", err)
		return exif.Metadata{}
	}
	return md
}

// fail settles a pipeline failure by its kind. Retryable kinds are redelivered
// until the attempt cap and then written as ERROR; data integrity failures are
// written immediately; every other kind is acknowledged without a write.
func (p *Processor) fail(ctx context.Context, job delivery.Job, err error) Result {
	reason := pkgerrors.ReasonOf(err, ReasonUnexpected)
	if !pkgerrors.IsRetryable(err) {
		if typed := pkgerrors.As(err); typed != nil && pkgerrors.MetadataFor(typed.Code()).PersistsError {
			p.logg.WarnErr(ctx, "photo cannot be processed", err)
			return p.markError(ctx, job, err)
		}
		p.logg.WarnErr(ctx, "photo failure acknowledged without retry", err)
		return Result{Outcome: OutcomeAckNoop, Reason: reason, Err: err}
	}
	if job.Attempt < p.maxAttempts {
		p.logg.WarnErr(ctx, "photo processing failed, requesting redelivery", err)
		return Result{Outcome: OutcomeRetry, Reason: reason, Err: err}
	}
	p.logg.WarnErr(ctx, "photo processing exhausted attempts", err)
	return p.markError(ctx, job, err)
}

// markError persists the terminal failure. If the write itself fails the
// delivery is retried so the ERROR state is not lost.
func (p *Processor) markError(ctx context.Context, job delivery.Job, err error) Result {
	reason := pkgerrors.ReasonOf(err, ReasonUnexpected)
	affected, writeErr := p.records.MarkError(ctx, job.PhotoID, photos.Failure{
		Reason:  FormatReason(reason, err),
		Attempt: job.Attempt,
		At:      p.now(),
	})
	if writeErr != nil {
		p.logg.Error(ctx, "persisting photo error failed", writeErr)
		return Result{Outcome: OutcomeRetry, Reason: reason, Err: multierr.Append(err, writeErr)}
	}
	if affected == 0 {
		p.logg.Info(ctx, "photo resolved by another delivery before error write")
	}
	return Result{Outcome: OutcomeAckNoop, Reason: reason, ErrorWritten: affected > 0, Err: err}
}

func (p *Processor) phase(ctx context.Context, name string, fn func() error) error {
	started := p.now()
	err := fn()
	elapsed := p.now().Sub(started)
	if p.metrics != nil {
		p.metrics.ObservePhase(name, err == nil, elapsed)
	}
	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"phase":       name,
		"duration_ms": elapsed.Milliseconds(),
		"ok":          err == nil,
	}), "photo.phase")
	return err
}

func (p *Processor) alreadyResolved(ctx context.Context, job delivery.Job) bool {
	if p.dedupe == nil || job.DeliveryID == "" {
		return false
	}
	resolved, err := p.dedupe.Resolved(ctx, p.dedupeScope, job.DeliveryID)
	if err != nil {
		p.logg.WarnErr(ctx, "delivery dedupe lookup failed", err)
		return false
	}
	if resolved && p.metrics != nil {
		p.metrics.IncDedupeHit()
	}
	return resolved
}

func (p *Processor) finish(ctx context.Context, job delivery.Job, res Result, start time.Time) {
	if p.metrics != nil {
		p.metrics.IncOutcome(string(res.Outcome))
		if res.Err != nil {
			p.metrics.IncFailure(res.Reason)
		}
	}

	if res.Ack() && p.dedupe != nil && job.DeliveryID != "" && res.Reason != ReasonDuplicateDelivery {
		if _, err := p.dedupe.MarkResolved(context.WithoutCancel(ctx), p.dedupeScope, job.DeliveryID, string(res.Outcome)); err != nil {
			p.logg.WarnErr(ctx, "delivery dedupe mark failed", err)
		}
	}

	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"outcome":       string(res.Outcome),
		"reason":        res.Reason,
		"error_written": res.ErrorWritten,
		"duration_ms":   p.now().Sub(start).Milliseconds(),
	}), "photo.process.outcome")
}

// thumbnailPath builds <prefix>/YYYY/MM/DD/<photoId>-<random>.jpg. Each run
// gets a fresh path so retried uploads never collide.
func (p *Processor) thumbnailPath(photoID int64) string {
	now := p.now().UTC()
	name := fmt.Sprintf("%d-%s.jpg", photoID, p.newID())
	return path.Join(p.thumbPrefix, now.Format("2006"), now.Format("01"), now.Format("02"), name)
}

// FormatReason renders the stored error_reason as "<reason>: <detail>".
func FormatReason(reason string, err error) string {
	if err == nil {
		return reason
	}
	detail := err.Error()
	if typed := pkgerrors.As(err); typed != nil {
		detail = typed.Message()
		if cause := typed.Unwrap(); cause != nil {
			detail = detail + ": " + cause.Error()
		}
	}
	return photos.TruncateReason(reason + ": " + detail)
}

func encodeMetadata(fields map[string]string) datatypes.JSON {
	if len(fields) == 0 {
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func transient(reason string, err error, msg string) error {
	return pkgerrors.Wrap(pkgerrors.CodeTransientDependency, err, msg).WithReason(reason)
}
