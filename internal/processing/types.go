package processing

import (
	"context"

	"github.com/angelmondragon/photoproc/internal/exif"
	"github.com/angelmondragon/photoproc/internal/photos"
	"github.com/angelmondragon/photoproc/internal/transcode"
	"github.com/angelmondragon/photoproc/pkg/db/models"
)

// Outcome tells the transport what to do with a delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeRetry     Outcome = "retry"
	OutcomeAckNoop   Outcome = "ack_noop"
)

// Failure and skip reasons. Failure reasons prefix the stored error_reason.
const (
	ReasonObjectMissing         = "gcs_object_missing"
	ReasonExistsCheckFailed     = "gcs_exists_failed"
	ReasonDownloadFailed        = "gcs_download_failed"
	ReasonTranscodeFailed       = "transcode_failed"
	ReasonThumbnailUploadFailed = "thumbnail_upload_failed"
	ReasonCommitFailed          = "commit_failed"
	ReasonRecordLoadFailed      = "record_load_failed"
	ReasonNotUploaded           = "not_uploaded"
	ReasonMissingLocation       = "missing_location"
	ReasonUnknownStatus         = "unknown_status"
	ReasonUnexpected            = "unexpected_error"

	ReasonRecordMissing     = "record_missing"
	ReasonAlreadyResolved   = "already_resolved"
	ReasonDuplicateDelivery = "duplicate_delivery"
	ReasonCommitLostRace    = "commit_lost_race"
)

// Result is the outcome of one Process call.
type Result struct {
	Outcome Outcome
	Reason  string
	// ErrorWritten is set when this invocation moved the record to ERROR.
	ErrorWritten bool
	// Committed holds the fields written by a successful commit.
	Committed *photos.ProcessedFields
	Err       error
}

// Ack reports whether the delivery should be acknowledged.
func (r Result) Ack() bool {
	return r.Outcome != OutcomeRetry
}

// RecordStore is the slice of the photos repository the pipeline needs.
type RecordStore interface {
	FindByID(ctx context.Context, id int64) (*models.Photo, error)
	CommitProcessed(ctx context.Context, id int64, fields photos.ProcessedFields) (int64, error)
	MarkError(ctx context.Context, id int64, failure photos.Failure) (int64, error)
}

// BlobStore reads originals and writes thumbnails.
type BlobStore interface {
	Exists(ctx context.Context, bucket, path string) (bool, error)
	Download(ctx context.Context, bucket, path string) ([]byte, error)
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
}

type MetadataExtractor interface {
	Extract(ctx context.Context, data []byte) (exif.Metadata, error)
}

type Transcoder interface {
	Transcode(ctx context.Context, data []byte) (transcode.Rendition, error)
}

// DeliveryDedupe short-circuits deliveries that were already resolved.
type DeliveryDedupe interface {
	Resolved(ctx context.Context, consumer, deliveryID string) (bool, error)
	MarkResolved(ctx context.Context, consumer, deliveryID, outcome string) (bool, error)
}
