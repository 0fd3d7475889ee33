package photos

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/photoproc/pkg/db"
	"github.com/angelmondragon/photoproc/pkg/db/models"
	"github.com/angelmondragon/photoproc/pkg/enums"
	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
)

// MaxErrorReasonLen bounds the error_reason column.
const MaxErrorReasonLen = 512

// ReasonRecordRejected tags commits the database refused for the values written.
const ReasonRecordRejected = "record_rejected"

// ErrNotFound is returned when no photo matches the id.
var ErrNotFound = errors.New("photo not found")

// ProcessedFields are written by a successful processing run.
type ProcessedFields struct {
	Width           int
	Height          int
	TakenAt         *time.Time
	Metadata        datatypes.JSON
	ThumbBucket     string
	ThumbObjectPath string
	ProcessedAt     time.Time
	ProcessingMS    int64
	Attempt         int
	SizeBytes       *int64
}

// Failure is written when a record is given up on.
type Failure struct {
	Reason  string
	Attempt int
	At      time.Time
}

// Repository exposes photo persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a photo repository bound to the provided GORM DB.
func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{db: conn}
}


// FindByID retrieves a photo record by ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*models.Photo, error) {
	var p models.Photo
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CommitProcessed moves an UPLOADED record to PROCESSED. The guard is
// evaluated in the same statement as the write; zero rows affected means
// another delivery already resolved the record.
func (r *Repository) CommitProcessed(ctx context.Context, id int64, fields ProcessedFields) (int64, error) {
	processedAt := fields.ProcessedAt.UTC()
	updates := map[string]any{
		"status":            enums.PhotoStatusProcessed.String(),
		"width":             fields.Width,
		"height":            fields.Height,
		"taken_at":          utcPtr(fields.TakenAt),
		"metadata":          fields.Metadata,
		"thumb_bucket":      fields.ThumbBucket,
		"thumb_object_path": fields.ThumbObjectPath,
		"processed_at":      processedAt,
		"processing_ms":     fields.ProcessingMS,
		"processed_attempt": maxAttemptExpr(fields.Attempt),
		"error_reason":      nil,
		"error_at":          nil,
	}
	if fields.SizeBytes != nil {
		updates["size_bytes"] = gorm.Expr("COALESCE(size_bytes, ?)", *fields.SizeBytes)
	}

	res := r.db.WithContext(ctx).
		Model(&models.Photo{}).
		Where("id = ? AND status = ? AND uploaded_at IS NOT NULL", id, enums.PhotoStatusUploaded.String()).
		Updates(updates)
	if res.Error != nil {
		if db.IsRejected(res.Error) {
			return 0, pkgerrors.Wrap(pkgerrors.CodeDataIntegrity, res.Error, "database rejected processed fields").
				WithReason(ReasonRecordRejected)
		}
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// MarkError moves a non-terminal record to ERROR. Records that already reached
// PROCESSED or ERROR are left untouched.
func (r *Repository) MarkError(ctx context.Context, id int64, failure Failure) (int64, error) {
	at := failure.At.UTC()
	res := r.db.WithContext(ctx).
		Model(&models.Photo{}).
		Where("id = ? AND status NOT IN ?", id, []string{enums.PhotoStatusProcessed.String(), enums.PhotoStatusError.String()}).
		Updates(map[string]any{
			"status":            enums.PhotoStatusError.String(),
			"error_reason":      TruncateReason(failure.Reason),
			"error_at":          at,
			"processed_attempt": maxAttemptExpr(failure.Attempt),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ListStaleUploaded returns UPLOADED records whose upload landed before cutoff,
// oldest first.
func (r *Repository) ListStaleUploaded(ctx context.Context, cutoff time.Time, limit int) ([]models.Photo, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Photo
	err := r.db.WithContext(ctx).
		Where("status = ? AND uploaded_at IS NOT NULL AND uploaded_at < ?", enums.PhotoStatusUploaded.String(), cutoff.UTC()).
		Order("uploaded_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TruncateReason clips s to MaxErrorReasonLen bytes without splitting a rune.
func TruncateReason(s string) string {
	if len(s) <= MaxErrorReasonLen {
		return s
	}
	cut := MaxErrorReasonLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// maxAttemptExpr keeps processed_attempt from moving backwards.
func maxAttemptExpr(attempt int) clause.Expr {
	return gorm.Expr("CASE WHEN processed_attempt > ? THEN processed_attempt ELSE ? END", attempt, attempt)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
