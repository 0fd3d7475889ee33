package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/photoproc/pkg/enums"
)

// Photo is the durable record advanced by the processing pipeline.
type Photo struct {
	ID     int64             `gorm:"column:id;primaryKey;autoIncrement"`
	Status enums.PhotoStatus `gorm:"column:status;type:varchar(16);not null"`

	Bucket      *string `gorm:"column:bucket"`
	ObjectPath  *string `gorm:"column:object_path"`
	ContentType *string `gorm:"column:content_type"`
	SizeBytes   *int64  `gorm:"column:size_bytes"`

	Width    *int           `gorm:"column:width"`
	Height   *int           `gorm:"column:height"`
	TakenAt  *time.Time     `gorm:"column:taken_at"`
	Metadata datatypes.JSON `gorm:"column:metadata"`

	ThumbBucket     *string `gorm:"column:thumb_bucket"`
	ThumbObjectPath *string `gorm:"column:thumb_object_path"`

	ProcessedAt      *time.Time `gorm:"column:processed_at"`
	ProcessingMS     *int64     `gorm:"column:processing_ms"`
	ProcessedAttempt int        `gorm:"column:processed_attempt;not null;default:0"`

	ErrorReason *string    `gorm:"column:error_reason"`
	ErrorAt     *time.Time `gorm:"column:error_at"`

	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UploadedAt *time.Time `gorm:"column:uploaded_at"`
}

func (Photo) TableName() string { return "photos" }

// Location returns the original object location when both halves are set.
func (p *Photo) Location() (bucket, path string, ok bool) {
	if p == nil || p.Bucket == nil || p.ObjectPath == nil {
		return "", "", false
	}
	if *p.Bucket == "" || *p.ObjectPath == "" {
		return "", "", false
	}
	return *p.Bucket, *p.ObjectPath, true
}
