package processing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/photoproc/internal/exif"
	"github.com/angelmondragon/photoproc/internal/photos"
	"github.com/angelmondragon/photoproc/internal/transcode"
	"github.com/angelmondragon/photoproc/pkg/db/models"
	"github.com/angelmondragon/photoproc/pkg/enums"
	"github.com/angelmondragon/photoproc/pkg/storage/gcs"
)

// memoryRecords mimics the conditional writes of photos.Repository.
type memoryRecords struct {
	mu       sync.Mutex
	rows     map[int64]models.Photo
	loadErr   error
	commitErr error
	errorErr  error
	commits   int
	// beforeCommit runs outside the lock just before the conditional update.
	beforeCommit func()
}

func newMemoryRecords(rows ...models.Photo) *memoryRecords {
	m := &memoryRecords{rows: map[int64]models.Photo{}}
	for _, row := range rows {
		m.rows[row.ID] = row
	}
	return m
}

func (m *memoryRecords) FindByID(_ context.Context, id int64) (*models.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	row, ok := m.rows[id]
	if !ok {
		return nil, photos.ErrNotFound
	}
	return &row, nil
}

func (m *memoryRecords) CommitProcessed(_ context.Context, id int64, fields photos.ProcessedFields) (int64, error) {
	if m.beforeCommit != nil {
		m.beforeCommit()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return 0, m.commitErr
	}
	row, ok := m.rows[id]
	if !ok || row.Status != enums.PhotoStatusUploaded || row.UploadedAt == nil {
		return 0, nil
	}
	row.Status = enums.PhotoStatusProcessed
	row.Width = &fields.Width
	row.Height = &fields.Height
	row.TakenAt = fields.TakenAt
	row.Metadata = fields.Metadata
	row.ThumbBucket = &fields.ThumbBucket
	row.ThumbObjectPath = &fields.ThumbObjectPath
	processedAt := fields.ProcessedAt
	row.ProcessedAt = &processedAt
	row.ProcessingMS = &fields.ProcessingMS
	if fields.Attempt > row.ProcessedAttempt {
		row.ProcessedAttempt = fields.Attempt
	}
	if row.SizeBytes == nil {
		row.SizeBytes = fields.SizeBytes
	}
	row.ErrorReason = nil
	row.ErrorAt = nil
	m.rows[id] = row
	m.commits++
	return 1, nil
}

func (m *memoryRecords) MarkError(_ context.Context, id int64, failure photos.Failure) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errorErr != nil {
		return 0, m.errorErr
	}
	row, ok := m.rows[id]
	if !ok || row.Status.IsTerminal() {
		return 0, nil
	}
	row.Status = enums.PhotoStatusError
	reason := photos.TruncateReason(failure.Reason)
	row.ErrorReason = &reason
	at := failure.At
	row.ErrorAt = &at
	if failure.Attempt > row.ProcessedAttempt {
		row.ProcessedAttempt = failure.Attempt
	}
	m.rows[id] = row
	return 1, nil
}

func (m *memoryRecords) get(id int64) models.Photo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type upload struct {
	bucket      string
	path        string
	data        []byte
	contentType string
}

type memoryBlobs struct {
	mu          sync.Mutex
	objects     map[string][]byte
	existsErr   error
	downloadErr error
	uploadErr   error
	uploads     []upload
	calls       int
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}}
}

func (b *memoryBlobs) put(bucket, path string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[bucket+"/"+path] = data
}

func (b *memoryBlobs) Exists(ctx context.Context, bucket, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if b.existsErr != nil {
		return false, b.existsErr
	}
	_, ok := b.objects[bucket+"/"+path]
	return ok, nil
}

func (b *memoryBlobs) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.downloadErr != nil {
		return nil, b.downloadErr
	}
	data, ok := b.objects[bucket+"/"+path]
	if !ok {
		return nil, fmt.Errorf("gs://%s/%s: %w", bucket, path, gcs.ErrObjectNotFound)
	}
	return data, nil
}

func (b *memoryBlobs) Upload(_ context.Context, bucket, path string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.uploadErr != nil {
		return b.uploadErr
	}
	b.uploads = append(b.uploads, upload{bucket: bucket, path: path, data: data, contentType: contentType})
	b.objects[bucket+"/"+path] = data
	return nil
}

func (b *memoryBlobs) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type stubExtractor struct {
	md    exif.Metadata
	err   error
	panic bool
}

func (s stubExtractor) Extract(context.Context, []byte) (exif.Metadata, error) {
	if s.panic {
		panic("corrupt exif")
	}
	return s.md, s.err
}

type stubTranscoder struct {
	rendition transcode.Rendition
	err       error
	panic     bool
}

func (s stubTranscoder) Transcode(context.Context, []byte) (transcode.Rendition, error) {
	if s.panic {
		panic("decoder exploded")
	}
	return s.rendition, s.err
}

type memoryDedupe struct {
	mu       sync.Mutex
	resolved map[string]string
}

func newMemoryDedupe() *memoryDedupe {
	return &memoryDedupe{resolved: map[string]string{}}
}

func (d *memoryDedupe) Resolved(_ context.Context, consumer, deliveryID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.resolved[consumer+":"+deliveryID]
	return ok, nil
}

func (d *memoryDedupe) MarkResolved(_ context.Context, consumer, deliveryID, outcome string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := consumer + ":" + deliveryID
	if _, ok := d.resolved[key]; ok {
		return false, nil
	}
	d.resolved[key] = outcome
	return true, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	failures map[string]int
	phases   map[string]int
	dedupe   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: map[string]int{}, failures: map[string]int{}, phases: map[string]int{}}
}

func (r *recordingMetrics) IncOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *recordingMetrics) ObservePhase(phase string, _ bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[phase]++
}

func (r *recordingMetrics) IncFailure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[reason]++
}

func (r *recordingMetrics) IncDedupeHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dedupe++
}
