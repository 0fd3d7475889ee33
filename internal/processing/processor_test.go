package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/photoproc/internal/delivery"
	"github.com/angelmondragon/photoproc/internal/exif"
	"github.com/angelmondragon/photoproc/internal/photos"
	"github.com/angelmondragon/photoproc/internal/transcode"
	"github.com/angelmondragon/photoproc/pkg/db/models"
	"github.com/angelmondragon/photoproc/pkg/enums"
	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
)

var fixedNow = time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func uploadedPhoto(id int64) models.Photo {
	uploadedAt := fixedNow.Add(-time.Minute)
	return models.Photo{
		ID:          id,
		Status:      enums.PhotoStatusUploaded,
		Bucket:      strPtr("b"),
		ObjectPath:  strPtr("uploads/x.jpg"),
		ContentType: strPtr("image/jpeg"),
		UploadedAt:  &uploadedAt,
	}
}

type harness struct {
	records *memoryRecords
	blobs   *memoryBlobs
	metrics *recordingMetrics
	proc    *Processor
}

func newHarness(t *testing.T, extractor MetadataExtractor, transcoder Transcoder, rows ...models.Photo) *harness {
	t.Helper()
	h := &harness{
		records: newMemoryRecords(rows...),
		blobs:   newMemoryBlobs(),
		metrics: newRecordingMetrics(),
	}
	proc, err := NewProcessor(Params{
		Records:     h.records,
		Blobs:       h.blobs,
		Metadata:    extractor,
		Transcoder:  transcoder,
		Metrics:     h.metrics,
		MaxAttempts: 5,
		ThumbBucket: "thumbs",
		ThumbPrefix: "thumbnails",
		Now:         func() time.Time { return fixedNow },
		NewID:       func() string { return "fixed" },
	})
	require.NoError(t, err)
	h.proc = proc
	return h
}

func defaultExtractor() stubExtractor {
	taken := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return stubExtractor{md: exif.Metadata{
		Fields:     map[string]string{"Make": "Canon", "DateTimeOriginal": "2024:01:01 00:00:00"},
		CapturedAt: &taken,
	}}
}

func defaultTranscoder() stubTranscoder {
	return stubTranscoder{rendition: transcode.Rendition{
		Width:       800,
		Height:      600,
		Thumbnail:   []byte("thumb"),
		ContentType: transcode.ContentTypeJPEG,
	}}
}

func TestProcessCommitsUploadedPhoto(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original-bytes"))

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	require.Equal(t, OutcomeProcessed, res.Outcome)
	assert.True(t, res.Ack())
	assert.NoError(t, res.Err)

	row := h.records.get(42)
	assert.Equal(t, enums.PhotoStatusProcessed, row.Status)
	require.NotNil(t, row.Width)
	require.NotNil(t, row.Height)
	assert.Equal(t, 800, *row.Width)
	assert.Equal(t, 600, *row.Height)
	require.NotNil(t, row.TakenAt)
	assert.True(t, row.TakenAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, row.ThumbBucket)
	require.NotNil(t, row.ThumbObjectPath)
	assert.Equal(t, "thumbs", *row.ThumbBucket)
	assert.Equal(t, "thumbnails/2025/03/07/42-fixed.jpg", *row.ThumbObjectPath)
	assert.Nil(t, row.ErrorReason)
	require.NotNil(t, row.ProcessedAt)
	assert.Equal(t, 1, row.ProcessedAttempt)
	require.NotNil(t, row.SizeBytes)
	assert.Equal(t, int64(len("original-bytes")), *row.SizeBytes)

	var md map[string]string
	require.NoError(t, json.Unmarshal(row.Metadata, &md))
	assert.Equal(t, "Canon", md["Make"])

	require.Len(t, h.blobs.uploads, 1)
	assert.Equal(t, transcode.ContentTypeJPEG, h.blobs.uploads[0].contentType)
	assert.Equal(t, 1, h.metrics.outcomes[string(OutcomeProcessed)])
	assert.Equal(t, 1, h.metrics.phases[phaseCommit])
}

func TestProcessSkipsTerminalRecordsWithoutBlobCalls(t *testing.T) {
	for _, status := range []enums.PhotoStatus{enums.PhotoStatusProcessed, enums.PhotoStatusError} {
		t.Run(status.String(), func(t *testing.T) {
			row := uploadedPhoto(7)
			row.Status = status
			h := newHarness(t, defaultExtractor(), defaultTranscoder(), row)

			res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 7, Attempt: 3})

			assert.Equal(t, OutcomeAckNoop, res.Outcome)
			assert.Equal(t, ReasonAlreadyResolved, res.Reason)
			assert.True(t, res.Ack())
			assert.Zero(t, h.blobs.callCount())
			assert.Equal(t, status, h.records.get(7).Status)
		})
	}
}

func TestProcessMissingObjectRetriesUntilCap(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))

	for attempt := 1; attempt < 5; attempt++ {
		res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: attempt})
		require.Equal(t, OutcomeRetry, res.Outcome, "attempt %d", attempt)
		assert.False(t, res.Ack())
		assert.Equal(t, ReasonObjectMissing, res.Reason)
		assert.Equal(t, enums.PhotoStatusUploaded, h.records.get(42).Status)
	}

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 5})
	require.Equal(t, OutcomeAckNoop, res.Outcome)
	assert.True(t, res.Ack())
	assert.True(t, res.ErrorWritten)

	row := h.records.get(42)
	assert.Equal(t, enums.PhotoStatusError, row.Status)
	require.NotNil(t, row.ErrorReason)
	assert.Contains(t, *row.ErrorReason, ReasonObjectMissing)
	require.NotNil(t, row.ErrorAt)
	assert.Equal(t, 5, row.ProcessedAttempt)
	assert.Empty(t, h.blobs.uploads)
}

func TestProcessAttemptBeyondCapStillGivesUp(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 9})

	assert.Equal(t, OutcomeAckNoop, res.Outcome)
	assert.Equal(t, enums.PhotoStatusError, h.records.get(42).Status)
}

func TestProcessRetriesWhenErrorWriteFails(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.records.errorErr = errors.New("db down")

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 5})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.False(t, res.ErrorWritten)
	assert.ErrorContains(t, res.Err, "db down")
	assert.Equal(t, enums.PhotoStatusUploaded, h.records.get(42).Status)
}

func TestProcessMissingRecordAcks(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder())

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 404, Attempt: 1})

	assert.Equal(t, OutcomeAckNoop, res.Outcome)
	assert.Equal(t, ReasonRecordMissing, res.Reason)
	assert.Zero(t, h.blobs.callCount())
}

func TestProcessRecordLoadFailureRetries(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.records.loadErr = errors.New("connection refused")

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ReasonRecordLoadFailed, res.Reason)
}

func TestProcessNotYetUploadedRetries(t *testing.T) {
	pending := uploadedPhoto(42)
	pending.Status = enums.PhotoStatusPending
	pending.UploadedAt = nil
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), pending)

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ReasonNotUploaded, res.Reason)
	assert.Zero(t, h.blobs.callCount())
}

func TestProcessUploadedWithoutTimestampRetries(t *testing.T) {
	row := uploadedPhoto(42)
	row.UploadedAt = nil
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), row)

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 2})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ReasonNotUploaded, res.Reason)
}

func TestProcessMissingLocationWritesErrorImmediately(t *testing.T) {
	row := uploadedPhoto(42)
	row.ObjectPath = nil
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), row)

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeAckNoop, res.Outcome)
	assert.True(t, res.ErrorWritten)
	assert.Equal(t, ReasonMissingLocation, res.Reason)
	stored := h.records.get(42)
	assert.Equal(t, enums.PhotoStatusError, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, ReasonMissingLocation)
	assert.Zero(t, h.blobs.callCount())
}

func TestProcessUnknownStatusWritesErrorImmediately(t *testing.T) {
	row := uploadedPhoto(42)
	row.Status = enums.PhotoStatus("ARCHIVED")
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), row)

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeAckNoop, res.Outcome)
	assert.True(t, res.ErrorWritten)
	assert.Equal(t, ReasonUnknownStatus, res.Reason)
	assert.Equal(t, enums.PhotoStatusError, h.records.get(42).Status)
	assert.Zero(t, h.blobs.callCount())
}

func TestProcessCommitFailureSettlesByKind(t *testing.T) {
	rejected := pkgerrors.Wrap(pkgerrors.CodeDataIntegrity, errors.New("value too long"), "database rejected processed fields").
		WithReason(photos.ReasonRecordRejected)

	cases := []struct {
		name        string
		err         error
		wantOutcome Outcome
		wantReason  string
		wantWritten bool
		wantStatus  enums.PhotoStatus
	}{
		{
			name:        "connection failure retries",
			err:         errors.New("connection reset by peer"),
			wantOutcome: OutcomeRetry,
			wantReason:  ReasonCommitFailed,
			wantStatus:  enums.PhotoStatusUploaded,
		},
		{
			name:        "rejected write fails on first attempt",
			err:         rejected,
			wantOutcome: OutcomeAckNoop,
			wantReason:  photos.ReasonRecordRejected,
			wantWritten: true,
			wantStatus:  enums.PhotoStatusError,
		},
		{
			name:        "already resolved kind acks without write",
			err:         pkgerrors.New(pkgerrors.CodeAlreadyResolved, "resolved elsewhere").WithReason(ReasonAlreadyResolved),
			wantOutcome: OutcomeAckNoop,
			wantReason:  ReasonAlreadyResolved,
			wantStatus:  enums.PhotoStatusUploaded,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
			h.blobs.put("b", "uploads/x.jpg", []byte("original"))
			h.records.commitErr = tc.err

			res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

			assert.Equal(t, tc.wantOutcome, res.Outcome)
			assert.Equal(t, tc.wantReason, res.Reason)
			assert.Equal(t, tc.wantWritten, res.ErrorWritten)
			assert.Equal(t, tc.wantStatus, h.records.get(42).Status)
		})
	}
}

func TestProcessDegradedMetadataStillCommits(t *testing.T) {
	cases := map[string]stubExtractor{
		"error": {err: errors.New("no exif")},
		"panic": {panic: true},
	}
	for name, extractor := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, extractor, defaultTranscoder(), uploadedPhoto(42))
			h.blobs.put("b", "uploads/x.jpg", []byte("original"))

			res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

			require.Equal(t, OutcomeProcessed, res.Outcome)
			row := h.records.get(42)
			assert.Nil(t, row.TakenAt)
			assert.Empty(t, row.Metadata)
		})
	}
}

func TestProcessTranscodeFailureRetries(t *testing.T) {
	h := newHarness(t, defaultExtractor(), stubTranscoder{err: errors.New("unsupported format")}, uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original"))

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ReasonTranscodeFailed, res.Reason)
	assert.Equal(t, 1, h.metrics.failures[ReasonTranscodeFailed])
}

func TestProcessUploadFailureRetries(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original"))
	h.blobs.uploadErr = errors.New("503 from storage")

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ReasonThumbnailUploadFailed, res.Reason)
	assert.Equal(t, enums.PhotoStatusUploaded, h.records.get(42).Status)
}

func TestProcessDownloadFailureRetries(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original"))
	h.blobs.downloadErr = errors.New("connection reset")

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ReasonDownloadFailed, res.Reason)
}

func TestProcessLostCommitRaceAcks(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original"))
	h.records.beforeCommit = func() {
		h.records.mu.Lock()
		row := h.records.rows[42]
		row.Status = enums.PhotoStatusProcessed
		h.records.rows[42] = row
		h.records.mu.Unlock()
	}

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeAckNoop, res.Outcome)
	assert.Equal(t, ReasonCommitLostRace, res.Reason)
	assert.NoError(t, res.Err)
	assert.Zero(t, h.records.commits)
}

func TestProcessConcurrentDuplicatesCommitOnce(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original"))

	const workers = 8
	var (
		wg      sync.WaitGroup
		release = make(chan struct{})
		results = make([]Result, workers)
	)
	h.records.beforeCommit = func() { <-release }

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: i%3 + 1})
		}(i)
	}
	close(release)
	wg.Wait()

	processed := 0
	for _, res := range results {
		assert.True(t, res.Ack())
		if res.Outcome == OutcomeProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, h.records.commits)
	assert.Equal(t, enums.PhotoStatusProcessed, h.records.get(42).Status)
}

func TestProcessRecoversFromPanic(t *testing.T) {
	h := newHarness(t, defaultExtractor(), stubTranscoder{panic: true}, uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original"))

	res := h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1})
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, ReasonUnexpected, res.Reason)

	res = h.proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 5})
	assert.Equal(t, OutcomeAckNoop, res.Outcome)
	row := h.records.get(42)
	assert.Equal(t, enums.PhotoStatusError, row.Status)
	require.NotNil(t, row.ErrorReason)
	assert.Contains(t, *row.ErrorReason, ReasonUnexpected)
}

func TestProcessCanceledContextRetries(t *testing.T) {
	h := newHarness(t, defaultExtractor(), defaultTranscoder(), uploadedPhoto(42))
	h.blobs.put("b", "uploads/x.jpg", []byte("original"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.proc.Process(ctx, delivery.Job{PhotoID: 42, Attempt: 1})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestProcessDedupeShortCircuitsResolvedDelivery(t *testing.T) {
	records := newMemoryRecords(uploadedPhoto(42))
	blobs := newMemoryBlobs()
	blobs.put("b", "uploads/x.jpg", []byte("original"))
	dedupe := newMemoryDedupe()
	metrics := newRecordingMetrics()
	proc, err := NewProcessor(Params{
		Records:    records,
		Blobs:      blobs,
		Metadata:   defaultExtractor(),
		Transcoder: defaultTranscoder(),
		Dedupe:     dedupe,
		Metrics:    metrics,
	})
	require.NoError(t, err)

	job := delivery.Job{PhotoID: 42, Attempt: 1, DeliveryID: "msg-1"}
	first := proc.Process(context.Background(), job)
	require.Equal(t, OutcomeProcessed, first.Outcome)
	assert.Equal(t, string(OutcomeProcessed), dedupe.resolved[DefaultDedupeScope+":msg-1"])

	calls := blobs.callCount()
	second := proc.Process(context.Background(), job)
	assert.Equal(t, OutcomeAckNoop, second.Outcome)
	assert.Equal(t, ReasonDuplicateDelivery, second.Reason)
	assert.Equal(t, calls, blobs.callCount())
	assert.Equal(t, 1, metrics.dedupe)
}

func TestProcessDedupeNeverMarksRetries(t *testing.T) {
	dedupe := newMemoryDedupe()
	proc, err := NewProcessor(Params{
		Records:    newMemoryRecords(uploadedPhoto(42)),
		Blobs:      newMemoryBlobs(),
		Metadata:   defaultExtractor(),
		Transcoder: defaultTranscoder(),
		Dedupe:     dedupe,
	})
	require.NoError(t, err)

	res := proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 1, DeliveryID: "msg-2"})

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Empty(t, dedupe.resolved)
}

func TestProcessWithRealTranscoder(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	for y := 0; y < 600; y += 10 {
		for x := 0; x < 800; x += 10 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	tc, err := transcode.NewTranscoder(transcode.Options{MaxWidth: 512, MaxHeight: 512, Quality: 80})
	require.NoError(t, err)

	proc, err := NewProcessor(Params{
		Records:     newMemoryRecords(uploadedPhoto(42)),
		Blobs:       newMemoryBlobs(),
		Metadata:    exif.NewExtractor(),
		Transcoder:  tc,
		ThumbPrefix: "/thumbnails/",
	})
	require.NoError(t, err)
	records := proc.records.(*memoryRecords)
	blobs := proc.blobs.(*memoryBlobs)
	blobs.put("b", "uploads/x.jpg", buf.Bytes())

	res := proc.Process(context.Background(), delivery.Job{PhotoID: 42, Attempt: 2})

	require.Equal(t, OutcomeProcessed, res.Outcome)
	row := records.get(42)
	assert.Equal(t, 800, *row.Width)
	assert.Equal(t, 600, *row.Height)
	assert.Nil(t, row.TakenAt)
	assert.Equal(t, "b", *row.ThumbBucket)
	assert.Regexp(t, regexp.MustCompile(`^thumbnails/\d{4}/\d{2}/\d{2}/42-[0-9a-f-]{36}\.jpg$`), *row.ThumbObjectPath)
	require.Len(t, blobs.uploads, 1)
	assert.NotEmpty(t, blobs.uploads[0].data)
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(Params{})
	assert.Error(t, err)

	_, err = NewProcessor(Params{
		Records:     newMemoryRecords(),
		Blobs:       newMemoryBlobs(),
		Metadata:    defaultExtractor(),
		Transcoder:  defaultTranscoder(),
		MaxAttempts: -1,
	})
	assert.Error(t, err)

	proc, err := NewProcessor(Params{
		Records:    newMemoryRecords(),
		Blobs:      newMemoryBlobs(),
		Metadata:   defaultExtractor(),
		Transcoder: defaultTranscoder(),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, proc.MaxAttempts())
}

func TestFormatReason(t *testing.T) {
	assert.Equal(t, "commit_failed", FormatReason("commit_failed", nil))
	assert.Equal(t, "x: boom", FormatReason("x", errors.New("boom")))
	err := transient(ReasonDownloadFailed, errors.New("reset"), "downloading original object")
	assert.Equal(t, "gcs_download_failed: downloading original object: reset", FormatReason(ReasonDownloadFailed, err))
}
