package exif

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
)

const (
	timeLayout  = "2006:01:02 15:04:05"
	maxValueLen = 256

	ReasonMetadataUnavailable = "metadata_unavailable"
)

// skipped tags carry binary blobs that are useless in the metadata bag.
var skipped = map[goexif.FieldName]struct{}{
	goexif.MakerNote:                  {},
	goexif.UserComment:                {},
	goexif.ExifIFDPointer:             {},
	goexif.GPSInfoIFDPointer:          {},
	goexif.InteroperabilityIFDPointer: {},
}

// Metadata is the best-effort result of reading EXIF tags.
type Metadata struct {
	Fields     map[string]string
	CapturedAt *time.Time
}

// Extractor reads EXIF data from original image bytes.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract never panics. Any failure comes back as a CAPABILITY_DEGRADED error
// and an empty Metadata; callers continue without metadata.
func (e *Extractor) Extract(ctx context.Context, data []byte) (md Metadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			md = Metadata{}
			err = degraded(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return Metadata{}, degraded(err)
	}
	if len(data) == 0 {
		return Metadata{}, degraded(fmt.Errorf("empty input"))
	}

	x, err := goexif.Decode(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, degraded(err)
	}

	w := &fieldWalker{fields: map[string]string{}}
	if err := x.Walk(w); err != nil {
		return Metadata{}, degraded(err)
	}

	if lat, long, err := x.LatLong(); err == nil {
		w.fields["GPSLatitudeDecimal"] = strconv.FormatFloat(lat, 'f', 6, 64)
		w.fields["GPSLongitudeDecimal"] = strconv.FormatFloat(long, 'f', 6, 64)
	}

	md = Metadata{Fields: w.fields, CapturedAt: capturedAt(x)}
	if len(md.Fields) == 0 {
		md.Fields = nil
	}
	return md, nil
}

// capturedAt prefers DateTimeOriginal over DateTime. EXIF timestamps carry no
// zone, so they are read as UTC.
func capturedAt(x *goexif.Exif) *time.Time {
	for _, name := range []goexif.FieldName{goexif.DateTimeOriginal, goexif.DateTime} {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		raw, err := tag.StringVal()
		if err != nil {
			continue
		}
		if t, ok := ParseTimestamp(raw); ok {
			return &t
		}
	}
	return nil
}

// ParseTimestamp parses an EXIF "YYYY:MM:DD HH:MM:SS" value as UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(strings.TrimRight(raw, "\x00"))
	if raw == "" || strings.HasPrefix(raw, "0000:00:00") {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timeLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type fieldWalker struct {
	fields map[string]string
}

func (w *fieldWalker) Walk(name goexif.FieldName, tag *tiff.Tag) error {
	if _, skip := skipped[name]; skip || tag == nil {
		return nil
	}
	var value string
	if tag.Format() == tiff.StringVal {
		s, err := tag.StringVal()
		if err != nil {
			return nil
		}
		value = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	} else {
		value = tag.String()
	}
	if value == "" || len(value) > maxValueLen {
		return nil
	}
	w.fields[string(name)] = value
	return nil
}

func degraded(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeCapabilityDegraded, err, "metadata extraction failed").WithReason(ReasonMetadataUnavailable)
}
