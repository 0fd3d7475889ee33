package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	ContentTypeJPEG = "image/jpeg"

	defaultMaxPixels = 100_000_000
)

// ErrTooManyPixels guards against decompression bombs.
var ErrTooManyPixels = errors.New("image exceeds pixel limit")

// Options bounds the generated thumbnail.
type Options struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
	MaxPixels int
}

// Rendition is the outcome of one transcode.
type Rendition struct {
	Width       int
	Height      int
	Thumbnail   []byte
	ContentType string
}

// Transcoder decodes originals and produces bounded JPEG thumbnails.
type Transcoder struct {
	opts Options
}

func NewTranscoder(opts Options) (*Transcoder, error) {
	if opts.MaxWidth <= 0 || opts.MaxHeight <= 0 {
		return nil, fmt.Errorf("thumbnail bounds must be positive, got %dx%d", opts.MaxWidth, opts.MaxHeight)
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 82
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = defaultMaxPixels
	}
	return &Transcoder{opts: opts}, nil
}

// Transcode reports the oriented pixel dimensions of data and a thumbnail that
// fits within the configured bounds. Images smaller than the bounds are not upscaled.
func (t *Transcoder) Transcode(ctx context.Context, data []byte) (Rendition, error) {
	if err := ctx.Err(); err != nil {
		return Rendition{}, err
	}
	if len(data) == 0 {
		return Rendition{}, errors.New("empty image")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Rendition{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width*cfg.Height > t.opts.MaxPixels {
		return Rendition{}, fmt.Errorf("%w: %s %dx%d", ErrTooManyPixels, format, cfg.Width, cfg.Height)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Rendition{}, fmt.Errorf("decode %s image: %w", format, err)
	}
	if err := ctx.Err(); err != nil {
		return Rendition{}, err
	}

	bounds := src.Bounds()
	thumb := imaging.Fit(src, t.opts.MaxWidth, t.opts.MaxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(t.opts.Quality)); err != nil {
		return Rendition{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	return Rendition{
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Thumbnail:   buf.Bytes(),
		ContentType: ContentTypeJPEG,
	}, nil
}
