package transcode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestTranscoder(t *testing.T) *Transcoder {
	t.Helper()
	tr, err := NewTranscoder(Options{MaxWidth: 512, MaxHeight: 512, Quality: 82})
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	return tr
}

func TestTranscodeBoundsThumbnail(t *testing.T) {
	out, err := newTestTranscoder(t).Transcode(context.Background(), encodePNG(t, 800, 600))
	if err != nil {
		t.Fatalf("Transcode returned error: %v", err)
	}
	if out.Width != 800 || out.Height != 600 {
		t.Fatalf("expected native 800x600, got %dx%d", out.Width, out.Height)
	}
	if out.ContentType != ContentTypeJPEG {
		t.Fatalf("unexpected content type %q", out.ContentType)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out.Thumbnail))
	if err != nil {
		t.Fatalf("thumbnail is not a jpeg: %v", err)
	}
	if cfg.Width != 512 || cfg.Height != 384 {
		t.Fatalf("expected 512x384 thumbnail, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestTranscodeDoesNotUpscale(t *testing.T) {
	out, err := newTestTranscoder(t).Transcode(context.Background(), encodePNG(t, 100, 50))
	if err != nil {
		t.Fatalf("Transcode returned error: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out.Thumbnail))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 50 {
		t.Fatalf("expected 100x50 thumbnail, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestTranscodeRejectsGarbage(t *testing.T) {
	if _, err := newTestTranscoder(t).Transcode(context.Background(), []byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestTranscodePixelGuard(t *testing.T) {
	tr, err := NewTranscoder(Options{MaxWidth: 64, MaxHeight: 64, MaxPixels: 1000})
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	_, err = tr.Transcode(context.Background(), encodePNG(t, 100, 100))
	if !errors.Is(err, ErrTooManyPixels) {
		t.Fatalf("expected ErrTooManyPixels, got %v", err)
	}
}

func TestTranscodeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestTranscoder(t).Transcode(ctx, encodePNG(t, 10, 10)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewTranscoderValidatesBounds(t *testing.T) {
	if _, err := NewTranscoder(Options{MaxWidth: 0, MaxHeight: 10}); err == nil {
		t.Fatal("expected error for zero width")
	}
}
