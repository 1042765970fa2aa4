// Package media provides mime detection and image downsampling for queued
// attachments.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// Options controls image downsampling.
type Options struct {
	// MaxWidth caps the output width in pixels. Zero disables the cap.
	MaxWidth int `yaml:"max_width" validate:"gte=0"`
	// MaxHeight caps the output height in pixels. Zero disables the cap.
	MaxHeight int `yaml:"max_height" validate:"gte=0"`
	// Quality is the lossy encoder quality in (0, 1].
	Quality float64 `yaml:"quality" validate:"gt=0,lte=1"`
}

// DefaultOptions returns the options used for feedback attachments.
func DefaultOptions() *Options {
	return &Options{
		MaxWidth:  1200,
		MaxHeight: 1200,
		Quality:   0.8,
	}
}

// JPEGQuality converts Quality to the 1..100 scale used by JPEG encoders.
func (o *Options) JPEGQuality() int {
	q := int(math.Round(o.Quality * 100))
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// Result is the outcome of Compress.
type Result struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	// Compressed is true when Data differs from the input.
	Compressed bool
}

// DetectMimeType sniffs the content type of data, without parameters.
func DetectMimeType(data []byte) string {
	return baseType(mimetype.Detect(data).String())
}

// IsImage reports whether mimeType is an image type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(baseType(mimeType), "image/")
}

func baseType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// TargetSize returns the output dimensions for a w×h image: the width is
// capped first, then the height, preserving the aspect ratio.
func TargetSize(w, h, maxW, maxH int) (int, int) {
	if maxW > 0 && w > maxW {
		h = scale(h, maxW, w)
		w = maxW
	}
	if maxH > 0 && h > maxH {
		w = scale(w, maxH, h)
		h = maxH
	}
	return w, h
}

func scale(v, num, den int) int {
	s := int(math.Round(float64(v) * float64(num) / float64(den)))
	if s < 1 {
		return 1
	}
	return s
}

// Compress downsamples an image according to opts and re-encodes it in its
// source format. Non-images, nil options and formats without an encoder are
// returned unchanged. A decode or encode failure is returned as an error and
// the caller keeps the original bytes.
func Compress(data []byte, mimeType string, opts *Options) (*Result, error) {
	original := &Result{Data: data, MimeType: mimeType}
	if opts == nil || !IsImage(mimeType) {
		return original, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	original.Width, original.Height = cfg.Width, cfg.Height

	outFormat, ok := encoderFor(format)
	if !ok {
		return original, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := TargetSize(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight)
	resized := w != bounds.Dx() || h != bounds.Dy()
	if resized {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, outFormat, imaging.JPEGQuality(opts.JPEGQuality())); err != nil {
		return nil, fmt.Errorf("failed to encode %s image: %w", format, err)
	}

	// Re-encoding without a resize can grow the file; keep whichever is smaller.
	if !resized && buf.Len() >= len(data) {
		return original, nil
	}

	return &Result{
		Data:       buf.Bytes(),
		MimeType:   "image/" + format,
		Width:      w,
		Height:     h,
		Compressed: true,
	}, nil
}

// encoderFor maps an image.Decode format name to an imaging encoder.
func encoderFor(format string) (imaging.Format, bool) {
	switch format {
	case "jpeg":
		return imaging.JPEG, true
	case "png":
		return imaging.PNG, true
	case "gif":
		return imaging.GIF, true
	case "bmp":
		return imaging.BMP, true
	case "tiff":
		return imaging.TIFF, true
	}
	return 0, false
}
