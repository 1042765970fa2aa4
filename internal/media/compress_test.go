package media

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFixture(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"landscape capped by width", 4000, 3000, 1200, 1200, 1200, 900},
		{"portrait capped by height", 3000, 4000, 1200, 1200, 900, 1200},
		{"width then height", 2400, 4000, 1200, 1200, 720, 1200},
		{"already small", 800, 600, 1200, 1200, 800, 600},
		{"no caps", 4000, 3000, 0, 0, 4000, 3000},
		{"extreme ratio keeps one pixel", 10000, 2, 100, 100, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := TargetSize(tt.w, tt.h, tt.maxW, tt.maxH)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestCompress_downsamplesJPEG(t *testing.T) {
	data := encodeFixture(t, 4000, 3000, imaging.JPEG)

	res, err := Compress(data, "image/jpeg", DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	assert.Equal(t, "image/jpeg", res.MimeType)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 1200, cfg.Width)
	assert.Equal(t, 900, cfg.Height)
	assert.Equal(t, 1200, res.Width)
	assert.Equal(t, 900, res.Height)
}

func TestCompress_keepsPNGFormat(t *testing.T) {
	data := encodeFixture(t, 1600, 400, imaging.PNG)

	res, err := Compress(data, "image/png", DefaultOptions())
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 1200, cfg.Width)
	assert.Equal(t, 300, cfg.Height)
}

func TestCompress_nonImageUntouched(t *testing.T) {
	data := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n")

	res, err := Compress(data, "application/pdf", DefaultOptions())
	require.NoError(t, err)
	assert.False(t, res.Compressed)
	assert.Equal(t, data, res.Data)
	assert.Equal(t, "application/pdf", res.MimeType)
}

func TestCompress_nilOptionsUntouched(t *testing.T) {
	data := encodeFixture(t, 2000, 2000, imaging.JPEG)

	res, err := Compress(data, "image/jpeg", nil)
	require.NoError(t, err)
	assert.False(t, res.Compressed)
	assert.Equal(t, data, res.Data)
}

func TestCompress_corruptImage(t *testing.T) {
	_, err := Compress([]byte("definitely not a jpeg"), "image/jpeg", DefaultOptions())
	assert.Error(t, err)
}

func TestCompress_smallImageNotGrown(t *testing.T) {
	data := encodeFixture(t, 64, 48, imaging.PNG)

	res, err := Compress(data, "image/png", DefaultOptions())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Data), len(data))
}

func TestEncoderFor(t *testing.T) {
	_, ok := encoderFor("webp")
	assert.False(t, ok, "webp has no encoder and must be kept as-is")

	f, ok := encoderFor("jpeg")
	assert.True(t, ok)
	assert.Equal(t, imaging.JPEG, f)
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "image/png", DetectMimeType(encodeFixture(t, 4, 4, imaging.PNG)))
	assert.Equal(t, "application/pdf", DetectMimeType([]byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")))
	assert.Equal(t, "text/plain", DetectMimeType([]byte("hello world")))
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("image/jpeg"))
	assert.True(t, IsImage("Image/PNG; foo=bar"))
	assert.False(t, IsImage("application/pdf"))
	assert.False(t, IsImage(""))
}

func TestOptions_JPEGQuality(t *testing.T) {
	assert.Equal(t, 80, (&Options{Quality: 0.8}).JPEGQuality())
	assert.Equal(t, 100, (&Options{Quality: 1.5}).JPEGQuality())
	assert.Equal(t, 1, (&Options{Quality: 0}).JPEGQuality())
}
