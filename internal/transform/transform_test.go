package transform

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopimg/internal/models"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decode(t *testing.T, data []byte) (image.Image, string) {
	t.Helper()
	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img, format
}

func TestTransformScalesDownPreservingAspect(t *testing.T) {
	tr, err := New(Options{Quality: 80})
	require.NoError(t, err)

	out, err := tr.Transform(pngBytes(t, 400, 200), models.Box{Width: 100, Height: 100})
	require.NoError(t, err)

	img, format := decode(t, out)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestTransformNeverUpscales(t *testing.T) {
	tr, err := New(Options{})
	require.NoError(t, err)

	out, err := tr.Transform(pngBytes(t, 60, 40), models.Box{Width: 800, Height: 800})
	require.NoError(t, err)

	img, format := decode(t, out)
	assert.Equal(t, "jpeg", format, "small originals are still re-encoded")
	assert.Equal(t, 60, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())
}

func TestTransformTallImage(t *testing.T) {
	tr, err := New(Options{})
	require.NoError(t, err)

	out, err := tr.Transform(pngBytes(t, 90, 300), models.Box{Width: 150, Height: 150})
	require.NoError(t, err)

	img, _ := decode(t, out)
	assert.Equal(t, 45, img.Bounds().Dx())
	assert.Equal(t, 150, img.Bounds().Dy())
}

func TestTransformRejectsUndecodable(t *testing.T) {
	tr, err := New(Options{})
	require.NoError(t, err)

	_, err = tr.Transform([]byte("definitely not an image"), models.Box{Width: 10, Height: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))

	_, err = tr.Transform(nil, models.Box{Width: 10, Height: 10})
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestTransformWatermarkChangesPixels(t *testing.T) {
	src := pngBytes(t, 200, 100)
	box := models.Box{Width: 200, Height: 100, Watermark: true}

	plain, err := New(Options{Quality: 100})
	require.NoError(t, err)
	marked, err := New(Options{Quality: 100, WatermarkText: "shopimg"})
	require.NoError(t, err)

	a, err := plain.Transform(src, box)
	require.NoError(t, err)
	b, err := marked.Transform(src, box)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	img, err := imaging.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
}

func TestNewRejectsMissingFont(t *testing.T) {
	_, err := New(Options{WatermarkText: "x", FontPath: "/nonexistent/font.ttf"})
	assert.Error(t, err)
}
