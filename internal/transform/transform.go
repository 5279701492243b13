// Package transform resizes image bytes into a bounding box and re-encodes
// them as JPEG.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"shopimg/internal/models"
)

var (
	ErrDecode = errors.New("decode image")
	ErrEncode = errors.New("encode image")
)

// Format is the single output format of every derivative.
const Format = imaging.JPEG

// ContentType is the MIME type of encoded derivatives.
const ContentType = "image/jpeg"

// Transformer turns original bytes into derivative bytes fit into box.
type Transformer interface {
	Transform(data []byte, box models.Box) ([]byte, error)
}

type Options struct {
	Quality       int
	WatermarkText string
	FontPath      string // TrueType font; basicfont when empty
	FontSize      float64
}

// Imaging implements Transformer with disintegration/imaging.
type Imaging struct {
	quality   int
	watermark string
	face      font.Face
}

func New(opts Options) (*Imaging, error) {
	const op = "transform.New"

	if opts.Quality <= 0 {
		opts.Quality = 85
	}
	t := &Imaging{quality: opts.Quality, watermark: opts.WatermarkText, face: basicfont.Face7x13}
	if opts.WatermarkText != "" && opts.FontPath != "" {
		raw, err := os.ReadFile(opts.FontPath)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		f, err := truetype.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: parse font: %v", op, err)
		}
		size := opts.FontSize
		if size <= 0 {
			size = 14
		}
		t.face = truetype.NewFace(f, &truetype.Options{Size: size})
	}
	return t, nil
}

// Transform decodes data, scales it down to fit box keeping the aspect
// ratio (never up), optionally stamps the watermark and encodes JPEG.
func (t *Imaging) Transform(data []byte, box models.Box) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	// Fit returns a clone when src already fits.
	dst := imaging.Fit(src, box.Width, box.Height, imaging.Lanczos)
	if box.Watermark && t.watermark != "" {
		t.stamp(dst)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, Format, imaging.JPEGQuality(t.quality)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrEncode)
	}
	return buf.Bytes(), nil
}

// stamp draws the watermark text in the bottom-left corner.
func (t *Imaging) stamp(img *image.NRGBA) {
	metrics := t.face.Metrics()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 160}),
		Face: t.face,
	}
	x := fixed.I(8)
	y := fixed.I(img.Bounds().Dy()) - metrics.Descent - fixed.I(8)
	if y < metrics.Ascent {
		y = metrics.Ascent
	}
	d.Dot = fixed.Point26_6{X: x, Y: y}
	d.DrawString(t.watermark)
}
