// Package raster decodes, resamples and encodes images for the compressor.
// The Backend interface keeps the pipeline independent of the imaging library
// doing the pixel work.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"photoprep/internal/models"
)

var (
	// ErrUnsupportedFormat is returned when the backend cannot encode a format
	ErrUnsupportedFormat = errors.New("unsupported output format")
	// ErrInvalidQuality is returned for quality values outside [0, 1]
	ErrInvalidQuality = errors.New("quality must be between 0 and 1")
	// ErrEmptyOutput is returned when an encoder produced no bytes
	ErrEmptyOutput = errors.New("encoder produced no data")
)

// Backend is the narrow surface the compression pipeline needs
type Backend interface {
	// Decode turns encoded bytes into a bitmap and reports the decoder name
	Decode(data []byte) (image.Image, string, error)
	// Render resamples src onto a new surface of exactly width x height
	Render(src image.Image, width, height int) (*image.RGBA, error)
	// Encode serializes a surface in the given format at quality in [0, 1]
	Encode(surface image.Image, format models.Format, quality float64) ([]byte, error)
}

// Filters maps resample filter names to x/image interpolators
var Filters = map[string]draw.Interpolator{
	"nearest":         draw.NearestNeighbor,
	"approx-bilinear": draw.ApproxBiLinear,
	"bilinear":        draw.BiLinear,
	"catmullrom":      draw.CatmullRom,
}

// DefaultFilter is the resample filter used when none is configured
const DefaultFilter = "catmullrom"

// Standard is the pure Go backend built on the image and x/image packages
type Standard struct {
	filter draw.Interpolator
}

// StandardOption configures a Standard backend
type StandardOption func(*Standard)

// WithFilter selects the resample filter by name. Unknown names are ignored.
func WithFilter(name string) StandardOption {
	return func(s *Standard) {
		if f, ok := Filters[strings.ToLower(name)]; ok {
			s.filter = f
		}
	}
}

// NewStandard creates a Standard backend
func NewStandard(opts ...StandardOption) *Standard {
	s := &Standard{filter: draw.CatmullRom}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decode decodes any registered format (jpeg, png, gif, webp, bmp, tiff)
func (s *Standard) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image data")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	return img, format, nil
}

// Render scales src into a freshly allocated RGBA surface
func (s *Standard) Render(src image.Image, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	s.filter.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst, nil
}

// Encode serializes surface. PNG is lossless, so quality is only validated.
func (s *Standard) Encode(surface image.Image, format models.Format, quality float64) ([]byte, error) {
	if math.IsNaN(quality) || quality < 0 || quality > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuality, quality)
	}

	var buf bytes.Buffer
	switch format {
	case models.FormatJPEG:
		if err := jpeg.Encode(&buf, surface, &jpeg.Options{Quality: jpegQuality(quality)}); err != nil {
			return nil, err
		}
	case models.FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, surface); err != nil {
			return nil, err
		}
	case models.FormatWebP:
		if err := encodeWebP(&buf, surface, quality); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if buf.Len() == 0 {
		return nil, ErrEmptyOutput
	}
	return buf.Bytes(), nil
}

// jpegQuality maps a [0, 1] fraction onto the 1-100 scale of image/jpeg
func jpegQuality(q float64) int {
	n := int(math.Round(q * 100))
	if n < 1 {
		n = 1
	}
	if n > 100 {
		n = 100
	}
	return n
}
