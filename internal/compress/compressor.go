// Package compress downsizes and re-encodes images before upload.
package compress

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"photoprep/internal/models"
	"photoprep/internal/raster"
)

// Progress checkpoints reported by Compress
const (
	ProgressDecodeStart = 10
	ProgressDecoded     = 30
	ProgressSized       = 50
	ProgressRendered    = 80
	ProgressEncoded     = 90
	ProgressDone        = 100
)

// ProcessedSuffix is inserted before the extension of compressed files
const ProcessedSuffix = "_compressed"

// ProgressFunc receives coarse milestone percentages
type ProgressFunc func(percent int)

// Compressor resizes and re-encodes images. It holds no per-call state and
// is safe for concurrent use.
type Compressor struct {
	backend raster.Backend
	log     zerolog.Logger
}

// Option configures a Compressor
type Option func(*Compressor)

// WithBackend sets the raster backend
func WithBackend(b raster.Backend) Option {
	return func(c *Compressor) {
		if b != nil {
			c.backend = b
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Compressor) {
		c.log = l.With().Str("component", "compressor").Logger()
	}
}

// New creates a Compressor using the standard backend unless overridden
func New(opts ...Option) *Compressor {
	c := &Compressor{
		backend: raster.NewStandard(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compress decodes file, scales it to fit opts bounds, and encodes it in
// opts.Format. Failures are *DecodeError or *EncodeError and never come with
// a partial result. onProgress may be nil.
func (c *Compressor) Compress(file *models.File, opts models.CompressionOptions, onProgress ProgressFunc) (*models.CompressionResult, error) {
	opts = opts.Normalized()
	report := func(p int) {
		if onProgress != nil {
			onProgress(p)
		}
	}
	started := time.Now()

	report(ProgressDecodeStart)
	img, _, err := c.backend.Decode(file.Data)
	if err != nil {
		return nil, &DecodeError{Name: file.Name, Err: err}
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, &DecodeError{Name: file.Name, Err: errors.New("image has no pixels")}
	}
	report(ProgressDecoded)

	width, height := FitWithin(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight)
	report(ProgressSized)

	surface, err := c.backend.Render(img, width, height)
	if err != nil {
		return nil, &EncodeError{Format: opts.Format, Quality: opts.Quality, Err: err}
	}
	report(ProgressRendered)

	encoded, err := c.backend.Encode(surface, opts.Format, opts.Quality)
	if err != nil {
		return nil, &EncodeError{Format: opts.Format, Quality: opts.Quality, Err: err}
	}
	if len(encoded) == 0 {
		return nil, &EncodeError{Format: opts.Format, Quality: opts.Quality, Err: raster.ErrEmptyOutput}
	}
	report(ProgressEncoded)

	out := &models.File{
		Name:     ProcessedName(file.Name, opts.Format),
		MIMEType: opts.Format.MIMEType(),
		Data:     encoded,
	}
	result := &models.CompressionResult{
		File:                   out,
		Width:                  width,
		Height:                 height,
		OriginalSize:           file.Size(),
		CompressedSize:         out.Size(),
		CompressionRatio:       models.CompressionRatio(file.Size(), out.Size()),
		StripMetadataRequested: opts.StripMetadata,
	}
	report(ProgressDone)

	c.log.Debug().
		Str("name", file.Name).
		Int("src-width", bounds.Dx()).
		Int("src-height", bounds.Dy()).
		Int("width", width).
		Int("height", height).
		Int64("original", result.OriginalSize).
		Int64("compressed", result.CompressedSize).
		Str("ratio", models.FormatRatio(result.CompressionRatio)).
		Str("dur", time.Since(started).String()).
		Msg("image compressed")

	return result, nil
}

// ProcessedName turns "photo.heic" into "photo_compressed.jpeg" for jpeg output
func ProcessedName(name string, format models.Format) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "image"
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base + ProcessedSuffix + format.Extension()
}
