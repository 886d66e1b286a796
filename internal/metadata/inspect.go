package metadata

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/rs/zerolog"
	"github.com/rwcarlsen/goexif/exif"

	"photoprep/internal/models"
	"photoprep/internal/raster"
)

// Inspector reports dimensions and metadata of image files
type Inspector struct {
	backend     raster.Backend
	fingerprint bool
	log         zerolog.Logger
}

// InspectorOption configures an Inspector
type InspectorOption func(*Inspector)

// WithBackend sets the raster backend used for decoding
func WithBackend(b raster.Backend) InspectorOption {
	return func(i *Inspector) {
		if b != nil {
			i.backend = b
		}
	}
}

// WithFingerprint enables perceptual hashing of inspected images
func WithFingerprint(enabled bool) InspectorOption {
	return func(i *Inspector) {
		i.fingerprint = enabled
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) InspectorOption {
	return func(i *Inspector) {
		i.log = l.With().Str("component", "inspector").Logger()
	}
}

// NewInspector creates a new Inspector
func NewInspector(opts ...InspectorOption) *Inspector {
	i := &Inspector{
		backend: raster.NewStandard(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect decodes file for its dimensions and scans it for EXIF. The file is
// not modified and nothing is cached between calls.
func (i *Inspector) Inspect(file *models.File) (*models.ImageInfo, error) {
	img, format, err := i.backend.Decode(file.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	info := &models.ImageInfo{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		FileSize: file.Size(),
		MIMEType: file.MIMEType,
		Format:   strings.ToLower(format),
	}

	// Only JPEGs are scanned; everything else reports no EXIF
	if file.IsJPEG() {
		info.HasExif = HasExif(file.Data)
	}
	if info.HasExif {
		info.Exif = readExif(file.Data)
	}

	if i.fingerprint {
		hash, err := goimagehash.PerceptionHash(img)
		if err != nil {
			i.log.Warn().Str("name", file.Name).Str("errmsg", err.Error()).Msg("fingerprint failed")
		} else {
			info.Fingerprint = hash.GetHash()
		}
	}

	return info, nil
}

// readExif extracts a summary of the EXIF tags. It returns nil when the APP1
// segment is present but does not parse as EXIF (for example XMP).
func readExif(data []byte) *models.ExifSummary {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	summary := &models.ExifSummary{
		Make:     stringTag(x, exif.Make),
		Model:    stringTag(x, exif.Model),
		Software: stringTag(x, exif.Software),
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			summary.Orientation = v
		}
	}
	if t, err := x.DateTime(); err == nil {
		summary.TakenAt = t
	}
	if _, _, err := x.LatLong(); err == nil {
		summary.HasGPS = true
	}
	return summary
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

// HammingDistance counts differing bits between two fingerprints
func HammingDistance(hash1, hash2 uint64) int {
	xor := hash1 ^ hash2
	count := 0
	for xor != 0 {
		count++
		xor &= xor - 1
	}
	return count
}
