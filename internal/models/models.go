package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Format is an output encoding supported by the compressor
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// ParseFormat parses a format name, accepting "jpg" as an alias for jpeg
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want jpeg, png or webp)", s)
	}
}

// MIMEType returns the MIME type written on files of this format
func (f Format) MIMEType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension (with dot) used for this format
func (f Format) Extension() string {
	return "." + string(f)
}

// File is an encoded image together with its declared name and MIME type.
// Operations never modify a File; they return new ones.
type File struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// Size returns the byte length of the file content
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// IsJPEG reports whether the file is declared as a JPEG
func (f *File) IsJPEG() bool {
	return strings.EqualFold(f.MIMEType, "image/jpeg")
}

const (
	DefaultMaxWidth  = 2048
	DefaultMaxHeight = 2048
	DefaultQuality   = 0.8
	DefaultFormat    = FormatJPEG
)

// CompressionOptions configures a single compression call.
// Start from DefaultCompressionOptions; the zero value disables metadata
// stripping intent and sets quality to 0.
type CompressionOptions struct {
	MaxWidth  int     `json:"max_width" mapstructure:"max_width"`
	MaxHeight int     `json:"max_height" mapstructure:"max_height"`
	Quality   float64 `json:"quality" mapstructure:"quality"`
	Format    Format  `json:"format" mapstructure:"format"`

	// StripMetadata is advisory. The compressor echoes it in the result but
	// never strips anything itself; stripping is an explicit separate call.
	StripMetadata bool `json:"strip_metadata" mapstructure:"strip_metadata"`
}

// DefaultCompressionOptions returns 2048x2048 bounds, quality 0.8, jpeg output
// and metadata stripping requested
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MaxWidth:      DefaultMaxWidth,
		MaxHeight:     DefaultMaxHeight,
		Quality:       DefaultQuality,
		Format:        DefaultFormat,
		StripMetadata: true,
	}
}

// Normalized fills unset bounds and format with defaults
func (o CompressionOptions) Normalized() CompressionOptions {
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = DefaultMaxHeight
	}
	if o.Format == "" {
		o.Format = DefaultFormat
	}
	return o
}

// CompressionResult is the outcome of a successful compression
type CompressionResult struct {
	File             *File   `json:"file"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`

	// StripMetadataRequested echoes CompressionOptions.StripMetadata.
	// It records caller intent only; no metadata was removed by compression.
	StripMetadataRequested bool `json:"strip_metadata_requested"`
}

// CompressionRatio returns the percentage size reduction from original to
// compressed. It is negative when the output grew and 0 for an empty original.
func CompressionRatio(original, compressed int64) float64 {
	if original == 0 {
		return 0
	}
	return float64(original-compressed) / float64(original) * 100
}

// FormatRatio renders a ratio truncated (not rounded) to two decimals.
// The value is snapped to 1e-6 first so float noise from CompressionRatio,
// such as 28.999999999999996 for 100 -> 71, is not truncated away.
func FormatRatio(ratio float64) string {
	v := math.Trunc(math.Round(ratio*1e6)/1e4) / 100
	if v == 0 {
		v = 0 // no "-0.00"
	}
	return fmt.Sprintf("%.2f", v)
}

// StripStatus tells what the metadata stripper found
type StripStatus int

const (
	// StripSkipped means the file is not declared as image/jpeg
	StripSkipped StripStatus = iota
	// StripNotJPEG means the file is declared JPEG but lacks the SOI marker
	StripNotJPEG
	// StripNoMetadata means the JPEG had no APP0-APP2 segments
	StripNoMetadata
	// StripStripped means at least one segment was removed
	StripStripped
)

func (s StripStatus) String() string {
	switch s {
	case StripSkipped:
		return "skipped"
	case StripNotJPEG:
		return "not_jpeg"
	case StripNoMetadata:
		return "no_metadata"
	case StripStripped:
		return "stripped"
	default:
		return fmt.Sprintf("StripStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s StripStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MetadataStripResult is the outcome of an explicit metadata strip
type MetadataStripResult struct {
	File            *File       `json:"file"`
	Status          StripStatus `json:"status"`
	SegmentsRemoved int         `json:"segments_removed"`
	BytesRemoved    int         `json:"bytes_removed"`
}

// MetadataFound reports whether any metadata segment was removed
func (r *MetadataStripResult) MetadataFound() bool {
	return r.Status == StripStripped
}

// ExifSummary holds the handful of EXIF tags worth showing to a user
type ExifSummary struct {
	Make        string    `json:"make,omitempty"`
	Model       string    `json:"model,omitempty"`
	Software    string    `json:"software,omitempty"`
	Orientation int       `json:"orientation,omitempty"`
	TakenAt     time.Time `json:"taken_at,omitempty"`
	HasGPS      bool      `json:"has_gps"`
}

// ImageInfo is a read-only inspection of an image file
type ImageInfo struct {
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	HasExif     bool         `json:"has_exif"`
	FileSize    int64        `json:"file_size"`
	MIMEType    string       `json:"mime_type"`
	Format      string       `json:"format"`
	Exif        *ExifSummary `json:"exif,omitempty"`
	Fingerprint uint64       `json:"fingerprint,omitempty"` // perceptual hash, 0 when not computed
}

// Record is one processed file in the history store
type Record struct {
	ID               int64     `json:"id"`
	SourcePath       string    `json:"source_path"`
	OutputPath       string    `json:"output_path"`
	Format           string    `json:"format"`
	SourceWidth      int       `json:"source_width"`
	SourceHeight     int       `json:"source_height"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	OriginalSize     int64     `json:"original_size"`
	OutputSize       int64     `json:"output_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	HadExif          bool      `json:"had_exif"`
	StripStatus      string    `json:"strip_status,omitempty"`
	Fallback         bool      `json:"fallback"` // original bytes were kept because compression failed
	Error            string    `json:"error,omitempty"`
	Fingerprint      uint64    `json:"fingerprint,omitempty"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// HistorySummary aggregates the history store
type HistorySummary struct {
	TotalFiles    int     `json:"total_files"`
	Fallbacks     int     `json:"fallbacks"`
	OriginalBytes int64   `json:"original_bytes"`
	OutputBytes   int64   `json:"output_bytes"`
	SavedRatio    float64 `json:"saved_ratio"`
}
