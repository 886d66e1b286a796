//go:build !cgo

package raster

import (
	"fmt"
	"image"
	"io"
)

// WebPSupported reports whether this build can encode WebP
const WebPSupported = false

// encodeWebP is a stub for builds without cgo, where libwebp is unavailable.
func encodeWebP(w io.Writer, img image.Image, quality float64) error {
	return fmt.Errorf("%w: webp encoding requires a cgo build", ErrUnsupportedFormat)
}
