//go:build cgo

package raster

import (
	"image"
	"io"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

// WebPSupported reports whether this build can encode WebP
const WebPSupported = true

// encodeWebP writes a lossy WebP through libwebp
func encodeWebP(w io.Writer, img image.Image, quality float64) error {
	opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality*100))
	if err != nil {
		return err
	}
	return webp.Encode(w, img, opts)
}
