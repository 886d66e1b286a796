package compress

import "math"

// FitWithin returns the largest size with the same aspect ratio as w x h that
// fits inside maxW x maxH without enlarging. Each axis is rounded on its own,
// so the aspect ratio may drift by under a pixel. Axes never round below 1.
// All inputs must be positive.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	ratio := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	ratio = math.Min(ratio, 1.0)

	width := int(math.Round(float64(w) * ratio))
	height := int(math.Round(float64(h) * ratio))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return width, height
}
