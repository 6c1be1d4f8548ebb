package codec

import (
	"fmt"

	"posestream/internal/models"
)

// Mirror returns img flipped horizontally.
func Mirror(img models.Frame) (models.Frame, error) {
	if err := img.Validate(); err != nil {
		return models.Frame{}, fmt.Errorf("mirror: %w", err)
	}
	out := img
	out.Pix = make([]byte, len(img.Pix))
	stride := img.Stride()

	forEachBand(img.Height, minRows, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			srow := img.Pix[y*stride : (y+1)*stride]
			drow := out.Pix[y*stride : (y+1)*stride]
			for x := 0; x < img.Width; x++ {
				copyPixel(img.Encoding, drow, x, srow, img.Width-1-x)
			}
		}
	})
	return out, nil
}
