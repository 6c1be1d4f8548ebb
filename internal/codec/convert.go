package codec

import (
	"errors"
	"fmt"
	"math"
)

// ErrLength reports an input/output buffer pair violating a conversion's
// length relationship.
var ErrLength = errors.New("codec: buffer length mismatch")

// minMacropixels keeps small images on the calling goroutine.
const minMacropixels = 8192

// YUV422ToRGB24 converts packed (Y1, Cb, Y2, Cr) macropixels into two RGB
// triples sharing chroma. len(dst) must be len(src)*3/2.
func YUV422ToRGB24(dst, src []byte) error {
	if len(src)%4 != 0 || len(dst) != len(src)*3/2 {
		return fmt.Errorf("%w: yuv422 input of %d bytes needs %d output bytes, got %d",
			ErrLength, len(src), len(src)*3/2, len(dst))
	}
	forEachBand(len(src)/4, minMacropixels, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s := src[i*4 : i*4+4 : i*4+4]
			d := dst[i*6 : i*6+6 : i*6+6]
			d[0], d[1], d[2] = YCbCrToRGB(s[0], s[1], s[3])
			d[3], d[4], d[5] = YCbCrToRGB(s[2], s[1], s[3])
		}
	})
	return nil
}

// RGB24ToYUV422 packs each pair of RGB pixels into one macropixel. Chroma is
// taken from the first pixel of the pair only, not averaged.
// len(dst) must be len(src)*2/3.
func RGB24ToYUV422(dst, src []byte) error {
	if len(src)%6 != 0 || len(dst) != len(src)*2/3 {
		return fmt.Errorf("%w: rgb24 input of %d bytes needs %d output bytes, got %d",
			ErrLength, len(src), len(src)*2/3, len(dst))
	}
	forEachBand(len(src)/6, minMacropixels, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s := src[i*6 : i*6+6 : i*6+6]
			d := dst[i*4 : i*4+4 : i*4+4]
			y1, cb, cr := RGBToYCbCr(s[0], s[1], s[2])
			y2 := luma(s[3], s[4], s[5])
			d[0], d[1], d[2], d[3] = y1, cb, y2, cr
		}
	})
	return nil
}

// YCbCrToRGB applies the full-range BT.601 inverse transform.
func YCbCrToRGB(y, cb, cr uint8) (r, g, b uint8) {
	yf := float64(y)
	cbf := float64(cb) - 128
	crf := float64(cr) - 128

	r = clamp(yf + 1.402*crf)
	g = clamp(yf - 0.344136*cbf - 0.714136*crf)
	b = clamp(yf + 1.772*cbf)
	return r, g, b
}

// RGBToYCbCr applies the full-range BT.601 forward transform.
func RGBToYCbCr(r, g, b uint8) (y, cb, cr uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)

	y = clamp(0.299*rf + 0.587*gf + 0.114*bf)
	cb = clamp(-0.168736*rf - 0.331264*gf + 0.5*bf + 128)
	cr = clamp(0.5*rf - 0.418688*gf - 0.081312*bf + 128)
	return y, cb, cr
}

func luma(r, g, b uint8) uint8 {
	return clamp(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b))
}

func clamp(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
