package codec

import (
	"fmt"

	"posestream/internal/models"
)

const minRows = 16

// Geometry is where a letterboxed image lands inside its canvas.
type Geometry struct {
	ScaledWidth  int
	ScaledHeight int
	PadLeft      int
	PadRight     int
	PadTop       int
	PadBottom    int
}

// LetterboxGeometry picks the single scale factor that fits srcW x srcH
// entirely inside dstW x dstH and centres the result. Odd leftovers put the
// extra pixel after the content.
func LetterboxGeometry(srcW, srcH, dstW, dstH int) Geometry {
	var sw, sh int
	if srcW*dstH > srcH*dstW {
		sw, sh = dstW, srcH*dstW/srcW
	} else {
		sw, sh = srcW*dstH/srcH, dstH
	}
	sw, sh = max(sw, 1), max(sh, 1)

	dw, dh := dstW-sw, dstH-sh
	return Geometry{
		ScaledWidth:  sw,
		ScaledHeight: sh,
		PadLeft:      dw / 2,
		PadRight:     dw - dw/2,
		PadTop:       dh / 2,
		PadBottom:    dh - dh/2,
	}
}

// Letterbox resizes img into a zero-filled dstW x dstH canvas, preserving
// aspect ratio. Sampling is nearest-neighbour; the output keeps the input
// encoding and stride.
func Letterbox(img models.Frame, dstW, dstH int) (models.Frame, error) {
	if err := img.Validate(); err != nil {
		return models.Frame{}, fmt.Errorf("letterbox: %w", err)
	}
	if dstW <= 0 || dstH <= 0 {
		return models.Frame{}, fmt.Errorf("letterbox: invalid target %dx%d", dstW, dstH)
	}
	if img.Encoding == models.EncodingYUV422 && dstW%2 != 0 {
		return models.Frame{}, fmt.Errorf("letterbox: yuv422 target width %d is not even", dstW)
	}

	g := LetterboxGeometry(img.Width, img.Height, dstW, dstH)
	bpp := img.Encoding.BytesPerPixel()
	out := models.Frame{
		Timestamp: img.Timestamp,
		Width:     dstW,
		Height:    dstH,
		Encoding:  img.Encoding,
		Pix:       make([]byte, dstW*dstH*bpp),
	}
	srcStride, dstStride := img.Stride(), out.Stride()

	forEachBand(g.ScaledHeight, minRows, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			sy := y * img.Height / g.ScaledHeight
			srow := img.Pix[sy*srcStride : (sy+1)*srcStride]
			drow := out.Pix[(y+g.PadTop)*dstStride : (y+g.PadTop+1)*dstStride]
			for x := 0; x < g.ScaledWidth; x++ {
				sx := x * img.Width / g.ScaledWidth
				copyPixel(img.Encoding, drow, g.PadLeft+x, srow, sx)
			}
		}
	})
	return out, nil
}

// copyPixel moves source pixel sx into destination column dx. For packed
// 4:2:2 the chroma byte is chosen by the destination column's parity so
// (Y, Cb) / (Y, Cr) alternation survives odd sampling steps and offsets.
func copyPixel(enc models.PixelEncoding, drow []byte, dx int, srow []byte, sx int) {
	switch enc {
	case models.EncodingRGB24:
		copy(drow[dx*3:dx*3+3], srow[sx*3:sx*3+3])
	case models.EncodingYUV422:
		mp := (sx &^ 1) * 2
		drow[dx*2] = srow[sx*2]
		if dx%2 == 0 {
			drow[dx*2+1] = srow[mp+1]
		} else {
			drow[dx*2+1] = srow[mp+3]
		}
	}
}
