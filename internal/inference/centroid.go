package inference

import (
	"math"

	"posestream/internal/models"
)

// skeleton is an upright body in units of the subject's spread around its
// centre: (dy, dx) per joint, in model order.
var skeleton = [models.NumKeypoints][2]float64{
	{-1.60, 0.00},                 // nose
	{-1.70, -0.12}, {-1.70, 0.12}, // eyes
	{-1.62, -0.25}, {-1.62, 0.25}, // ears
	{-1.10, -0.55}, {-1.10, 0.55}, // shoulders
	{-0.45, -0.75}, {-0.45, 0.75}, // elbows
	{0.10, -0.80}, {0.10, 0.80},   // wrists
	{0.20, -0.35}, {0.20, 0.35},   // hips
	{0.95, -0.38}, {0.95, 0.38},   // knees
	{1.70, -0.40}, {1.70, 0.40},   // ankles
}

// Centroid is a deterministic stand-in for a pose model. It finds the
// brightness-weighted centre and spread of the pixels brighter than the
// frame mean and lays a fixed skeleton over them. Confidence grows with the
// contrast of that region.
type Centroid struct {
	width  int
	height int
	luma   []float64
}

func NewCentroid(width, height int) *Centroid {
	return &Centroid{width: width, height: height, luma: make([]float64, width*height)}
}

func (c *Centroid) Name() string { return "centroid" }

func (c *Centroid) Estimate(rgb []byte) (models.Keypoints, error) {
	var out models.Keypoints
	if err := checkTensor(rgb, c.width, c.height); err != nil {
		return out, err
	}

	var mean float64
	for i := range c.luma {
		p := rgb[i*3 : i*3+3]
		y := 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
		c.luma[i] = y
		mean += y
	}
	mean /= float64(len(c.luma))

	var total, sy, sx float64
	for i, y := range c.luma {
		w := y - mean
		if w <= 0 {
			continue
		}
		total += w
		sy += w * float64(i/c.width)
		sx += w * float64(i%c.width)
	}
	if total == 0 {
		for i := 0; i < models.NumKeypoints; i++ {
			out[i*3], out[i*3+1] = 0.5, 0.5
		}
		return out, nil
	}
	cy, cx := sy/total, sx/total

	var vy, vx float64
	for i, y := range c.luma {
		w := y - mean
		if w <= 0 {
			continue
		}
		dy, dx := float64(i/c.width)-cy, float64(i%c.width)-cx
		vy += w * dy * dy
		vx += w * dx * dx
	}
	spreadY := math.Sqrt(vy/total) / float64(c.height)
	spreadX := math.Sqrt(vx/total) / float64(c.width)
	conf := float32(math.Min(1, 4*total/(float64(len(c.luma))*255)))

	ry, rx := cy/float64(c.height), cx/float64(c.width)
	for i, off := range skeleton {
		out[i*3] = float32(unit(ry + off[0]*spreadY))
		out[i*3+1] = float32(unit(rx + off[1]*spreadX))
		out[i*3+2] = conf
	}
	return out, nil
}

func (c *Centroid) Close() error { return nil }

func unit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
