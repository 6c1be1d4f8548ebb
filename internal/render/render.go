// Package render turns keypoint results into something a person can see.
package render

import (
	"errors"

	"posestream/internal/models"
)

// Renderer consumes one frame and the keypoints estimated for it.
type Renderer interface {
	Render(frame models.Frame, keypoints models.Keypoints, threshold float32) error
}

// Point is a keypoint in frame pixel coordinates.
type Point struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Confidence float32 `json:"confidence"`
}

// Project maps keypoint ratios onto a width x height frame and keeps those
// above threshold. Ratios are relative to the square letterboxed model
// input, so the padding added on the shorter axis is taken back off.
func Project(width, height int, k *models.Keypoints, threshold float32) []Point {
	var base float32
	var padX, padY int
	if height > width {
		base = float32(height)
		padX = (height - width) / 2
	} else {
		base = float32(width)
		padY = (width - height) / 2
	}

	var pts []Point
	for i := 0; i < models.NumKeypoints; i++ {
		kp := k.At(i)
		if kp.Confidence <= threshold {
			continue
		}
		pts = append(pts, Point{
			Index:      i,
			Name:       models.KeypointNames[i],
			X:          int(kp.XRatio*base) - padX,
			Y:          int(kp.YRatio*base) - padY,
			Confidence: kp.Confidence,
		})
	}
	return pts
}

type multi []Renderer

// Multi renders to every r in order and joins their errors.
func Multi(rs ...Renderer) Renderer {
	return multi(rs)
}

func (m multi) Render(frame models.Frame, k models.Keypoints, threshold float32) error {
	var errs []error
	for _, r := range m {
		if err := r.Render(frame, k, threshold); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
