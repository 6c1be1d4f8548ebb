package inference

import (
	"testing"

	"posestream/internal/models"
)

// blob draws a bright square on a dark 32x32 canvas.
func blob(x0, y0, size int) []byte {
	rgb := make([]byte, 32*32*3)
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			i := (y*32 + x) * 3
			rgb[i], rgb[i+1], rgb[i+2] = 255, 255, 255
		}
	}
	return rgb
}

func TestCentroidFollowsSubject(t *testing.T) {
	c := NewCentroid(32, 32)

	left, err := c.Estimate(blob(2, 12, 8))
	if err != nil {
		t.Fatal(err)
	}
	right, err := c.Estimate(blob(22, 12, 8))
	if err != nil {
		t.Fatal(err)
	}

	// Nose x ratio moves with the subject.
	if !(left.At(0).XRatio < 0.5 && right.At(0).XRatio > 0.5) {
		t.Errorf("nose x: left %.3f right %.3f", left.At(0).XRatio, right.At(0).XRatio)
	}
	for i := 0; i < models.NumKeypoints; i++ {
		kp := left.At(i)
		if kp.YRatio < 0 || kp.YRatio > 1 || kp.XRatio < 0 || kp.XRatio > 1 {
			t.Errorf("keypoint %d out of range: %+v", i, kp)
		}
		if kp.Confidence <= 0 || kp.Confidence > 1 {
			t.Errorf("keypoint %d confidence %.3f", i, kp.Confidence)
		}
	}
	// Head above ankles.
	if left.At(0).YRatio >= left.At(15).YRatio {
		t.Errorf("nose y %.3f not above ankle y %.3f", left.At(0).YRatio, left.At(15).YRatio)
	}
}

func TestCentroidDeterministic(t *testing.T) {
	c := NewCentroid(32, 32)
	img := blob(5, 7, 10)
	a, _ := c.Estimate(img)
	b, _ := c.Estimate(img)
	if a != b {
		t.Error("same input produced different keypoints")
	}
}

func TestCentroidFlatImage(t *testing.T) {
	c := NewCentroid(32, 32)
	k, err := c.Estimate(make([]byte, 32*32*3))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < models.NumKeypoints; i++ {
		if kp := k.At(i); kp.Confidence != 0 || kp.XRatio != 0.5 || kp.YRatio != 0.5 {
			t.Errorf("keypoint %d = %+v", i, kp)
		}
	}
}

func TestCentroidRejectsWrongSize(t *testing.T) {
	c := NewCentroid(32, 32)
	if _, err := c.Estimate(make([]byte, 10)); err == nil {
		t.Error("short tensor accepted")
	}
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory(Config{Width: 16, Height: 16}, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := f()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if e.Name() != "centroid" {
		t.Errorf("engine = %s", e.Name())
	}

	if _, err := NewFactory(Config{}, nil); err == nil {
		t.Error("zero model size accepted")
	}
}
