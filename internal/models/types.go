package models

import (
	"fmt"
	"time"
)

// PixelEncoding is the byte layout of a frame's pixels. It is fixed by the
// contract between the two ends and never inferred from the data.
type PixelEncoding int

const (
	// EncodingYUV422 is packed YUYV: 4 bytes (Y1, Cb, Y2, Cr) carry 2 pixels.
	EncodingYUV422 PixelEncoding = iota
	// EncodingRGB24 is 3 bytes per pixel in R, G, B order.
	EncodingRGB24
)

func (e PixelEncoding) BytesPerPixel() int {
	switch e {
	case EncodingYUV422:
		return 2
	case EncodingRGB24:
		return 3
	default:
		return 0
	}
}

func (e PixelEncoding) String() string {
	switch e {
	case EncodingYUV422:
		return "yuv422"
	case EncodingRGB24:
		return "rgb24"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ParseEncoding accepts the names produced by String.
func ParseEncoding(s string) (PixelEncoding, error) {
	switch s {
	case "yuv422", "yuyv":
		return EncodingYUV422, nil
	case "rgb24", "rgb":
		return EncodingRGB24, nil
	}
	return 0, fmt.Errorf("unknown pixel encoding %q", s)
}

// MaxDimension bounds frame width and height so byte sizes cannot overflow.
const MaxDimension = 1 << 15

// Frame is an owned image with its own lifetime.
type Frame struct {
	// Timestamp is unix seconds at capture time.
	Timestamp uint64
	Width     int
	Height    int
	Encoding  PixelEncoding
	Pix       []byte
}

// FrameSize returns the byte length of a width x height image in enc.
func FrameSize(width, height int, enc PixelEncoding) int {
	return width * height * enc.BytesPerPixel()
}

// NewFrame allocates a zeroed frame stamped with the current time.
func NewFrame(width, height int, enc PixelEncoding) Frame {
	return Frame{
		Timestamp: uint64(time.Now().Unix()),
		Width:     width,
		Height:    height,
		Encoding:  enc,
		Pix:       make([]byte, FrameSize(width, height, enc)),
	}
}

func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if f.Width > MaxDimension || f.Height > MaxDimension {
		return fmt.Errorf("frame dimensions %dx%d exceed %d", f.Width, f.Height, MaxDimension)
	}
	if f.Encoding == EncodingYUV422 && f.Width%2 != 0 {
		return fmt.Errorf("yuv422 frame width %d is not even", f.Width)
	}
	if want := FrameSize(f.Width, f.Height, f.Encoding); len(f.Pix) != want {
		return fmt.Errorf("frame %dx%d %s has %d bytes, want %d", f.Width, f.Height, f.Encoding, len(f.Pix), want)
	}
	return nil
}

// Stride is the byte length of one row.
func (f Frame) Stride() int {
	return f.Width * f.Encoding.BytesPerPixel()
}

const (
	// NumKeypoints is the number of body joints the model reports.
	NumKeypoints = 17
	// KeypointValues is the length of the flat output vector.
	KeypointValues = NumKeypoints * 3
)

// Keypoints is the model output in model order: 17 x (y_ratio, x_ratio, confidence).
type Keypoints [KeypointValues]float32

type Keypoint struct {
	YRatio     float32 `json:"y"`
	XRatio     float32 `json:"x"`
	Confidence float32 `json:"confidence"`
}

func (k *Keypoints) At(i int) Keypoint {
	return Keypoint{
		YRatio:     k[i*3],
		XRatio:     k[i*3+1],
		Confidence: k[i*3+2],
	}
}

// KeypointNames follows the MoveNet/COCO joint order.
var KeypointNames = [NumKeypoints]string{
	"nose", "left_eye", "right_eye", "left_ear", "right_ear",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_hip", "right_hip",
	"left_knee", "right_knee", "left_ankle", "right_ankle",
}

type HealthStatus struct {
	Status         string        `json:"status"`
	Mode           string        `json:"mode"`
	ActiveSessions int           `json:"active_sessions"`
	Engine         string        `json:"engine"`
	Uptime         time.Duration `json:"uptime"`
	Version        string        `json:"version,omitempty"`
}
