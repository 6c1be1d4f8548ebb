package camera

import (
	"time"

	"posestream/internal/models"
)

type viewOwner interface {
	generation() uint64
}

// FrameView is a read-only window into a buffer owned by a frame source. It
// is valid for exactly one capture cycle; afterwards every accessor fails
// with ErrStaleView. Slices obtained from Bytes must not be retained past
// the cycle either: copy with Frame or CopyTo instead.
type FrameView struct {
	owner        viewOwner
	gen          uint64
	data         []byte
	width        int
	height       int
	bytesPerLine int
	encoding     models.PixelEncoding

	// Sequence is the driver's frame counter.
	Sequence uint32
	// Timestamp is when the driver filled the buffer.
	Timestamp time.Time
}

func (v FrameView) Width() int                     { return v.width }
func (v FrameView) Height() int                    { return v.height }
func (v FrameView) Encoding() models.PixelEncoding { return v.encoding }

// Valid reports whether the view's capture cycle is still current.
func (v FrameView) Valid() bool {
	return v.owner != nil && v.owner.generation() == v.gen
}

// Bytes returns the raw buffer contents, including any row padding.
func (v FrameView) Bytes() ([]byte, error) {
	if !v.Valid() {
		return nil, ErrStaleView
	}
	return v.data, nil
}

// CopyTo copies the tightly packed pixels into dst, which must hold at least
// Width*Height*BytesPerPixel bytes, and returns the number of bytes written.
func (v FrameView) CopyTo(dst []byte) (int, error) {
	if !v.Valid() {
		return 0, ErrStaleView
	}
	row := v.width * v.encoding.BytesPerPixel()
	if len(dst) < row*v.height {
		return 0, &StreamError{Op: "copy frame", Err: errShortDst}
	}
	if v.bytesPerLine == row {
		return copy(dst, v.data[:row*v.height]), nil
	}
	for y := 0; y < v.height; y++ {
		copy(dst[y*row:(y+1)*row], v.data[y*v.bytesPerLine:y*v.bytesPerLine+row])
	}
	// The source may have been requeued while copying.
	if !v.Valid() {
		return 0, ErrStaleView
	}
	return row * v.height, nil
}

// Frame copies the view into an owned frame stamped with the capture time.
func (v FrameView) Frame() (models.Frame, error) {
	f := models.Frame{
		Timestamp: uint64(v.captureTime().Unix()),
		Width:     v.width,
		Height:    v.height,
		Encoding:  v.encoding,
		Pix:       make([]byte, models.FrameSize(v.width, v.height, v.encoding)),
	}
	if _, err := v.CopyTo(f.Pix); err != nil {
		return models.Frame{}, err
	}
	return f, nil
}

func (v FrameView) captureTime() time.Time {
	// Driver timestamps are usually CLOCK_MONOTONIC, which is not wall time.
	if v.Timestamp.IsZero() || v.Timestamp.Before(time.Unix(1e9, 0)) {
		return time.Now()
	}
	return v.Timestamp
}
