package camera

import (
	"fmt"
	"time"

	"posestream/internal/models"
)

// controller is the typed request/response layer over the kernel device.
// Each method is one control operation; sequencing lives in Device.
type controller interface {
	QueryCapability() (Capability, error)
	CurrentInput() (Input, error)
	EnumFormats() ([]FormatDesc, error)
	GetFormat() (PixFormat, error)
	SetFormat(PixFormat) (PixFormat, error)
	RequestBuffers(count uint32) (uint32, error)
	QueryBuffer(index uint32) (BufferInfo, error)
	Map(BufferInfo) ([]byte, error)
	Unmap([]byte) error
	SetFrameRate(fps uint32) error
	StreamOn() error
	StreamOff() error
	Enqueue(index uint32) error
	Dequeue() (BufferInfo, error)
	Close() error
}

// Capability flags, from linux/videodev2.h.
const (
	CapVideoCapture = 0x00000001
	CapStreaming    = 0x04000000
	CapDeviceCaps   = 0x80000000
)

type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// effective returns the capabilities of this node rather than the whole
// physical device when the driver reports them.
func (c Capability) effective() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

func (c Capability) CanCapture() bool { return c.effective()&CapVideoCapture != 0 }
func (c Capability) CanStream() bool  { return c.effective()&CapStreaming != 0 }

type Input struct {
	Index        uint32
	Name         string
	Type         uint32
	Status       uint32
	Capabilities uint32
}

type FormatDesc struct {
	Index       uint32
	PixelFormat uint32
	Description string
}

type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
}

// BufferInfo describes one kernel buffer as returned by query or dequeue.
type BufferInfo struct {
	Index     uint32
	BytesUsed uint32
	Flags     uint32
	Sequence  uint32
	Offset    uint32
	Length    uint32
	Timestamp time.Time
}

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	PixelFormatYUYV  = fourcc('Y', 'U', 'Y', 'V')
	PixelFormatRGB24 = fourcc('R', 'G', 'B', '3')
)

// FourCCString renders a pixel format code, e.g. "YUYV".
func FourCCString(code uint32) string {
	return string([]byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)})
}

func pixelFormatFor(enc models.PixelEncoding) (uint32, error) {
	switch enc {
	case models.EncodingYUV422:
		return PixelFormatYUYV, nil
	case models.EncodingRGB24:
		return PixelFormatRGB24, nil
	}
	return 0, fmt.Errorf("no capture pixel format for %s", enc)
}
