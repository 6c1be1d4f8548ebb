//go:build linux && (amd64 || arm64)

package camera

import (
	"bytes"
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI structures from linux/videodev2.h, 64-bit little-endian layout.

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Input struct {
	index        uint32
	name         [32]byte
	typ          uint32
	audioset     uint32
	tuner        uint32
	std          uint64
	status       uint32
	capabilities uint32
	reserved     [3]uint32
}

type v4l2FmtDesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]byte
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Format's union is 8-byte aligned because v4l2_window holds pointers.
type v4l2Format struct {
	typ uint32
	_   uint32
	pix v4l2PixFormat
	_   [200 - unsafe.Sizeof(v4l2PixFormat{})]byte
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uint64 // union; offset for MMAP lives in the low 32 bits
	length    uint32
	reserved2 uint32
	requestFD int32
}

type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2CaptureParm struct {
	capability   uint32
	capturemode  uint32
	timeperframe v4l2Fract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type v4l2StreamParm struct {
	typ     uint32
	capture v4l2CaptureParm
	_       [200 - unsafe.Sizeof(v4l2CaptureParm{})]byte
}

const (
	bufTypeVideoCapture = 1
	memoryMMAP          = 1
	capTimePerFrame     = 0x1000

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocQueryCap  = ioc(iocRead, 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt   = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(v4l2FmtDesc{}))
	vidiocGFmt      = ioc(iocRead|iocWrite, 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	vidiocSParm     = ioc(iocRead|iocWrite, 22, unsafe.Sizeof(v4l2StreamParm{}))
	vidiocEnumInput = ioc(iocRead|iocWrite, 26, unsafe.Sizeof(v4l2Input{}))
	vidiocGInput    = ioc(iocRead, 38, unsafe.Sizeof(int32(0)))
)

type v4l2Controller struct {
	fd int
}

// openController opens the node in blocking mode so dequeue waits for a
// filled buffer.
func openController(path string) (controller, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &v4l2Controller{fd: fd}, nil
}

func (c *v4l2Controller) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (c *v4l2Controller) QueryCapability() (Capability, error) {
	var raw v4l2Capability
	if err := c.ioctl(vidiocQueryCap, unsafe.Pointer(&raw)); err != nil {
		return Capability{}, err
	}
	return Capability{
		Driver:       cstring(raw.driver[:]),
		Card:         cstring(raw.card[:]),
		BusInfo:      cstring(raw.busInfo[:]),
		Version:      raw.version,
		Capabilities: raw.capabilities,
		DeviceCaps:   raw.deviceCaps,
	}, nil
}

func (c *v4l2Controller) CurrentInput() (Input, error) {
	var index int32
	if err := c.ioctl(vidiocGInput, unsafe.Pointer(&index)); err != nil {
		return Input{}, err
	}
	raw := v4l2Input{index: uint32(index)}
	if err := c.ioctl(vidiocEnumInput, unsafe.Pointer(&raw)); err != nil {
		return Input{}, err
	}
	return Input{
		Index:        raw.index,
		Name:         cstring(raw.name[:]),
		Type:         raw.typ,
		Status:       raw.status,
		Capabilities: raw.capabilities,
	}, nil
}

func (c *v4l2Controller) EnumFormats() ([]FormatDesc, error) {
	var out []FormatDesc
	for i := uint32(0); ; i++ {
		raw := v4l2FmtDesc{index: i, typ: bufTypeVideoCapture}
		err := c.ioctl(vidiocEnumFmt, unsafe.Pointer(&raw))
		if errors.Is(err, unix.EINVAL) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, FormatDesc{
			Index:       raw.index,
			PixelFormat: raw.pixelformat,
			Description: cstring(raw.description[:]),
		})
	}
}

func (c *v4l2Controller) getFormat() (v4l2Format, error) {
	raw := v4l2Format{typ: bufTypeVideoCapture}
	err := c.ioctl(vidiocGFmt, unsafe.Pointer(&raw))
	return raw, err
}

func fromRawPix(p v4l2PixFormat) PixFormat {
	return PixFormat{
		Width:        p.width,
		Height:       p.height,
		PixelFormat:  p.pixelformat,
		Field:        p.field,
		BytesPerLine: p.bytesperline,
		SizeImage:    p.sizeimage,
		Colorspace:   p.colorspace,
	}
}

func (c *v4l2Controller) GetFormat() (PixFormat, error) {
	raw, err := c.getFormat()
	if err != nil {
		return PixFormat{}, err
	}
	return fromRawPix(raw.pix), nil
}

func (c *v4l2Controller) SetFormat(f PixFormat) (PixFormat, error) {
	raw, err := c.getFormat()
	if err != nil {
		return PixFormat{}, err
	}
	raw.pix.width = f.Width
	raw.pix.height = f.Height
	raw.pix.pixelformat = f.PixelFormat
	raw.pix.field = f.Field
	raw.pix.bytesperline = 0
	raw.pix.sizeimage = 0
	if err := c.ioctl(vidiocSFmt, unsafe.Pointer(&raw)); err != nil {
		return PixFormat{}, err
	}
	// Read back what the driver actually latched.
	return c.GetFormat()
}

func (c *v4l2Controller) RequestBuffers(count uint32) (uint32, error) {
	raw := v4l2RequestBuffers{count: count, typ: bufTypeVideoCapture, memory: memoryMMAP}
	if err := c.ioctl(vidiocReqBufs, unsafe.Pointer(&raw)); err != nil {
		return 0, err
	}
	return raw.count, nil
}

func fromRawBuffer(b v4l2Buffer) BufferInfo {
	sec, nsec := b.timestamp.Unix()
	return BufferInfo{
		Index:     b.index,
		BytesUsed: b.bytesused,
		Flags:     b.flags,
		Sequence:  b.sequence,
		Offset:    uint32(b.m),
		Length:    b.length,
		Timestamp: time.Unix(sec, nsec),
	}
}

func (c *v4l2Controller) QueryBuffer(index uint32) (BufferInfo, error) {
	raw := v4l2Buffer{index: index, typ: bufTypeVideoCapture, memory: memoryMMAP}
	if err := c.ioctl(vidiocQueryBuf, unsafe.Pointer(&raw)); err != nil {
		return BufferInfo{}, err
	}
	return fromRawBuffer(raw), nil
}

func (c *v4l2Controller) Map(info BufferInfo) ([]byte, error) {
	return unix.Mmap(c.fd, int64(info.Offset), int(info.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (c *v4l2Controller) Unmap(b []byte) error {
	return unix.Munmap(b)
}

func (c *v4l2Controller) SetFrameRate(fps uint32) error {
	raw := v4l2StreamParm{typ: bufTypeVideoCapture}
	raw.capture.capability = capTimePerFrame
	raw.capture.timeperframe = v4l2Fract{numerator: 1, denominator: fps}
	return c.ioctl(vidiocSParm, unsafe.Pointer(&raw))
}

func (c *v4l2Controller) StreamOn() error {
	typ := int32(bufTypeVideoCapture)
	return c.ioctl(vidiocStreamOn, unsafe.Pointer(&typ))
}

func (c *v4l2Controller) StreamOff() error {
	typ := int32(bufTypeVideoCapture)
	return c.ioctl(vidiocStreamOff, unsafe.Pointer(&typ))
}

func (c *v4l2Controller) Enqueue(index uint32) error {
	raw := v4l2Buffer{index: index, typ: bufTypeVideoCapture, memory: memoryMMAP}
	return c.ioctl(vidiocQBuf, unsafe.Pointer(&raw))
}

func (c *v4l2Controller) Dequeue() (BufferInfo, error) {
	raw := v4l2Buffer{typ: bufTypeVideoCapture, memory: memoryMMAP}
	if err := c.ioctl(vidiocDQBuf, unsafe.Pointer(&raw)); err != nil {
		return BufferInfo{}, err
	}
	return fromRawBuffer(raw), nil
}

func (c *v4l2Controller) Close() error {
	return unix.Close(c.fd)
}
