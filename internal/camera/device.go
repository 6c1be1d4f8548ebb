package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"posestream/internal/models"
)

// State is a step of the capture lifecycle:
// Closed → Opened → FormatNegotiated → BufferMapped → Streaming → ... → Closed.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateFormatNegotiated
	StateBufferMapped
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateFormatNegotiated:
		return "format-negotiated"
	case StateBufferMapped:
		return "buffer-mapped"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Format is the capture format the driver accepted.
type Format struct {
	Width        int
	Height       int
	Encoding     models.PixelEncoding
	BytesPerLine int
	SizeImage    int
}

// Device owns one V4L2 capture handle and its memory-mapped buffers.
//
// A Device is driven from a single goroutine. Close may be called from any
// goroutine; it stops the stream, which wakes a Capture blocked in dequeue.
type Device struct {
	path string
	ctrl controller
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	format  Format
	fps     uint32
	buffers [][]byte
	held    int

	// gen advances whenever outstanding views become invalid.
	gen atomic.Uint64
}

// DevicePath returns the node for a capture index, e.g. /dev/video0.
func DevicePath(index int) string {
	return fmt.Sprintf("/dev/video%d", index)
}

// Open opens /dev/video<index>.
func Open(index int, logger *slog.Logger) (*Device, error) {
	return OpenPath(DevicePath(index), logger)
}

// OpenPath opens a capture node by path. Failure is a *DeviceError.
func OpenPath(path string, logger *slog.Logger) (*Device, error) {
	ctrl, err := openController(path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Path: path, Err: err}
	}
	return newDevice(path, ctrl, logger), nil
}

func newDevice(path string, ctrl controller, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		path:  path,
		ctrl:  ctrl,
		log:   logger.With("device", path),
		state: StateOpened,
		held:  -1,
	}
}

func (d *Device) Path() string { return d.path }

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) Format() Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// NumBuffers is the number of mapped kernel buffers.
func (d *Device) NumBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// NegotiateFormat inspects the device and asks it to capture width x height
// frames in enc. The driver may adjust the size; the accepted format is
// returned. A driver that substitutes another pixel encoding is rejected.
func (d *Device) NegotiateFormat(width, height int, enc models.PixelEncoding) (Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateOpened && d.state != StateFormatNegotiated {
		return Format{}, &PreconditionError{Op: "negotiate format", State: d.state, Reason: "buffers already allocated"}
	}
	want, err := pixelFormatFor(enc)
	if err != nil {
		return Format{}, d.deviceErr("negotiate format", err)
	}

	caps, err := d.ctrl.QueryCapability()
	if err != nil {
		return Format{}, d.deviceErr("query capability", err)
	}
	d.log.Info("device capabilities",
		"driver", caps.Driver, "card", caps.Card, "bus", caps.BusInfo,
		"version", caps.Version, "caps", fmt.Sprintf("%#x", caps.Capabilities))
	if !caps.CanCapture() || !caps.CanStream() {
		return Format{}, d.deviceErr("query capability", errors.New("node does not support streaming video capture"))
	}

	if in, err := d.ctrl.CurrentInput(); err != nil {
		d.log.Warn("input query failed", "error", err)
	} else {
		d.log.Info("video input", "index", in.Index, "name", in.Name, "status", in.Status)
	}

	cur, err := d.ctrl.GetFormat()
	if err != nil {
		return Format{}, d.deviceErr("get format", err)
	}
	d.log.Debug("current format", "width", cur.Width, "height", cur.Height, "pixelformat", FourCCString(cur.PixelFormat))

	if descs, err := d.ctrl.EnumFormats(); err == nil {
		for _, fd := range descs {
			d.log.Debug("supported format", "index", fd.Index, "pixelformat", FourCCString(fd.PixelFormat), "description", fd.Description)
		}
	}

	req := cur
	req.Width, req.Height, req.PixelFormat = uint32(width), uint32(height), want
	got, err := d.ctrl.SetFormat(req)
	if err != nil {
		return Format{}, d.deviceErr("set format", err)
	}
	if got.PixelFormat != want {
		return Format{}, d.deviceErr("set format", fmt.Errorf("driver chose %s instead of %s",
			FourCCString(got.PixelFormat), FourCCString(want)))
	}
	if got.Width != uint32(width) || got.Height != uint32(height) {
		d.log.Warn("driver adjusted capture size", "requested", fmt.Sprintf("%dx%d", width, height),
			"accepted", fmt.Sprintf("%dx%d", got.Width, got.Height))
	}

	bpl := int(got.BytesPerLine)
	if bpl == 0 {
		bpl = int(got.Width) * enc.BytesPerPixel()
	}
	d.format = Format{
		Width:        int(got.Width),
		Height:       int(got.Height),
		Encoding:     enc,
		BytesPerLine: bpl,
		SizeImage:    int(got.SizeImage),
	}
	d.state = StateFormatNegotiated
	d.log.Info("format negotiated", "width", d.format.Width, "height", d.format.Height,
		"encoding", enc, "bytes_per_line", bpl)
	return d.format, nil
}

// AllocateAndMap requests count memory-mapped buffers and maps every buffer
// the driver grants.
func (d *Device) AllocateAndMap(count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateFormatNegotiated {
		return &PreconditionError{Op: "allocate buffers", State: d.state, Reason: "format not negotiated"}
	}
	if count < 1 {
		return d.deviceErr("request buffers", fmt.Errorf("invalid buffer count %d", count))
	}

	granted, err := d.ctrl.RequestBuffers(uint32(count))
	if err != nil {
		return d.deviceErr("request buffers", err)
	}
	if granted == 0 {
		return d.deviceErr("request buffers", errors.New("driver granted no buffers"))
	}
	d.log.Info("buffers granted", "requested", count, "granted", granted)

	bufs := make([][]byte, 0, granted)
	for i := uint32(0); i < granted; i++ {
		info, err := d.ctrl.QueryBuffer(i)
		if err == nil && int(info.Length) < d.frameBytes() {
			err = fmt.Errorf("buffer length %d smaller than frame size %d", info.Length, d.frameBytes())
		}
		var mem []byte
		if err == nil {
			mem, err = d.ctrl.Map(info)
		}
		if err != nil {
			for _, b := range bufs {
				_ = d.ctrl.Unmap(b)
			}
			return d.deviceErr(fmt.Sprintf("map buffer %d", i), err)
		}
		bufs = append(bufs, mem)
	}
	d.buffers = bufs
	d.state = StateBufferMapped
	return nil
}

// SetFrameRate sets the capture interval to 1/fps. It must succeed before
// StartStreaming.
func (d *Device) SetFrameRate(fps int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateClosed:
		return &PreconditionError{Op: "set frame rate", State: d.state, Reason: "device closed"}
	case StateStreaming:
		return &PreconditionError{Op: "set frame rate", State: d.state, Reason: "stream is running"}
	}
	if fps <= 0 {
		return d.deviceErr("set frame rate", fmt.Errorf("invalid frame rate %d", fps))
	}
	if err := d.ctrl.SetFrameRate(uint32(fps)); err != nil {
		return d.deviceErr("set frame rate", err)
	}
	d.fps = uint32(fps)
	return nil
}

// StartStreaming queues every mapped buffer and enables the stream. It is a
// no-op when already streaming.
func (d *Device) StartStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStreaming {
		return nil
	}
	if d.fps == 0 {
		return &PreconditionError{Op: "start streaming", State: d.state, Reason: "frame rate not set"}
	}
	if d.state != StateBufferMapped {
		return &PreconditionError{Op: "start streaming", State: d.state, Reason: "buffers not mapped"}
	}

	for i := range d.buffers {
		if err := d.ctrl.Enqueue(uint32(i)); err != nil {
			return &StreamError{Op: fmt.Sprintf("enqueue buffer %d", i), Err: err}
		}
	}
	if err := d.ctrl.StreamOn(); err != nil {
		return &StreamError{Op: "stream on", Err: err}
	}
	d.held = -1
	d.state = StateStreaming
	d.log.Info("stream on", "fps", d.fps, "buffers", len(d.buffers))
	return nil
}

// Capture blocks until the driver fills a buffer and returns a view of it.
// The view is valid until the next Capture, StopStreaming or Close.
//
// With a single buffer the buffer is handed back to the driver at once, as
// the pipeline would otherwise stall. With several, the filled buffer is held
// for the view's cycle and requeued by the next Capture while the others
// keep the driver busy.
func (d *Device) Capture() (FrameView, error) {
	d.mu.Lock()
	if d.state != StateStreaming {
		st := d.state
		d.mu.Unlock()
		return FrameView{}, &PreconditionError{Op: "capture", State: st, Reason: "device is not streaming"}
	}
	d.gen.Add(1)
	if d.held >= 0 {
		idx := d.held
		d.held = -1
		if err := d.ctrl.Enqueue(uint32(idx)); err != nil {
			d.mu.Unlock()
			return FrameView{}, &StreamError{Op: fmt.Sprintf("requeue buffer %d", idx), Err: err}
		}
	}
	ctrl := d.ctrl
	d.mu.Unlock()

	info, err := ctrl.Dequeue()
	if err != nil {
		return FrameView{}, &StreamError{Op: "dequeue", Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateStreaming {
		return FrameView{}, &StreamError{Op: "dequeue", Err: ErrClosed}
	}
	if int(info.Index) >= len(d.buffers) {
		return FrameView{}, &StreamError{Op: "dequeue", Err: fmt.Errorf("driver returned unknown buffer %d", info.Index)}
	}

	mem := d.buffers[info.Index]
	if info.BytesUsed > 0 && int(info.BytesUsed) <= len(mem) {
		mem = mem[:info.BytesUsed]
	}
	if len(mem) < d.frameBytes() {
		_ = d.ctrl.Enqueue(info.Index)
		return FrameView{}, &StreamError{Op: "dequeue", Err: fmt.Errorf("short frame: %d bytes, want %d", len(mem), d.frameBytes())}
	}

	if len(d.buffers) == 1 {
		if err := d.ctrl.Enqueue(info.Index); err != nil {
			return FrameView{}, &StreamError{Op: "requeue buffer 0", Err: err}
		}
	} else {
		d.held = int(info.Index)
	}

	return FrameView{
		owner:        d,
		gen:          d.gen.Add(1),
		data:         mem,
		width:        d.format.Width,
		height:       d.format.Height,
		bytesPerLine: d.format.BytesPerLine,
		encoding:     d.format.Encoding,
		Sequence:     info.Sequence,
		Timestamp:    info.Timestamp,
	}, nil
}

// StopStreaming disables the stream. Buffers stay mapped so the stream can be
// restarted.
func (d *Device) StopStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *Device) stopLocked() error {
	if d.state != StateStreaming {
		return nil
	}
	d.gen.Add(1)
	d.state = StateBufferMapped
	d.held = -1
	if err := d.ctrl.StreamOff(); err != nil {
		return &StreamError{Op: "stream off", Err: err}
	}
	d.log.Info("stream off")
	return nil
}

// Close stops streaming, unmaps every buffer and closes the handle. Every
// step runs even when an earlier one fails. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateClosed {
		return nil
	}
	var errs []error
	if err := d.stopLocked(); err != nil {
		errs = append(errs, err)
	}
	for i, b := range d.buffers {
		if err := d.ctrl.Unmap(b); err != nil {
			errs = append(errs, fmt.Errorf("unmap buffer %d: %w", i, err))
		}
	}
	d.buffers = nil
	if err := d.ctrl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", d.path, err))
	}
	d.gen.Add(1)
	d.state = StateClosed
	d.log.Info("device closed")
	return errors.Join(errs...)
}

func (d *Device) generation() uint64 { return d.gen.Load() }

func (d *Device) frameBytes() int {
	return d.format.BytesPerLine*(d.format.Height-1) + d.format.Width*d.format.Encoding.BytesPerPixel()
}

func (d *Device) deviceErr(op string, err error) error {
	return &DeviceError{Op: op, Path: d.path, Err: err}
}

// Settings is everything needed to bring a device up to streaming.
type Settings struct {
	Index    int
	Width    int
	Height   int
	Encoding models.PixelEncoding
	FPS      int
	Buffers  int
}

// Setup opens, negotiates, maps and starts a device. On any failure the
// partially initialised device is closed before returning.
func Setup(s Settings, logger *slog.Logger) (*Device, error) {
	dev, err := Open(s.Index, logger)
	if err != nil {
		return nil, err
	}
	if err := dev.bringUp(s); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *Device) bringUp(s Settings) (err error) {
	defer func() {
		if err != nil {
			if cerr := d.Close(); cerr != nil {
				d.log.Warn("close after failed setup", "error", cerr)
			}
		}
	}()
	if _, err = d.NegotiateFormat(s.Width, s.Height, s.Encoding); err != nil {
		return err
	}
	if err = d.AllocateAndMap(s.Buffers); err != nil {
		return err
	}
	if err = d.SetFrameRate(s.FPS); err != nil {
		return err
	}
	return d.StartStreaming()
}
