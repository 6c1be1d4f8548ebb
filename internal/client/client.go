// Package client streams captured frames to an inference server and renders
// the keypoints it answers with.
package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"posestream/internal/camera"
	"posestream/internal/codec"
	"posestream/internal/models"
	"posestream/internal/protocol"
	"posestream/internal/render"
)

// FrameSource yields frames one capture cycle at a time. *camera.Device and
// *camera.Pattern implement it.
type FrameSource interface {
	Capture() (camera.FrameView, error)
	Close() error
}

type Config struct {
	Addr string
	// WireWidth and WireHeight letterbox frames before sending. Zero sends
	// frames at capture size.
	WireWidth  int
	WireHeight int
	Mirror     bool
	Threshold  float32
	// DialTimeout bounds Connect. Zero means no timeout.
	DialTimeout time.Duration
	Limits      protocol.Limits
}

type Stats struct {
	Frames        uint64
	LastRoundTrip time.Duration
}

var errNotConnected = errors.New("not connected")

// Client runs the synchronous capture, send, receive, render loop with one
// request in flight. It never reconnects on its own.
type Client struct {
	cfg      Config
	source   FrameSource
	renderer render.Renderer
	log      *slog.Logger

	// mu guards conn so Interrupt may run from another goroutine.
	mu    sync.Mutex
	conn  net.Conn
	stats Stats
}

// New builds a client. The caller keeps ownership of source.
func New(cfg Config, source FrameSource, renderer render.Renderer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limits == (protocol.Limits{}) {
		cfg.Limits = protocol.DefaultLimits
	}
	return &Client{
		cfg:      cfg,
		source:   source,
		renderer: renderer,
		log:      logger.With("server", cfg.Addr),
	}
}

// Connect dials the server. Failure is a *protocol.ConnectionError.
func (c *Client) Connect() error {
	if c.current() != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.DialTimeout)
	if err != nil {
		return &protocol.ConnectionError{Op: "connect", Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("connected", "local", conn.LocalAddr().String())
	return nil
}

// Reconnect closes the current connection, if any, and dials again.
func (c *Client) Reconnect() error {
	if err := c.Close(); err != nil {
		c.log.Warn("close before reconnect", "error", err)
	}
	return c.Connect()
}

// Close closes the connection. The frame source is left open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Interrupt makes a pending or later send or receive fail at once, so Run
// returns even while the server is stalled. It is safe to call from any
// goroutine. Reconnect clears it.
func (c *Client) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.SetDeadline(time.Now())
	}
}

func (c *Client) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) Stats() Stats { return c.stats }

// Step runs one full cycle: capture, encode, round trip, render.
func (c *Client) Step() error {
	conn := c.current()
	if conn == nil {
		return &protocol.ConnectionError{Op: "step", Err: errNotConnected}
	}

	view, err := c.source.Capture()
	if err != nil {
		return err
	}
	frame, err := view.Frame()
	if err != nil {
		return err
	}
	if c.cfg.Mirror {
		if frame, err = codec.Mirror(frame); err != nil {
			return err
		}
	}
	wire, err := c.toWire(frame)
	if err != nil {
		return err
	}

	req := protocol.Request{
		Width:         uint32(wire.Width),
		Height:        uint32(wire.Height),
		Timestamp:     wire.Timestamp,
		PayloadLength: uint64(len(wire.Pix)),
	}
	start := time.Now()
	if err := protocol.SendRequest(conn, req, wire.Pix); err != nil {
		return err
	}
	resp, err := c.cfg.Limits.ReceiveResponse(conn)
	if errors.Is(err, io.EOF) {
		return &protocol.ConnectionError{Op: "receive response", Err: fmt.Errorf("server closed the connection: %w", err)}
	}
	if err != nil {
		return err
	}
	if resp.Timestamp != req.Timestamp {
		return &protocol.ProtocolError{Op: "receive response", Err: fmt.Errorf("timestamp %d does not echo request %d", resp.Timestamp, req.Timestamp)}
	}

	c.stats.Frames++
	c.stats.LastRoundTrip = time.Since(start)
	c.log.Debug("frame", "timestamp", req.Timestamp, "bytes", req.PayloadLength, "round_trip", c.stats.LastRoundTrip)

	if c.renderer == nil {
		return nil
	}
	return c.renderer.Render(frame, resp.Keypoints, c.cfg.Threshold)
}

// toWire packs frame as yuv422 at the wire size.
func (c *Client) toWire(frame models.Frame) (models.Frame, error) {
	switch frame.Encoding {
	case models.EncodingYUV422:
	case models.EncodingRGB24:
		if frame.Width%2 != 0 {
			return models.Frame{}, fmt.Errorf("rgb24 frame width %d is not even", frame.Width)
		}
		packed := frame
		packed.Encoding = models.EncodingYUV422
		packed.Pix = make([]byte, models.FrameSize(frame.Width, frame.Height, models.EncodingYUV422))
		if err := codec.RGB24ToYUV422(packed.Pix, frame.Pix); err != nil {
			return models.Frame{}, err
		}
		frame = packed
	default:
		return models.Frame{}, fmt.Errorf("cannot send %s frames", frame.Encoding)
	}
	w, h := c.cfg.WireWidth, c.cfg.WireHeight
	if w == 0 || h == 0 || (w == frame.Width && h == frame.Height) {
		return frame, nil
	}
	return codec.Letterbox(frame, w, h)
}

// Run steps until the first error, which it returns.
func (c *Client) Run() error {
	for {
		if err := c.Step(); err != nil {
			return err
		}
	}
}
