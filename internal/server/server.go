// Package server accepts streaming clients and answers each frame with the
// keypoints estimated by a per-session inference engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"posestream/internal/codec"
	"posestream/internal/inference"
	"posestream/internal/models"
	"posestream/internal/protocol"
	"posestream/internal/services"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Recorder keeps an audit trail of sessions.
type Recorder interface {
	BeginSession(ctx context.Context, rec models.SessionRecord) error
	EndSession(ctx context.Context, id string, end time.Time, frames int64, reason string) error
}

type nopRecorder struct{}

func (nopRecorder) BeginSession(context.Context, models.SessionRecord) error           { return nil }
func (nopRecorder) EndSession(context.Context, string, time.Time, int64, string) error { return nil }

type Config struct {
	Addr        string
	ModelWidth  int
	ModelHeight int
	Limits      protocol.Limits
	Version     string
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

func WithMetrics(m *services.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithRecorder(r Recorder) Option { return func(s *Server) { s.recorder = r } }

// Server runs one goroutine and one engine per connection. The number of
// sessions is not bounded.
type Server struct {
	cfg      Config
	engines  inference.Factory
	log      *slog.Logger
	metrics  *services.Metrics
	recorder Recorder
	started  time.Time

	mu         sync.Mutex
	ln         net.Listener
	conns      map[net.Conn]struct{}
	closing    bool
	engineName string
	wg         sync.WaitGroup
}

func New(cfg Config, engines inference.Factory, opts ...Option) *Server {
	if cfg.Limits == (protocol.Limits{}) {
		cfg.Limits = protocol.DefaultLimits
	}
	s := &Server{
		cfg:      cfg,
		engines:  engines,
		log:      slog.Default(),
		recorder: nopRecorder{},
		started:  time.Now(),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = services.NewMetrics(nil)
	}
	return s
}

// ListenAndServe listens on cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown, then returns
// ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed, retrying", "error", err, "in", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.handle(conn)
	}
}

// Addr is the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown stops accepting, closes every live connection and waits for
// their sessions to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions is the number of connections being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Health() models.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := "healthy"
	if s.closing {
		status = "stopping"
	}
	return models.HealthStatus{
		Status:         status,
		Mode:           "server",
		ActiveSessions: len(s.conns),
		Engine:         s.engineName,
		Uptime:         time.Since(s.started),
		Version:        s.cfg.Version,
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	rec := models.SessionRecord{
		ID:         uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
		StartTime:  time.Now(),
	}
	log := s.log.With("session", rec.ID, "remote", rec.RemoteAddr)

	engine, err := s.engines()
	if err != nil {
		log.Error("engine unavailable", "error", err)
		s.metrics.IncrementErrors("engine")
		return
	}
	defer engine.Close()
	rec.Engine = engine.Name()
	s.mu.Lock()
	s.engineName = rec.Engine
	s.mu.Unlock()

	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()
	s.audit(log, func(ctx context.Context) error { return s.recorder.BeginSession(ctx, rec) })
	log.Info("session started", "engine", rec.Engine)

	sess := &session{
		conn:    conn,
		engine:  engine,
		limits:  s.cfg.Limits,
		modelW:  s.cfg.ModelWidth,
		modelH:  s.cfg.ModelHeight,
		log:     log,
		metrics: s.metrics,
	}
	err = sess.run()

	reason := s.endReason(err)
	if reason != models.EndReasonDisconnect && reason != models.EndReasonShutdown {
		s.metrics.IncrementErrors(reason)
		log.Warn("session failed", "reason", reason, "error", err)
	}
	s.audit(log, func(ctx context.Context) error {
		return s.recorder.EndSession(ctx, rec.ID, time.Now(), sess.frames, reason)
	})
	log.Info("session ended", "reason", reason, "frames", sess.frames, "duration", time.Since(rec.StartTime))
}

func (s *Server) audit(log *slog.Logger, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("session audit failed", "error", err)
	}
}

func (s *Server) endReason(err error) string {
	var (
		pe *protocol.ProtocolError
		ce *protocol.ConnectionError
		ee *engineError
		pp *panicError
	)
	switch {
	case err == nil:
		return models.EndReasonDisconnect
	case errors.As(err, &pp):
		return models.EndReasonPanic
	case errors.As(err, &ee):
		return models.EndReasonEngine
	case s.isClosing():
		return models.EndReasonShutdown
	case errors.As(err, &pe):
		return models.EndReasonProtocol
	case errors.As(err, &ce):
		return models.EndReasonConnection
	}
	return models.EndReasonConnection
}

type engineError struct{ err error }

func (e *engineError) Error() string  { return "engine: " + e.err.Error() }
func (e *engineError) Unwrap() error { return e.err }

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

type session struct {
	conn    net.Conn
	engine  inference.Engine
	limits  protocol.Limits
	modelW  int
	modelH  int
	log     *slog.Logger
	metrics *services.Metrics

	frames int64
	rgb    []byte
}

// run serves requests until the peer leaves or something fails. A clean
// disconnect returns nil.
func (s *session) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &panicError{value: r, stack: debug.Stack()}
			s.log.Error("session panicked", "panic", r, "stack", string(pe.stack))
			err = pe
		}
	}()

	s.rgb = make([]byte, models.FrameSize(s.modelW, s.modelH, models.EncodingRGB24))
	for {
		req, payload, err := s.limits.ReceiveRequest(s.conn)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		start := time.Now()
		k, err := s.estimate(req, payload)
		if err != nil {
			return err
		}
		if err := protocol.SendResponse(s.conn, protocol.Response{Timestamp: req.Timestamp, Keypoints: k}); err != nil {
			return err
		}
		s.frames++
		elapsed := time.Since(start)
		s.metrics.IncrementFrames()
		s.metrics.RecordLatency(elapsed)
		s.log.Debug("inference took", "timestamp", req.Timestamp, "size", fmt.Sprintf("%dx%d", req.Width, req.Height), "elapsed", elapsed)
	}
}

func (s *session) estimate(req protocol.Request, payload []byte) (models.Keypoints, error) {
	if req.Width == 0 || req.Height == 0 || req.Width > models.MaxDimension || req.Height > models.MaxDimension {
		return models.Keypoints{}, &protocol.ProtocolError{Op: "validate request",
			Err: fmt.Errorf("frame dimensions %dx%d out of range", req.Width, req.Height)}
	}
	frame := models.Frame{
		Timestamp: req.Timestamp,
		Width:     int(req.Width),
		Height:    int(req.Height),
		Encoding:  models.EncodingYUV422,
		Pix:       payload,
	}
	want := uint64(req.Width) * uint64(req.Height) * 2
	if req.PayloadLength != want {
		return models.Keypoints{}, &protocol.ProtocolError{Op: "validate request",
			Err: fmt.Errorf("payload_length %d does not match %dx%d yuv422 (%d bytes)", req.PayloadLength, req.Width, req.Height, want)}
	}
	if err := frame.Validate(); err != nil {
		return models.Keypoints{}, &protocol.ProtocolError{Op: "validate request", Err: err}
	}

	if frame.Width != s.modelW || frame.Height != s.modelH {
		var err error
		if frame, err = codec.Letterbox(frame, s.modelW, s.modelH); err != nil {
			return models.Keypoints{}, &engineError{err: err}
		}
	}
	if err := codec.YUV422ToRGB24(s.rgb, frame.Pix); err != nil {
		return models.Keypoints{}, &engineError{err: err}
	}
	k, err := s.engine.Estimate(s.rgb)
	if err != nil {
		return models.Keypoints{}, &engineError{err: err}
	}
	return k, nil
}
