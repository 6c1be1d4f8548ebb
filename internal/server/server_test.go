package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"posestream/internal/codec"
	"posestream/internal/inference"
	"posestream/internal/models"
	"posestream/internal/protocol"
	"posestream/internal/services"
)

const modelSize = 16

type ended struct {
	id     string
	frames int64
	reason string
}

type fakeRecorder struct {
	mu    sync.Mutex
	begun []models.SessionRecord
	ended chan ended
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ended: make(chan ended, 16)}
}

func (r *fakeRecorder) BeginSession(_ context.Context, rec models.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun = append(r.begun, rec)
	return nil
}

func (r *fakeRecorder) EndSession(_ context.Context, id string, _ time.Time, frames int64, reason string) error {
	r.ended <- ended{id: id, frames: frames, reason: reason}
	return nil
}

func (r *fakeRecorder) next(t *testing.T) ended {
	t.Helper()
	select {
	case e := <-r.ended:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return ended{}
	}
}

func centroids() (inference.Engine, error) {
	return inference.NewCentroid(modelSize, modelSize), nil
}

type testServer struct {
	*Server
	addr     string
	recorder *fakeRecorder
	metrics  *services.Metrics
	served   chan error
}

func startServer(t *testing.T, engines inference.Factory) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		addr:     ln.Addr().String(),
		recorder: newFakeRecorder(),
		metrics:  services.NewMetrics(nil),
		served:   make(chan error, 1),
	}
	ts.Server = New(Config{ModelWidth: modelSize, ModelHeight: modelSize}, engines,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(ts.metrics),
		WithRecorder(ts.recorder),
	)
	go func() { ts.served <- ts.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.Shutdown(ctx)
	})
	return ts
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// testFrame is a dark YUV422 frame with a bright square whose position
// depends on seed.
func testFrame(w, h, seed int) models.Frame {
	f := models.NewFrame(w, h, models.EncodingYUV422)
	for i := 0; i < len(f.Pix); i += 2 {
		f.Pix[i], f.Pix[i+1] = 16, 128
	}
	x0, y0 := (seed*7)%(w/2), (seed*5)%(h/2)
	for y := y0; y < y0+h/4; y++ {
		for x := x0; x < x0+w/4; x++ {
			f.Pix[(y*w+x)*2] = 235
		}
	}
	return f
}

// expected runs the server pipeline locally.
func expected(t *testing.T, f models.Frame) models.Keypoints {
	t.Helper()
	if f.Width != modelSize || f.Height != modelSize {
		var err error
		if f, err = codec.Letterbox(f, modelSize, modelSize); err != nil {
			t.Fatal(err)
		}
	}
	rgb := make([]byte, modelSize*modelSize*3)
	if err := codec.YUV422ToRGB24(rgb, f.Pix); err != nil {
		t.Fatal(err)
	}
	k, err := inference.NewCentroid(modelSize, modelSize).Estimate(rgb)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func roundTrip(t *testing.T, conn net.Conn, f models.Frame, ts uint64) protocol.Response {
	t.Helper()
	req := protocol.Request{Width: uint32(f.Width), Height: uint32(f.Height), Timestamp: ts, PayloadLength: uint64(len(f.Pix))}
	if err := protocol.SendRequest(conn, req, f.Pix); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := protocol.ReceiveResponse(conn)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return resp
}

func TestServeEchoesTimestamp(t *testing.T) {
	ts := startServer(t, centroids)
	conn := dial(t, ts.addr)

	tests := []struct {
		name string
		w, h int
	}{
		{"model size", modelSize, modelSize},
		{"landscape letterboxed", 64, 48},
		{"portrait letterboxed", 24, 40},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testFrame(tt.w, tt.h, i)
			resp := roundTrip(t, conn, f, uint64(1000+i))
			if resp.Timestamp != uint64(1000+i) {
				t.Errorf("timestamp = %d", resp.Timestamp)
			}
			if want := expected(t, f); resp.Keypoints != want {
				t.Errorf("keypoints differ from local pipeline")
			}
		})
	}

	conn.Close()
	e := ts.recorder.next(t)
	if e.reason != models.EndReasonDisconnect || e.frames != 3 {
		t.Errorf("session end = %+v", e)
	}
	if got := ts.metrics.GetTotalFrames(); got != 3 {
		t.Errorf("metrics frames = %d", got)
	}
}

func TestShortPayloadEndsSession(t *testing.T) {
	ts := startServer(t, centroids)
	conn := dial(t, ts.addr)

	hdr := protocol.Request{Width: 10, Height: 5, Timestamp: 1, PayloadLength: 100}.Marshal()
	msg := binary.BigEndian.AppendUint32(nil, uint32(len(hdr)))
	msg = append(msg, hdr...)
	msg = append(msg, make([]byte, 50)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	conn.(*net.TCPConn).CloseWrite()

	if e := ts.recorder.next(t); e.reason != models.EndReasonProtocol {
		t.Errorf("end reason = %s, want %s", e.reason, models.EndReasonProtocol)
	}
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after protocol error: %v, want EOF", err)
	}

	// The server keeps serving others.
	other := dial(t, ts.addr)
	f := testFrame(modelSize, modelSize, 1)
	if resp := roundTrip(t, other, f, 7); resp.Timestamp != 7 {
		t.Errorf("timestamp = %d", resp.Timestamp)
	}
}

func TestPayloadSizeMismatchEndsSession(t *testing.T) {
	ts := startServer(t, centroids)
	conn := dial(t, ts.addr)

	payload := make([]byte, 30)
	req := protocol.Request{Width: 4, Height: 4, Timestamp: 1, PayloadLength: uint64(len(payload))}
	if err := protocol.SendRequest(conn, req, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReceiveResponse(conn); err != io.EOF {
		t.Errorf("response: %v, want EOF", err)
	}
	if e := ts.recorder.next(t); e.reason != models.EndReasonProtocol {
		t.Errorf("end reason = %s", e.reason)
	}
}

func TestOverflowingDimensionsEndSession(t *testing.T) {
	ts := startServer(t, centroids)
	conn := dial(t, ts.addr)

	// 4294836226 * 2147549185 * 2 wraps to 4 in 64 bits.
	payload := make([]byte, 4)
	req := protocol.Request{Width: 4294836226, Height: 2147549185, Timestamp: 7, PayloadLength: uint64(len(payload))}
	if err := protocol.SendRequest(conn, req, payload); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReceiveResponse(conn); err != io.EOF {
		t.Errorf("response: %v, want EOF", err)
	}
	if e := ts.recorder.next(t); e.reason != models.EndReasonProtocol {
		t.Errorf("end reason = %s, want %s", e.reason, models.EndReasonProtocol)
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	ts := startServer(t, centroids)

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for c := 0; c < 2; c++ {
		conn := dial(t, ts.addr)
		frame := testFrame(32, 24, 3+c*4)
		want := expected(t, frame)
		base := uint64(c+1) * 1_000_000

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(0); i < rounds; i++ {
				req := protocol.Request{Width: 32, Height: 24, Timestamp: base + i, PayloadLength: uint64(len(frame.Pix))}
				if err := protocol.SendRequest(conn, req, frame.Pix); err != nil {
					errs <- err
					return
				}
				resp, err := protocol.ReceiveResponse(conn)
				if err != nil {
					errs <- err
					return
				}
				if resp.Timestamp != base+i {
					errs <- errors.New("response carried another request's timestamp")
				}
				if resp.Keypoints != want {
					errs <- errors.New("response carried another session's keypoints")
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

type failingEngine struct {
	err   error
	panic bool
}

func (e failingEngine) Estimate([]byte) (models.Keypoints, error) {
	if e.panic {
		panic("model crashed")
	}
	return models.Keypoints{}, e.err
}
func (failingEngine) Name() string { return "failing" }
func (failingEngine) Close() error { return nil }

func TestEngineFailureEndsSession(t *testing.T) {
	ts := startServer(t, func() (inference.Engine, error) {
		return failingEngine{err: errors.New("out of memory")}, nil
	})
	conn := dial(t, ts.addr)
	f := testFrame(modelSize, modelSize, 0)
	req := protocol.Request{Width: modelSize, Height: modelSize, Timestamp: 1, PayloadLength: uint64(len(f.Pix))}
	if err := protocol.SendRequest(conn, req, f.Pix); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.ReceiveResponse(conn); err != io.EOF {
		t.Errorf("response: %v, want EOF", err)
	}
	if e := ts.recorder.next(t); e.reason != models.EndReasonEngine {
		t.Errorf("end reason = %s", e.reason)
	}
}

func TestPanicEndsOnlyThatSession(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	ts := startServer(t, func() (inference.Engine, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return failingEngine{panic: true}, nil
		}
		return centroids()
	})

	first := dial(t, ts.addr)
	f := testFrame(modelSize, modelSize, 0)
	req := protocol.Request{Width: modelSize, Height: modelSize, Timestamp: 1, PayloadLength: uint64(len(f.Pix))}
	if err := protocol.SendRequest(first, req, f.Pix); err != nil {
		t.Fatal(err)
	}
	if e := ts.recorder.next(t); e.reason != models.EndReasonPanic {
		t.Errorf("end reason = %s", e.reason)
	}

	second := dial(t, ts.addr)
	if resp := roundTrip(t, second, f, 2); resp.Timestamp != 2 {
		t.Errorf("timestamp = %d", resp.Timestamp)
	}
}

func TestEngineFactoryFailureClosesConnection(t *testing.T) {
	ts := startServer(t, func() (inference.Engine, error) {
		return nil, errors.New("model file missing")
	})
	conn := dial(t, ts.addr)
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read: %v, want EOF", err)
	}
	if got := ts.metrics.GetTotalErrors(); got != 1 {
		t.Errorf("errors = %d", got)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	ts := startServer(t, centroids)
	conn := dial(t, ts.addr)
	roundTrip(t, conn, testFrame(modelSize, modelSize, 0), 1)

	if ts.ActiveSessions() != 1 {
		t.Fatalf("active = %d", ts.ActiveSessions())
	}
	if h := ts.Health(); h.Status != "healthy" || h.Engine != "centroid" || h.ActiveSessions != 1 {
		t.Errorf("health = %+v", h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-ts.served; !errors.Is(err, ErrServerClosed) {
		t.Errorf("serve returned %v", err)
	}
	if e := ts.recorder.next(t); e.reason != models.EndReasonShutdown || e.frames != 1 {
		t.Errorf("session end = %+v", e)
	}
	if ts.ActiveSessions() != 0 || ts.Health().Status != "stopping" {
		t.Errorf("after shutdown: %+v", ts.Health())
	}
	if _, err := net.DialTimeout("tcp", ts.addr, time.Second); err == nil {
		t.Error("still accepting after shutdown")
	}
}
