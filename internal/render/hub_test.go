package render

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"posestream/internal/models"
	"posestream/internal/services"
)

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func TestHubBroadcast(t *testing.T) {
	metrics := services.NewMetrics(nil)
	hub := NewHub(metrics)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dialHub(t, srv.URL)
	b := dialHub(t, srv.URL)
	if msg := readMessage(t, a); msg.Type != "WELCOME" || msg.ViewerID == "" {
		t.Fatalf("welcome = %+v", msg)
	}
	readMessage(t, b)
	if hub.Count() != 2 {
		t.Fatalf("viewers = %d", hub.Count())
	}

	frame := models.NewFrame(640, 480, models.EncodingYUV422)
	frame.Timestamp = 99
	if err := hub.Render(frame, keypointsAt(0.5, 0.5, 0.9), 0.25); err != nil {
		t.Fatal(err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != "KEYPOINTS" || msg.Timestamp != 99 || len(msg.Points) != models.NumKeypoints {
			t.Errorf("message = %+v", msg)
		}
		if msg.Points[0].X != 320 || msg.Points[0].Y != 240 {
			t.Errorf("nose at (%d,%d)", msg.Points[0].X, msg.Points[0].Y)
		}
	}
	if got := metrics.Snapshot().Viewers.Messages; got != 2 {
		t.Errorf("viewer messages = %d", got)
	}
}

func TestHubPingPong(t *testing.T) {
	hub := NewHub(services.NewMetrics(nil))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dialHub(t, srv.URL)
	readMessage(t, conn)
	if err := conn.WriteJSON(Message{Type: "PING"}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != "PONG" {
		t.Errorf("reply = %+v", msg)
	}
}

func TestHubClose(t *testing.T) {
	metrics := services.NewMetrics(nil)
	hub := NewHub(metrics)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv.URL)
	readMessage(t, conn)
	hub.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("viewer still open after hub close")
	}
	if hub.Count() != 0 || metrics.GetViewers() != 0 {
		t.Errorf("viewers = %d / %d", hub.Count(), metrics.GetViewers())
	}
}
