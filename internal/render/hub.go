package render

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"posestream/internal/models"
	"posestream/internal/services"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Message is what viewers receive.
type Message struct {
	Type      string  `json:"type"`
	ViewerID  string  `json:"viewer_id,omitempty"`
	Timestamp uint64  `json:"timestamp"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Points    []Point `json:"points,omitempty"`
}

type viewer struct {
	conn *websocket.Conn
	id   string
	send chan []byte
	once sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() { close(v.send) })
}

// Hub pushes projected keypoints to websocket viewers. A viewer that falls
// behind loses messages rather than slowing the capture loop.
type Hub struct {
	metrics  *services.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	viewers map[string]*viewer
}

func NewHub(metrics *services.Metrics) *Hub {
	return &Hub{
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		viewers: make(map[string]*viewer),
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// ServeHTTP upgrades the request and registers a viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	v := &viewer{conn: conn, id: uuid.NewString(), send: make(chan []byte, sendBuffer)}
	welcome, _ := sonic.Marshal(Message{Type: "WELCOME", ViewerID: v.id, Timestamp: uint64(time.Now().Unix())})
	v.send <- welcome

	h.mu.Lock()
	h.viewers[v.id] = v
	h.mu.Unlock()
	h.metrics.ViewerConnected()
	log.Printf("Viewer connected: %s", v.id)

	go h.writePump(v)
	go h.readPump(v)
}

func (h *Hub) unregister(v *viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v.id]
	delete(h.viewers, v.id)
	h.mu.Unlock()
	if ok {
		v.close()
		h.metrics.ViewerDisconnected()
		log.Printf("Viewer disconnected: %s", v.id)
	}
}

func (h *Hub) readPump(v *viewer) {
	defer func() {
		h.unregister(v)
		v.conn.Close()
	}()

	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := v.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Viewer %s error: %v", v.id, err)
				h.metrics.IncrementViewerErrors()
			}
			return
		}
		if msg.Type == "PING" {
			pong, _ := sonic.Marshal(Message{Type: "PONG", ViewerID: v.id, Timestamp: uint64(time.Now().Unix())})
			h.enqueue(v, pong)
		}
	}
}

func (h *Hub) writePump(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.metrics.IncrementViewerErrors()
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands msg to v without blocking. It must not race with close, so
// it runs under the read lock and skips unregistered viewers.
func (h *Hub) enqueue(v *viewer, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.viewers[v.id]; !ok {
		return
	}
	select {
	case v.send <- msg:
	default:
		h.metrics.IncrementViewerErrors()
	}
}

func (h *Hub) Render(frame models.Frame, k models.Keypoints, threshold float32) error {
	msg, err := sonic.Marshal(Message{
		Type:      "KEYPOINTS",
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		Points:    Project(frame.Width, frame.Height, &k, threshold),
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers {
		select {
		case v.send <- msg:
			h.metrics.IncrementViewerMessages()
		default:
			h.metrics.IncrementViewerErrors()
		}
	}
	return nil
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, v := range h.viewers {
		v.close()
		delete(h.viewers, id)
		h.metrics.ViewerDisconnected()
	}
}
