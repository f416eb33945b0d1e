// Package visual streams the assistant's visual state and microphone level
// to browser clients over websocket.
package visual

import (
	"encoding/json"
	log "log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendBuffer   = 32
	writeTimeout = 2 * time.Second
	pingPeriod   = 30 * time.Second
)

// Message is what clients receive.
type Message struct {
	Type  string  `json:"type"` // "state" or "level"
	State string  `json:"state,omitempty"`
	Level float64 `json:"level,omitempty"`
}

type client struct {
	conn *ws.Conn
	send chan []byte
}

// Hub fans visual updates out to every connected client. Slow clients lose
// messages rather than holding up the orchestrator.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	state   string
	level   float64
	closed  bool

	upgrader ws.Upgrader
	mux      *http.ServeMux
}

func NewHub() *Hub {
	h := &Hub{
		clients: map[*client]struct{}{},
		state:   "idle",
		upgrader: ws.Upgrader{
			// Local page served from file:// or another port.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("/ws", h.serveWS)
	h.mux.HandleFunc("/state", h.serveState)
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Hub) SetVisual(state string) {
	h.mu.Lock()
	changed := h.state != state
	h.state = state
	h.mu.Unlock()

	if changed {
		h.broadcast(Message{Type: "state", State: state})
	}
}

func (h *Hub) UpdateLevel(level float64) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()

	h.broadcast(Message{Type: "level", Level: level})
}

// State returns the last visual state and level.
func (h *Hub) State() (string, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.level
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = map[*client]struct{}{}
	h.mu.Unlock()

	for c := range clients {
		close(c.send)
	}
	return nil
}

func (h *Hub) broadcast(m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		log.Error("Failed to encode visual update", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *Hub) serveState(w http.ResponseWriter, _ *http.Request) {
	state, level := h.State()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Message{Type: "state", State: state, Level: level})
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Failed to upgrade visualizer connection", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	hello, _ := json.Marshal(Message{Type: "state", State: h.state})
	c.send <- hello
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Debug("Visualizer connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only watches for the client going away.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !isClosed(err) {
				log.Debug("Visualizer read failed", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
	log.Debug("Visualizer disconnected")
}

func isClosed(err error) bool {
	return ws.IsCloseError(err,
		ws.CloseNormalClosure,
		ws.CloseGoingAway,
		ws.CloseAbnormalClosure)
}
