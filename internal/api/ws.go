package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lilphil/homeassistant-classcharts/internal/buildinfo"
	"github.com/lilphil/homeassistant-classcharts/internal/integration"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsMessage is pushed to websocket clients.
type wsMessage struct {
	Type       string      `json:"type"`
	EntryID    string      `json:"entry_id,omitempty"`
	Title      string      `json:"title,omitempty"`
	Version    string      `json:"version,omitempty"`
	LastUpdate *statusJSON `json:"last_update,omitempty"`
}

func newUpdateMessage(inst *integration.Instance) wsMessage {
	st := newStatusJSON(inst.Coordinator.LastUpdate())
	return wsMessage{
		Type:       "coordinator_update",
		EntryID:    inst.Entry.ID,
		Title:      inst.Entry.Title,
		LastUpdate: &st,
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans messages out to connected clients. A client whose buffer is
// full misses the message rather than stalling the broadcaster.
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// remove unregisters c and closes its send channel, which ends its
// write loop.
func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("websocket marshal failed", "type", msg.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("websocket client too slow, message dropped")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	hello, _ := json.Marshal(wsMessage{Type: "hello", Version: buildinfo.Version})
	c.send <- hello
	s.hub.add(c)

	go c.writeLoop()
	c.readLoop()
	s.hub.remove(c)
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
}

// readLoop discards inbound frames until the peer goes away.
func (c *wsClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
