package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	maxInboundSize = 512
)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// hub tracks WebSocket consumers. Clients only receive; anything they send is
// discarded, and a failed or slow write drops the client.
type hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*client
	log      *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*client),
		log:     log,
	}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = &client{conn: conn}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", "remote", conn.RemoteAddr().String(), "clients", n)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		conn.Close()
		h.log.Info("websocket client disconnected", "remote", conn.RemoteAddr().String(), "clients", n)
	}
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) send(conn *websocket.Conn, data []byte) {
	h.mu.RLock()
	c, ok := h.clients[conn]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		h.log.Debug("websocket write failed", "remote", conn.RemoteAddr().String(), "error", err)
		h.remove(conn)
	}
}

func (h *hub) broadcast(data []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.send(conn, data)
	}
}

// readLoop drains inbound frames so control messages are processed, and
// removes the client once the connection closes.
func (h *hub) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxInboundSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]*client)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn, c := range clients {
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.mu.Unlock()
		conn.Close()
	}
}
