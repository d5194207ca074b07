// Package hub fans out dashboard events to connected WebSocket clients.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// sendBuffer is the per-client queue size; a client that falls this
// far behind is disconnected rather than blocking the broadcaster.
const sendBuffer = 256

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 90 * time.Second
)

// client is one connected dashboard socket.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and broadcasts JSON events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	// seq gives events a strictly increasing order; the wall-clock
	// millisecond timestamp can repeat or step back with the clock.
	seq atomic.Int64

	upgrader websocket.Upgrader
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every connected client. The event must
// carry a "type" field; the hub stamps a timestamp and a sequence number. Slow
// clients are dropped, never waited on.
func (h *Hub) Broadcast(event map[string]any) {
	if event == nil {
		return
	}
	stamped := make(map[string]any, len(event)+2)
	for k, v := range event {
		stamped[k] = v
	}
	stamped["timestamp"] = time.Now().UnixMilli()
	stamped["seq"] = h.seq.Add(1)

	data, err := json.Marshal(stamped)
	if err != nil {
		L_warn("hub: failed to encode event", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		L_debug("hub: dropping slow client")
		h.remove(c)
	}
}

// ServeWS upgrades an HTTP request and registers the client. A hello
// frame is sent before any broadcast events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("hub: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	hello, _ := json.Marshal(map[string]any{
		"type":      "hello",
		"timestamp": time.Now().UnixMilli(),
	})
	c.send <- hello

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// remove unregisters and closes a client. Safe to call twice.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if ok {
		close(c.send)
		c.conn.Close()
	}
}

// readPump discards client frames; dashboards only listen. It exists
// to notice disconnects and answer pings.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
