// Package feed pushes monitoring updates to browser clients over WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/polisai/polis-monitor/pkg/cleaner"
	"github.com/polisai/polis-monitor/pkg/domain"
)

// Message types sent to clients.
const (
	TypeWelcome  = "welcome"
	TypeSnapshot = "snapshot"
	TypeEntry    = "entry"
	TypeEntries  = "entries"
	TypeStatus   = "status"
	TypeCleanup  = "cleanup"
	TypeAlert    = "alert"
	TypePong     = "pong"
)

// Message types accepted from clients.
const (
	requestPing     = "ping"
	requestSnapshot = "requestSnapshot"
)

const (
	sendBuffer     = 256
	broadcastQueue = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Message is the envelope of every frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// AlertMessage is the payload of an alert frame.
type AlertMessage struct {
	Kind     domain.AlertKind           `json:"kind"`
	Snapshot domain.PerformanceSnapshot `json:"snapshot"`
}

// ConnectionTracker tracks live connections. *cleaner.Cleaner implements it.
type ConnectionTracker interface {
	Register(id string, kind cleaner.Kind, handle any, reclaim cleaner.ReclaimFunc) error
	Touch(id string) bool
	Release(id string) bool
}

type client struct {
	hub  *Hub
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Hub maintains connected clients and fans messages out to them. A client
// whose send buffer is full is disconnected rather than stalling the hub.
type Hub struct {
	upgrader websocket.Upgrader
	snapshot func() any
	tracker  ConnectionTracker
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	dropped atomic.Uint64
}

// NewHub creates a hub. snapshot, when set, supplies the state sent to each
// new client and on request.
func NewHub(snapshot func() any, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		snapshot:   snapshot,
		logger:     logger,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// SetTracker registers every connection with tracker so stale connections
// are reclaimed. Call before serving.
func (h *Hub) SetTracker(t ConnectionTracker) {
	h.tracker = t
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("feed client connected", "client", c.id)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.logger.Info("feed client disconnected", "client", c.id)
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.trySend(data) {
					delete(h.clients, c)
					c.close()
					h.logger.Warn("feed client too slow, disconnecting", "client", c.id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket feed connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := &client{
		hub:  h,
		id:   "feed-" + uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	if h.tracker != nil {
		// Closing the connection ends the read pump, which unregisters the client.
		if err := h.tracker.Register(c.id, cleaner.KindConnection, conn, conn.Close); err != nil {
			h.logger.Warn("feed connection not tracked", "client", c.id, "error", err)
		}
	}

	c.enqueue(Message{Type: TypeWelcome, Data: map[string]string{"client": c.id}})
	if h.snapshot != nil {
		c.enqueue(Message{Type: TypeSnapshot, Data: h.snapshot()})
	}

	select {
	case h.register <- c:
	case <-h.done:
		if h.tracker != nil {
			h.tracker.Release(c.id)
		}
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of broadcasts discarded because the hub queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast sends msg to every client without blocking.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("feed message encoding failed", "type", msg.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastEntry pushes one updated entry.
func (h *Hub) BroadcastEntry(entry domain.MonitoringEntry) {
	h.Broadcast(Message{Type: TypeEntry, Data: entry})
}

// BroadcastEntries pushes a batch of updated entries.
func (h *Hub) BroadcastEntries(entries []domain.MonitoringEntry) {
	h.Broadcast(Message{Type: TypeEntries, Data: entries})
}

// BroadcastStatus pushes a proxy or component status change.
func (h *Hub) BroadcastStatus(status domain.StatusChanged) {
	h.Broadcast(Message{Type: TypeStatus, Data: status})
}

// BroadcastCleanup pushes the number of entries removed by a memory cleanup.
func (h *Hub) BroadcastCleanup(removed int) {
	h.Broadcast(Message{Type: TypeCleanup, Data: map[string]int{"removed": removed}})
}

// BroadcastAlert pushes a performance alert.
func (h *Hub) BroadcastAlert(kind domain.AlertKind, snap domain.PerformanceSnapshot) {
	h.Broadcast(Message{Type: TypeAlert, Data: AlertMessage{Kind: kind, Snapshot: snap}})
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// trySend queues data without blocking. It reports false only when the
// buffer is full; sends to a closed client are discarded.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// enqueue queues a direct reply to this client only.
func (c *client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("feed message encoding failed", "type", msg.Type, "error", err)
		return
	}
	c.trySend(data)
}

func (c *client) readPump() {
	defer func() {
		if c.hub.tracker != nil {
			c.hub.tracker.Release(c.id)
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.hub.tracker != nil {
			c.hub.tracker.Touch(c.id)
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("feed read failed", "client", c.id, "error", err)
			}
			return
		}
		if c.hub.tracker != nil {
			c.hub.tracker.Touch(c.id)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("feed message ignored", "client", c.id, "error", err)
			continue
		}
		switch msg.Type {
		case requestPing:
			c.enqueue(Message{Type: TypePong, Data: map[string]int64{"timestamp": time.Now().Unix()}})
		case requestSnapshot:
			if c.hub.snapshot != nil {
				c.enqueue(Message{Type: TypeSnapshot, Data: c.hub.snapshot()})
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
