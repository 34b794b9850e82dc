package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection timing for websocket clients.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	// DefaultSendBuffer is the per-client outbound queue length.
	DefaultSendBuffer = 64
)

// ErrSlowConsumer is returned when a message could not be queued for some recipients.
var ErrSlowConsumer = errors.New("recipient send buffer full")

// Message is the JSON frame written to clients.
type Message struct {
	Event string      `json:"event"`
	Room  string      `json:"room,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	At    time.Time   `json:"at"`
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// Hub is a websocket Gateway. Clients subscribe as a user and to any number of rooms.
type Hub struct {
	mu         sync.RWMutex
	byUser     map[string]map[*client]struct{}
	byRoom     map[string]map[*client]struct{}
	upgrader   websocket.Upgrader
	sendBuffer int
	closed     bool
}

var _ Gateway = (*Hub)(nil)

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	user  string
	rooms []string
	once  sync.Once
}

// NewHub creates a Hub with no clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		byUser:     make(map[string]map[*client]struct{}),
		byRoom:     make(map[string]map[*client]struct{}),
		sendBuffer: DefaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeWS upgrades the request and subscribes the connection. The user comes from the
// "user" query parameter, rooms from every "room" parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	rooms := r.URL.Query()["room"]
	if user == "" && len(rooms) == 0 {
		http.Error(w, "user or room query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub.ServeWS: upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, h.sendBuffer), user: user, rooms: rooms}
	if !h.register(c) {
		conn.Close()
		return
	}
	slog.Debug("Hub.ServeWS: client connected", "user", user, "rooms", rooms)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if c.user != "" {
		addMember(h.byUser, c.user, c)
	}
	for _, room := range c.rooms {
		addMember(h.byRoom, room, c)
	}
	return true
}

func (h *Hub) unregister(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		if c.user != "" {
			removeMember(h.byUser, c.user, c)
		}
		for _, room := range c.rooms {
			removeMember(h.byRoom, room, c)
		}
		h.mu.Unlock()
		close(c.send)
	})
}

func addMember(m map[string]map[*client]struct{}, key string, c *client) {
	set, ok := m[key]
	if !ok {
		set = make(map[*client]struct{})
		m[key] = set
	}
	set[c] = struct{}{}
}

func removeMember(m map[string]map[*client]struct{}, key string, c *client) {
	if set, ok := m[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

// Emit sends event to every connection of userID. No connected client is not an error.
func (h *Hub) Emit(_ context.Context, event, userID string, data interface{}) error {
	return h.deliver(h.byUser, userID, Message{Event: event, Data: data, At: time.Now()})
}

// EmitToRoom sends event to every connection subscribed to room.
func (h *Hub) EmitToRoom(_ context.Context, room, event string, data interface{}) error {
	return h.deliver(h.byRoom, room, Message{Event: event, Room: room, Data: data, At: time.Now()})
}

func (h *Hub) deliver(index map[string]map[*client]struct{}, key string, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", msg.Event, err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for c := range index[key] {
		select {
		case c.send <- frame:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d of %d recipients of %s", ErrSlowConsumer, dropped, len(index[key]), key)
	}
	return nil
}

// Subscribers returns the number of connections for a user and for a room.
func (h *Hub) Subscribers(userID, room string) (users, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]), len(h.byRoom[room])
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	seen := make(map[*client]struct{})
	for _, idx := range []map[string]map[*client]struct{}{h.byUser, h.byRoom} {
		for _, set := range idx {
			for c := range set {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					all = append(all, c)
				}
			}
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.conn.Close()
	}
	slog.Debug("Hub.Close: disconnected clients", "count", len(all))
}

// readPump discards inbound frames and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Hub.readPump: connection closed", "user", c.user, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
