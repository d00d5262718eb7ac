package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/alertcore/server/internal/events"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 64

	// EventSnapshot is the Message.Event of snapshot frames.
	EventSnapshot = "snapshot"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients. Event is either an engine
// event type such as "alert:raised" or "snapshot".
type Message struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// SnapshotFunc returns the state sent to a client on connect and on every
// snapshot tick.
type SnapshotFunc func() any

// Hub manages WebSocket client connections and forwards engine events to
// all of them as they are published.
type Hub struct {
	snapshot SnapshotFunc
	interval time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithSnapshot sends fn's result to every client on connect.
func WithSnapshot(fn SnapshotFunc) Option { return func(h *Hub) { h.snapshot = fn } }

// WithInterval makes Run re-broadcast the snapshot every d. Zero disables
// the ticker.
func WithInterval(d time.Duration) Option { return func(h *Hub) { h.interval = d } }

// New creates a Hub with no clients.
func New(opts ...Option) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe attaches the hub to bus and returns the unsubscribe func.
func (h *Hub) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(h.Handle)
}

// Handle forwards e to every connected client. It never blocks: a client
// whose buffer is full is disconnected.
func (h *Hub) Handle(e events.Event) {
	data, err := json.Marshal(Message{Event: string(e.Type), At: e.At, Data: e.Payload})
	if err != nil {
		slog.Warn("ws: encode event failed", "type", e.Type, "err", err)
		return
	}
	h.broadcast(data)
}

// Run closes all active connections when ctx is cancelled. With WithInterval
// set it also broadcasts the snapshot on every tick. Run blocks until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.interval > 0 && h.snapshot != nil {
		t := time.NewTicker(h.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-tick:
			if data, ok := h.snapshotMessage(); ok {
				h.broadcast(data)
			}
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// The snapshot, if configured, is sent immediately on connect. Blocks until
// the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	if data, ok := h.snapshotMessage(); ok {
		select {
		case c.send <- data:
		default:
		}
	}

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast sends under the lock so a concurrent unregister cannot close a
// channel mid-send.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client's outgoing buffer is full; disconnect it.
			slog.Warn("ws: slow client dropped", "remote", c.conn.RemoteAddr().String())
			h.dropLocked(c)
		}
	}
}

func (h *Hub) snapshotMessage() ([]byte, bool) {
	if h.snapshot == nil {
		return nil, false
	}
	data, err := json.Marshal(Message{Event: EventSnapshot, At: time.Now().UTC(), Data: h.snapshot()})
	if err != nil {
		slog.Warn("ws: encode snapshot failed", "err", err)
		return nil, false
	}
	return data, true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
