package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mkove/focusdeck/go/internal/focus"
	"github.com/rs/zerolog/log"
)

// MessageTypeSessionState labels the snapshot envelope pushed to tabs.
const MessageTypeSessionState = "session_state"

// StateMessage is the wire envelope for snapshot fanout.
type StateMessage struct {
	Type     string         `json:"type"`
	Snapshot focus.Snapshot `json:"snapshot"`
}

// Config holds configuration for websocket connections.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default websocket configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024, // 1KB max message size
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Hub fans session snapshots out to connected UI tabs. It is a read-only
// window onto the coordinator: tabs receive state, they never write it.
type Hub struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader    websocket.Upgrader
	config      Config
	broadcastCh chan []byte

	// lastState primes new connections so a tab opened mid-session shows
	// the timer immediately instead of waiting for the next tick.
	lastState []byte
}

// Connection represents one websocket client tab.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub

	ConnectedAt time.Time
	LastPing    time.Time
}

// NewHub creates a websocket fanout hub.
func NewHub(config Config) *Hub {
	return &Hub{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan []byte, 256),
	}
}

// Run processes broadcasts until the context ends.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("gateway hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway hub shutting down")
			h.closeAll()
			return
		case data := <-h.broadcastCh:
			h.fanout(data)
		}
	}
}

// ForwardState marshals a snapshot and queues it for fanout. Wire this to
// Coordinator.OnState; it never blocks the coordinator loop.
func (h *Hub) ForwardState(snap focus.Snapshot) {
	data, err := json.Marshal(StateMessage{Type: MessageTypeSessionState, Snapshot: snap})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot for broadcast")
		return
	}

	h.mu.Lock()
	h.lastState = data
	h.mu.Unlock()

	select {
	case h.broadcastCh <- data:
	default:
		log.Warn().Msg("broadcast channel full, dropping snapshot")
	}
}

// Upgrade converts an HTTP request into a managed websocket connection and
// primes it with the last known snapshot.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Hub:         h,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	// Prime before registering so the fanout loop cannot touch the
	// connection until its queue holds the current state.
	h.mu.Lock()
	last := h.lastState
	h.mu.Unlock()
	if last != nil {
		c.Send <- last
	}

	h.mu.Lock()
	h.connections[c] = true
	total := len(h.connections)
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Int("total_connections", total).
		Msg("websocket connection established")
	return nil
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[c]; ok {
		delete(h.connections, c)
		close(c.Send)
		log.Debug().Str("connection_id", c.ID).Msg("connection unregistered")
	}
}

// fanout sends a frame to every connection. Sends happen under the read
// lock so no queue can be closed mid-send; connections with a full queue
// are dropped afterwards.
func (h *Hub) fanout(data []byte) {
	var dead []*Connection

	h.mu.RLock()
	for c := range h.connections {
		select {
		case c.Send <- data:
		default:
			dead = append(dead, c)
		}
	}
	total := len(h.connections)
	h.mu.RUnlock()

	for _, c := range dead {
		log.Warn().
			Str("connection_id", c.ID).
			Msg("connection send buffer full, closing connection")
		h.unregister(c)
		c.Conn.Close()
	}

	log.Debug().Int("connections", total).Msg("snapshot broadcasted")
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.unregister(c)
		c.Conn.Close()
	}
}

// writePump handles sending messages to the websocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump drains the websocket connection. The gateway performs no writes
// on behalf of tabs, so inbound frames are logged and dropped.
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		log.Debug().
			Str("connection_id", c.ID).
			Bytes("message", message).
			Msg("ignoring client message on read-only gateway")
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
	}
}
