package devserver

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// heartbeatInterval keeps idle reload connections open through proxies
const heartbeatInterval = 30 * time.Second

// Event types sent to reload clients
const (
	EventRebuild   = "rebuild"
	EventHeartbeat = "heartbeat"
)

// Event is pushed to every reload client
type Event struct {
	Type   string `json:"type"`
	App    string `json:"app,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type reloadConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *reloadConn) send(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(e)
}

// Hub fans rebuild events out to the browsers connected on the reload endpoint
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*reloadConn
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*reloadConn)}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends e to every client; clients that fail are dropped
func (h *Hub) Broadcast(e Event) {
	h.mu.RLock()
	conns := make([]*reloadConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(e); err != nil {
			log.Debug().Err(err).Str("connection_id", c.id).Msg("Dropping reload client")
			h.remove(c.id)
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) add(c *reloadConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

// handleUpgrade upgrades reload requests to WebSocket
func (h *Hub) handleUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(h.handleConnection)(c)
}

func (h *Hub) handleConnection(c *websocket.Conn) {
	rc := &reloadConn{id: uuid.New().String(), conn: c}
	h.add(rc)
	defer h.remove(rc.id)
	log.Debug().Str("connection_id", rc.id).Msg("Reload client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// clients only listen; reading detects the close
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Str("connection_id", rc.id).Msg("Reload connection error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := rc.send(Event{Type: EventHeartbeat}); err != nil {
				return
			}
		}
	}
}
