// Package notify pushes real-time events to an owner's live websocket connections.
// Delivery is best effort: events are not queued or replayed.
package notify

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
)

const defaultWriteTimeout = 5 * time.Second

// conn is one live websocket. Writes are serialized per connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v interface{}, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// Hub tracks live connections by owner
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]map[*conn]struct{}
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	logger       *logging.Logger
}

// NewHub creates a hub. A non-positive writeTimeout uses a 5s default.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		conns:        make(map[string]map[*conn]struct{}),
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.GetGlobalLogger().Component("notify_hub"),
	}
}

func (h *Hub) register(ownerID string, ws *websocket.Conn) *conn {
	c := &conn{ws: ws}
	h.mu.Lock()
	if h.conns[ownerID] == nil {
		h.conns[ownerID] = make(map[*conn]struct{})
	}
	h.conns[ownerID][c] = struct{}{}
	total := len(h.conns[ownerID])
	h.mu.Unlock()

	h.logger.WithFields(logging.Fields{"ownerId": ownerID, "connections": total}).Info("WebSocket connected")
	return c
}

func (h *Hub) unregister(ownerID string, c *conn) {
	h.mu.Lock()
	set, ok := h.conns[ownerID]
	if ok {
		if _, present := set[c]; !present {
			ok = false
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, ownerID)
		}
	}
	h.mu.Unlock()

	if ok {
		c.ws.Close()
		h.logger.WithField("ownerId", ownerID).Info("WebSocket disconnected")
	}
}

// Broadcast delivers event to every connection of the owner and returns how many
// writes succeeded. A connection whose write fails is dropped; the others are
// unaffected.
func (h *Hub) Broadcast(ownerID string, event models.Event) int {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns[ownerID]))
	for c := range h.conns[ownerID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if err := c.writeJSON(event, h.writeTimeout); err != nil {
				h.logger.WithError(err).WithField("ownerId", ownerID).Warn("Dropping websocket after failed write")
				h.unregister(ownerID, c)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return delivered
}

// ConnectionCount returns the number of live connections of an owner
func (h *Hub) ConnectionCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[ownerID])
}

// TotalConnections returns the number of live connections across owners
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	return total
}

// ActiveOwners returns the owners with at least one live connection
func (h *Hub) ActiveOwners() []string {
	h.mu.RLock()
	owners := make([]string, 0, len(h.conns))
	for owner := range h.conns {
		owners = append(owners, owner)
	}
	h.mu.RUnlock()
	sort.Strings(owners)
	return owners
}

type clientMessage struct {
	Type string `json:"type"`
}

// ServeWS upgrades the request and keeps the connection registered until the
// client goes away. The owner is taken from the owner_id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := h.register(ownerID, ws)
	defer h.unregister(ownerID, c)

	if err := c.writeJSON(map[string]interface{}{
		"type":      "connection_established",
		"owner_id":  ownerID,
		"timestamp": time.Now().UTC(),
	}, h.writeTimeout); err != nil {
		return
	}

	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "ping" {
			if err := c.writeJSON(map[string]string{"type": "pong"}, h.writeTimeout); err != nil {
				return
			}
		}
	}
}
