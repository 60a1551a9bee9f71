// Package broadcast fans settled cell changes out to every connected
// viewer over WebSocket. Delivery is at-least-once and best-effort: a
// slow or gone subscriber is dropped, and a reconnecting viewer
// re-hydrates from the full-grid read endpoint instead of replaying
// missed messages.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iliyamo/pixel-grid-market/internal/model"
)

// writeWait bounds how long a single subscriber write may block before
// the subscriber is considered gone.
const writeWait = 10 * time.Second

// CellUpdate is the one message shape pushed to subscribers, emitted
// once per cell that a settlement applied. Messages about different
// cells carry no ordering guarantee; messages about the same cell
// arrive in settlement order because settlements of one cell are
// serialised by the ownership store.
type CellUpdate struct {
	X                   int        `json:"x"`
	Y                   int        `json:"y"`
	Color               string     `json:"color"`
	PriceCents          int64      `json:"price_cents"`
	OwnerID             string     `json:"owner_id"`
	OwnerName           string     `json:"owner_name"`
	Link                *string    `json:"link,omitempty"`
	Protected           bool       `json:"protected"`
	ProtectionExpiresAt *time.Time `json:"protection_expires_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// UpdateFromCell converts an applied cell state into its broadcast form.
func UpdateFromCell(c model.Cell) CellUpdate {
	return CellUpdate{
		X:                   c.X,
		Y:                   c.Y,
		Color:               c.Color,
		PriceCents:          c.PriceCents,
		OwnerID:             c.OwnerID,
		OwnerName:           c.OwnerName,
		Link:                c.Link,
		Protected:           c.Protected,
		ProtectionExpiresAt: c.ProtectionExpiresAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// subscriber wraps one viewer connection. The mutex serialises writes
// because gorilla connections allow only one concurrent writer.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub owns the explicit registry of subscriber handles. Handles are
// added on connect and removed on disconnect or write failure; there is
// no other shared state.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      atomic.Uint64
	log         *log.Logger
}

// NewHub returns an empty hub. The logger may be nil.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subscribers: make(map[uint64]*subscriber),
		log:         logger,
	}
}

// Add registers a connection and returns its subscriber id for later
// removal.
func (h *Hub) Add(conn *websocket.Conn) uint64 {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.subscribers[id] = &subscriber{conn: conn}
	h.mu.Unlock()
	return id
}

// Remove unregisters a subscriber and closes its connection. Removing
// an already removed id is a no-op.
func (h *Hub) Remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if ok {
		_ = sub.conn.Close()
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Publish sends one cell update to every subscriber. The payload is
// marshalled once; writes happen outside the registry lock so one slow
// connection cannot stall the others, and any write failure evicts the
// subscriber.
func (h *Hub) Publish(u CellUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		h.log.Printf("broadcast: marshal update: %v", err)
		return
	}

	h.mu.Lock()
	targets := make(map[uint64]*subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		targets[id] = sub
	}
	h.mu.Unlock()

	for id, sub := range targets {
		if err := sub.write(data); err != nil {
			h.log.Printf("broadcast: dropping subscriber %d: %v", id, err)
			h.Remove(id)
		}
	}
}
