package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid-market/internal/broadcast"
)

// upgrader accepts any origin: the live feed is public read-only data,
// the same data the grid endpoint serves.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LiveHandler upgrades GET /v1/live connections and registers them with
// the broadcast hub. The feed is one-way; a client that wants current
// state hydrates from GET /v1/cells first, then applies updates.
type LiveHandler struct {
	Hub *broadcast.Hub
}

// NewLiveHandler constructs a LiveHandler.
func NewLiveHandler(hub *broadcast.Hub) *LiveHandler {
	if hub == nil {
		panic("nil hub passed to NewLiveHandler")
	}
	return &LiveHandler{Hub: hub}
}

// Serve handles GET /v1/live.
func (h *LiveHandler) Serve(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already wrote the error response
	}
	id := h.Hub.Add(conn)
	defer h.Hub.Remove(id)

	// Drain incoming frames so pings and close handshakes are
	// processed; any payload the client sends is ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}
