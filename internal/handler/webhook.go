package handler

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid-market/internal/gateway"
	"github.com/iliyamo/pixel-grid-market/internal/settlement"
)

// maxWebhookBody bounds webhook payload reads. Gateway events are
// small; anything larger is not one.
const maxWebhookBody = 1 << 20

// WebhookHandler receives asynchronous terminal events from the payment
// gateway and feeds them to the settlement engine. Responses matter to
// the gateway's retry logic: 2xx acknowledges the delivery (including
// duplicates and business rejections, which are final), non-2xx asks
// for redelivery and is reserved for signature failures and
// infrastructure errors, where replay is safe.
type WebhookHandler struct {
	Parser gateway.EventParser
	Engine *settlement.Engine
}

// NewWebhookHandler constructs a WebhookHandler. Both dependencies must
// be non-nil.
func NewWebhookHandler(parser gateway.EventParser, engine *settlement.Engine) *WebhookHandler {
	if parser == nil || engine == nil {
		panic("nil dependency passed to NewWebhookHandler")
	}
	return &WebhookHandler{Parser: parser, Engine: engine}
}

// Receive handles POST /v1/webhooks/gateway.
func (h *WebhookHandler) Receive(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}

	ev, err := h.Parser.Parse(payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		// Bad signature or malformed event; redelivery will not help
		// but the gateway should know we refused it.
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event"})
	}
	if ev == nil {
		// Authentic but irrelevant event type; acknowledge and move on.
		return c.JSON(http.StatusOK, echo.Map{"state": "ignored"})
	}

	res, err := h.Engine.HandleEvent(c.Request().Context(), ev)
	if err != nil {
		// Infrastructure failure. The engine is idempotent, so asking
		// the gateway to redeliver is safe.
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "settlement failed"})
	}

	cells := make([]echo.Map, 0, len(res.Cells))
	for _, cr := range res.Cells {
		entry := echo.Map{"x": cr.X, "y": cr.Y, "state": string(cr.State)}
		if cr.Reason != "" {
			entry["reason"] = cr.Reason
		}
		cells = append(cells, entry)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"settlement_ref": res.Ref,
		"state":          string(res.State),
		"cells":          cells,
	})
}
