package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid-market/internal/gateway"
	"github.com/iliyamo/pixel-grid-market/internal/model"
	"github.com/iliyamo/pixel-grid-market/internal/pricing"
	"github.com/iliyamo/pixel-grid-market/internal/repository"
	"github.com/iliyamo/pixel-grid-market/internal/settlement"
)

// maxBulkCells bounds one staged session. Large purchases should be
// split; each cell still settles independently anyway.
const maxBulkCells = 100

// QuoteHandler validates purchase requests and opens payment intents.
// No ownership state changes here: a successful quote only stages
// intent metadata (or a bulk session) that the settlement engine
// consumes when the gateway later reports the payment's outcome. The
// one exception is a zero-price free placement, which has nothing to
// charge and settles synchronously through the same engine.
type QuoteHandler struct {
	CellRepo    *repository.CellRepo
	SessionRepo *repository.BulkSessionRepo
	Rules       pricing.Rules
	Intents     gateway.IntentCreator
	Engine      *settlement.Engine
}

// NewQuoteHandler constructs a QuoteHandler. All dependencies must be
// non-nil.
func NewQuoteHandler(cellRepo *repository.CellRepo, sessionRepo *repository.BulkSessionRepo, rules pricing.Rules, intents gateway.IntentCreator, engine *settlement.Engine) *QuoteHandler {
	if cellRepo == nil || sessionRepo == nil || intents == nil || engine == nil {
		panic("nil dependency passed to NewQuoteHandler")
	}
	return &QuoteHandler{
		CellRepo:    cellRepo,
		SessionRepo: sessionRepo,
		Rules:       rules,
		Intents:     intents,
		Engine:      engine,
	}
}

// quoteCell is the per-cell request shape shared by the single and bulk
// endpoints.
type quoteCell struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Color    string  `json:"color"`
	BidCents int64   `json:"price_cents"`
	Link     *string `json:"link,omitempty"`
	Protect  bool    `json:"protect"`
}

// ownerFromContext reads the identity verified by the token middleware.
func ownerFromContext(c echo.Context) (id, name string, err error) {
	id, _ = c.Get("owner_id").(string)
	name, _ = c.Get("owner_name").(string)
	if id == "" || name == "" {
		return "", "", pricing.ErrMissingOwnerIdentity
	}
	return id, name, nil
}

// validColor accepts #RGB and #RRGGBB hex colors.
func validColor(s string) bool {
	if (len(s) != 4 && len(s) != 7) || !strings.HasPrefix(s, "#") {
		return false
	}
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// QuoteSingle handles POST /v1/quotes. It validates the bid against
// live cell state and either opens a payment intent (returning the
// client secret the buyer completes payment with) or, for a valid
// zero-price free placement, applies the cell immediately.
func (h *QuoteHandler) QuoteSingle(c echo.Context) error {
	ownerID, ownerName, err := ownerFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing owner identity"})
	}

	var body quoteCell
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if !validColor(body.Color) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid color (expect #RGB or #RRGGBB)"})
	}
	if body.BidCents < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "price_cents must not be negative"})
	}

	ctx := c.Request().Context()
	existing, err := h.CellRepo.GetCell(ctx, body.X, body.Y)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	zeroOwned, err := h.CellRepo.CountZeroPriceByOwner(ctx, ownerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	now := time.Now().UTC()
	if err := h.Rules.ValidateBid(existing, body.BidCents, zeroOwned, now); err != nil {
		var tooLow *pricing.BidTooLowError
		if errors.As(err, &tooLow) {
			return c.JSON(http.StatusUnprocessableEntity, echo.Map{
				"error":         "bid too low",
				"minimum_cents": tooLow.MinimumCents,
			})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	var expectedPrior int64
	if existing != nil {
		expectedPrior = existing.PriceCents
	}

	meta := gateway.Metadata{
		Kind:                    gateway.KindSingle,
		X:                       body.X,
		Y:                       body.Y,
		Color:                   body.Color,
		OwnerID:                 ownerID,
		OwnerName:               ownerName,
		Protect:                 body.Protect,
		PriceCents:              body.BidCents,
		ExpectedPriorPriceCents: expectedPrior,
	}
	if body.Link != nil {
		meta.Link = *body.Link
	}

	// A free placement has nothing to charge, so it bypasses the
	// gateway and settles right now through the same engine path a
	// webhook would take.
	if body.BidCents == 0 {
		return h.settleFree(c, gateway.Succeeded{
			EventRef: "free-" + uuid.NewString(),
			Meta:     meta,
		})
	}

	amount := body.BidCents
	if body.Protect && !pricing.UnderActiveProtection(existing, now) {
		// Overriding someone else's protection already pays the
		// multiplied price; opting into protection on a normal
		// purchase costs extra.
		amount += h.Rules.ProtectionSurcharge(body.BidCents)
	}

	secret, intentID, err := h.Intents.CreateIntent(ctx, amount, meta)
	if err != nil {
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment gateway unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"client_secret": secret,
		"intent_id":     intentID,
		"amount_cents":  amount,
	})
}

// QuoteBulk handles POST /v1/quotes/bulk. Every cell must validate at
// quote time or the whole quote is rejected; partial outcomes only
// happen later, at settlement, when another buyer races in between.
func (h *QuoteHandler) QuoteBulk(c echo.Context) error {
	ownerID, ownerName, err := ownerFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing owner identity"})
	}

	var body struct {
		Cells []quoteCell `json:"cells"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if len(body.Cells) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cells is required"})
	}
	if len(body.Cells) > maxBulkCells {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": fmt.Sprintf("too many cells (max %d)", maxBulkCells)})
	}

	ctx := c.Request().Context()
	zeroOwned, err := h.CellRepo.CountZeroPriceByOwner(ctx, ownerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	now := time.Now().UTC()
	seen := make(map[[2]int]struct{}, len(body.Cells))
	proposals := make([]model.ProposedCell, 0, len(body.Cells))
	var total int64

	for i, cell := range body.Cells {
		pos := [2]int{cell.X, cell.Y}
		if _, dup := seen[pos]; dup {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": fmt.Sprintf("duplicate cell (%d,%d) in request", cell.X, cell.Y),
			})
		}
		seen[pos] = struct{}{}

		if !validColor(cell.Color) {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": fmt.Sprintf("cells[%d]: invalid color", i),
			})
		}
		if cell.BidCents < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": fmt.Sprintf("cells[%d]: price_cents must not be negative", i),
			})
		}

		existing, err := h.CellRepo.GetCell(ctx, cell.X, cell.Y)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
		}
		if err := h.Rules.ValidateBid(existing, cell.BidCents, zeroOwned, now); err != nil {
			var tooLow *pricing.BidTooLowError
			if errors.As(err, &tooLow) {
				return c.JSON(http.StatusUnprocessableEntity, echo.Map{
					"error":         fmt.Sprintf("cells[%d]: bid too low", i),
					"x":             cell.X,
					"y":             cell.Y,
					"minimum_cents": tooLow.MinimumCents,
				})
			}
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		if cell.BidCents == 0 {
			// Each free placement in the batch consumes one slot of
			// the buyer's remaining allocation.
			zeroOwned++
		}

		var expectedPrior int64
		if existing != nil {
			expectedPrior = existing.PriceCents
		}
		proposals = append(proposals, model.ProposedCell{
			X:                       cell.X,
			Y:                       cell.Y,
			Color:                   cell.Color,
			PriceCents:              cell.BidCents,
			Link:                    cell.Link,
			Protect:                 cell.Protect,
			ExpectedPriorPriceCents: expectedPrior,
		})

		total += cell.BidCents
		if cell.Protect && !pricing.UnderActiveProtection(existing, now) {
			total += h.Rules.ProtectionSurcharge(cell.BidCents)
		}
	}

	session := &model.BulkSession{
		SessionID: uuid.NewString(),
		OwnerID:   ownerID,
		OwnerName: ownerName,
		Cells:     proposals,
		CreatedAt: now,
	}
	if err := h.SessionRepo.Create(ctx, session); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to stage bulk session"})
	}

	meta := gateway.Metadata{Kind: gateway.KindBulk, SessionID: session.SessionID}

	// An all-free batch has nothing to charge; settle immediately.
	if total == 0 {
		return h.settleFree(c, gateway.Succeeded{
			EventRef: "free-" + uuid.NewString(),
			Meta:     meta,
		})
	}

	secret, intentID, err := h.Intents.CreateIntent(ctx, total, meta)
	if err != nil {
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment gateway unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"client_secret": secret,
		"intent_id":     intentID,
		"session_id":    session.SessionID,
		"amount_cents":  total,
	})
}

// settleFree runs a synthesized success event through the settlement
// engine and renders the outcome to the quoting caller.
func (h *QuoteHandler) settleFree(c echo.Context, ev gateway.Succeeded) error {
	res, err := h.Engine.HandleEvent(c.Request().Context(), ev)
	if err != nil {
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

	status := http.StatusCreated
	if res.State != settlement.StateBroadcasted {
		// Lost a race between validation and apply; the caller can
		// simply re-quote, nothing was charged.
		status = http.StatusConflict
	}
	return c.JSON(status, echo.Map{
		"settlement_ref": res.Ref,
		"state":          string(res.State),
		"cells":          cells,
	})
}
