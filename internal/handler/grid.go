package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid-market/internal/broadcast"
	"github.com/iliyamo/pixel-grid-market/internal/model"
	"github.com/iliyamo/pixel-grid-market/internal/pricing"
	"github.com/iliyamo/pixel-grid-market/internal/repository"
)

// GridHandler serves the read side of the grid: the full board, single
// cells, and per-cell transfer history. All endpoints are public and
// require no identity.
type GridHandler struct {
	CellRepo    *repository.CellRepo
	HistoryRepo *repository.HistoryRepo
}

// NewGridHandler constructs a GridHandler. Both repositories must be
// non-nil.
func NewGridHandler(cellRepo *repository.CellRepo, historyRepo *repository.HistoryRepo) *GridHandler {
	if cellRepo == nil || historyRepo == nil {
		panic("nil repository passed to NewGridHandler")
	}
	return &GridHandler{CellRepo: cellRepo, HistoryRepo: historyRepo}
}

// cellView converts a stored cell into its response form. Protection
// expiry is evaluated here, at read time: an expired window renders as
// unprotected even though the row still carries the stale flag.
func cellView(c model.Cell, now time.Time) broadcast.CellUpdate {
	v := broadcast.UpdateFromCell(c)
	if !pricing.UnderActiveProtection(&c, now) {
		v.Protected = false
		v.ProtectionExpiresAt = nil
	}
	return v
}

// ListCells handles GET /v1/cells. It returns every owned cell; never-
// purchased positions are simply absent from the response.
func (h *GridHandler) ListCells(c echo.Context) error {
	cells, err := h.CellRepo.ListAll(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	now := time.Now().UTC()
	out := make([]broadcast.CellUpdate, 0, len(cells))
	for _, cell := range cells {
		out = append(out, cellView(cell, now))
	}
	return c.JSON(http.StatusOK, echo.Map{"cells": out})
}

// GetCell handles GET /v1/cells/:x/:y. A position that was never owned
// returns 404.
func (h *GridHandler) GetCell(c echo.Context) error {
	x, y, err := parseCoords(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid coordinates"})
	}
	cell, err := h.CellRepo.GetCell(c.Request().Context(), x, y)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if cell == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "cell not found"})
	}
	return c.JSON(http.StatusOK, cellView(*cell, time.Now().UTC()))
}

// historyView is the response form of one transfer record.
type historyView struct {
	Color         string     `json:"color"`
	PriceCents    int64      `json:"price_cents"`
	OwnerID       string     `json:"owner_id"`
	OwnerName     string     `json:"owner_name"`
	Link          *string    `json:"link,omitempty"`
	Protected     bool       `json:"protected"`
	SettlementRef string     `json:"settlement_ref,omitempty"`
	ReplacedAt    time.Time  `json:"replaced_at"`
	ExpiresAt     *time.Time `json:"protection_expires_at,omitempty"`
}

// GetHistory handles GET /v1/cells/:x/:y/history. Entries are returned
// newest first; a cell with no prior transfers yields an empty list,
// including cells that do not exist at all.
func (h *GridHandler) GetHistory(c echo.Context) error {
	x, y, err := parseCoords(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid coordinates"})
	}
	entries, err := h.HistoryRepo.ListByCell(c.Request().Context(), x, y)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyView{
			Color:         e.Color,
			PriceCents:    e.PriceCents,
			OwnerID:       e.OwnerID,
			OwnerName:     e.OwnerName,
			Link:          e.Link,
			Protected:     e.Protected,
			SettlementRef: e.SettlementRef,
			ReplacedAt:    e.CreatedAt,
			ExpiresAt:     e.ProtectionExpiresAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"x": x, "y": y, "history": out})
}

// parseCoords reads the :x/:y path parameters. Coordinates are plain
// integers; the grid has no fixed bounds at the read layer.
func parseCoords(c echo.Context) (int, int, error) {
	x, err := strconv.Atoi(c.Param("x"))
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.Atoi(c.Param("y"))
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}
