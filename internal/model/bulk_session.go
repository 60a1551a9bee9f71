package model

import "time"

// BulkSession stages a proposed multi-cell purchase between the bulk
// quote and its eventual settlement. The session id is an opaque UUID
// generated at quote time and embedded in the payment intent's metadata;
// the settlement engine deletes the whole session once the terminal
// gateway event has been applied, which makes re-delivery a no-op.
//
// Fields:
//  SessionID – opaque identifier, primary key.
//  OwnerID   – buyer identity captured at quote time.
//  OwnerName – buyer display name captured at quote time.
//  Cells     – ordered cell proposals as quoted.
//  CreatedAt – when the quote was issued.
type BulkSession struct {
	SessionID string         // bulk_sessions.session_id
	OwnerID   string         // bulk_sessions.owner_id
	OwnerName string         // bulk_sessions.owner_name
	Cells     []ProposedCell // bulk_session_cells rows, ordered by position
	CreatedAt time.Time      // bulk_sessions.created_at
}

// ProposedCell is one staged cell inside a bulk session. The expected
// prior price is the price recorded at quote time; the settlement-time
// compare-and-set uses it to detect a lost race.
type ProposedCell struct {
	X                       int     // bulk_session_cells.x
	Y                       int     // bulk_session_cells.y
	Color                   string  // bulk_session_cells.color
	PriceCents              int64   // bulk_session_cells.price_cents
	Link                    *string // bulk_session_cells.link (nullable)
	Protect                 bool    // bulk_session_cells.protect
	ExpectedPriorPriceCents int64   // bulk_session_cells.expected_prior_price_cents
}
