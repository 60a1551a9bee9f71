package model

import "time"

// Cell is the current ownership state of one grid coordinate. A cell is
// either absent (never bought) or owned; rows are never deleted. The
// price is monotonically non-decreasing across the cell's lifetime: each
// successful settlement must pay strictly more than the stored price.
//
// Fields:
//  ID                  – primary key identifier.
//  X, Y                – grid coordinates; unique together.
//  Color               – display colour chosen by the owner.
//  PriceCents          – price paid for the current state, in cents.
//  OwnerID             – opaque identifier of the current owner.
//  OwnerName           – display name of the current owner.
//  Link                – optional URL attached to the cell.
//  Protected           – whether a protection window was purchased.
//  ProtectionExpiresAt – when the protection window lapses (nullable).
//  SettlementRef       – gateway event id that produced this state;
//                        used for idempotent webhook replay detection.
//  UpdatedAt           – last settlement timestamp.
type Cell struct {
	ID                  uint64     // cells.id
	X                   int        // cells.x
	Y                   int        // cells.y
	Color               string     // cells.color
	PriceCents          int64      // cells.price_cents
	OwnerID             string     // cells.owner_id
	OwnerName           string     // cells.owner_name
	Link                *string    // cells.link (nullable)
	Protected           bool       // cells.protected
	ProtectionExpiresAt *time.Time // cells.protection_expires_at (nullable)
	SettlementRef       string     // cells.settlement_ref
	UpdatedAt           time.Time  // cells.updated_at
}
