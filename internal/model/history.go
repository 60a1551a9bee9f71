package model

import "time"

// HistoryEntry is an immutable snapshot of the state a cell held
// immediately before an overwrite. One row is appended per state
// transition, inside the same transaction as the overwrite itself, and
// rows are never mutated or deleted afterwards. The settlement engine is
// the only writer.
//
// Fields mirror Cell at the moment before the transfer, plus:
//  SettlementRef – the gateway event id that had produced the
//                  snapshotted state itself (empty for states settled
//                  without a gateway charge).
//  ReplacedByRef – the gateway event id of the settlement that replaced
//                  this state. Together with the ref on the live cell
//                  row, these two columns let the idempotency probe
//                  recognise any previously applied event, however many
//                  overwrites have happened since.
//  CreatedAt     – when the snapshot was written.
type HistoryEntry struct {
	ID                  uint64     // cell_history.id
	X                   int        // cell_history.x
	Y                   int        // cell_history.y
	Color               string     // cell_history.color
	PriceCents          int64      // cell_history.price_cents
	OwnerID             string     // cell_history.owner_id
	OwnerName           string     // cell_history.owner_name
	Link                *string    // cell_history.link (nullable)
	Protected           bool       // cell_history.protected
	ProtectionExpiresAt *time.Time // cell_history.protection_expires_at (nullable)
	SettlementRef       string     // cell_history.settlement_ref
	ReplacedByRef       string     // cell_history.replaced_by_ref
	CreatedAt           time.Time  // cell_history.created_at
}
