// Package queue defines message payloads exchanged over the message broker.
package queue

// CellSettledEvent is published for every cell a settlement touched
// durably: outcome "applied" for ownership transfers, and
// "stale_write" for charges that lost the race and need out-of-band
// reconciliation. It carries enough information for downstream
// consumers to log, notify, or reconcile without querying the primary
// database.
type CellSettledEvent struct {
	X             int    `json:"x"`
	Y             int    `json:"y"`
	Color         string `json:"color"`
	PriceCents    int64  `json:"price_cents"`
	OwnerID       string `json:"owner_id"`
	OwnerName     string `json:"owner_name"`
	Protected     bool   `json:"protected"`
	SettlementRef string `json:"settlement_ref"`
	Outcome       string `json:"outcome"`
	SettledAt     string `json:"settled_at"`
}
