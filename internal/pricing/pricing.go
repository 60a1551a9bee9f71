// Package pricing contains the pure bid validation rules of the grid
// market. Nothing in this package performs I/O: every function is a
// deterministic computation over a cell snapshot, a clock reading and
// the configured Rules, so both the quote path and the settlement path
// consult the same arithmetic.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/pixel-grid-market/internal/model"
)

// Rules carries the externally configured pricing constants. The core
// treats them as read-only inputs; in particular the two protection
// multipliers are product decisions supplied by configuration, not
// derived from data.
type Rules struct {
	FloorPriceCents               int64         // price of a never-owned cell
	PriceIncrementCents           int64         // minimum raise over the stored price
	FreeAllocationMax             int           // zero-price cells a buyer may hold
	ProtectionWindow              time.Duration // lifetime of a purchased protection
	ProtectionOverrideMultiplier  int64         // multiple of the stored price needed to take a protected cell
	ProtectionSurchargeMultiplier int64         // multiple of the bid charged extra for protection
}

// ErrMissingOwnerIdentity is returned when a quote arrives without a
// usable owner identity. Validation failures are reported synchronously
// to the quoting caller and never reach the settlement engine.
var ErrMissingOwnerIdentity = errors.New("missing owner identity")

// ErrProtectionViolation is returned on the settlement path when a
// settled price no longer clears the protection override requirement of
// the cell's current state.
var ErrProtectionViolation = errors.New("active protection violation")

// BidTooLowError rejects a bid below the acceptable minimum and carries
// the computed minimum so the caller can retry with a valid amount.
type BidTooLowError struct {
	MinimumCents int64
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low: minimum is %d cents", e.MinimumCents)
}

// MinimumBid returns the lowest acceptable bid for a cell snapshot:
// the configured floor for an absent cell, otherwise the stored price
// plus the configured increment. Protection is handled separately by
// RequiredBidUnderProtection.
func (r Rules) MinimumBid(existing *model.Cell) int64 {
	if existing == nil {
		return r.FloorPriceCents
	}
	return existing.PriceCents + r.PriceIncrementCents
}

// UnderActiveProtection reports whether the cell is protected at the
// given instant. Expiry is evaluated lazily here, wherever the caller
// happens to be; there is no background sweep that clears the flag.
func UnderActiveProtection(c *model.Cell, now time.Time) bool {
	if c == nil || !c.Protected || c.ProtectionExpiresAt == nil {
		return false
	}
	return c.ProtectionExpiresAt.After(now)
}

// RequiredBidUnderProtection returns the price needed to take over a
// cell whose protection window is active.
func (r Rules) RequiredBidUnderProtection(c *model.Cell) int64 {
	return c.PriceCents * r.ProtectionOverrideMultiplier
}

// ProtectionSurcharge returns the extra amount charged when the buyer
// opts into protection on a purchase that is not itself an override of
// someone else's active protection.
func (r Rules) ProtectionSurcharge(basePriceCents int64) int64 {
	return basePriceCents * r.ProtectionSurchargeMultiplier
}

// FreeAllocationRemaining converts the server-derived count of a
// buyer's zero-priced cells into how many more free placements they may
// make. The count is capped at the configured maximum; a negative
// remainder (configuration lowered after the fact) clamps to zero.
func (r Rules) FreeAllocationRemaining(zeroPricedOwned int) int {
	remaining := r.FreeAllocationMax - zeroPricedOwned
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ValidateBid checks a proposed bid against the live state of a cell.
// It returns nil when the bid is acceptable, a *BidTooLowError carrying
// the computed minimum otherwise. A zero bid is acceptable only for an
// absent cell while the buyer still has free allocation remaining.
func (r Rules) ValidateBid(existing *model.Cell, bidCents int64, zeroPricedOwned int, now time.Time) error {
	if UnderActiveProtection(existing, now) {
		if required := r.RequiredBidUnderProtection(existing); bidCents < required {
			return &BidTooLowError{MinimumCents: required}
		}
		return nil
	}
	min := r.MinimumBid(existing)
	if bidCents == 0 {
		if existing == nil && r.FreeAllocationRemaining(zeroPricedOwned) > 0 {
			return nil
		}
		return &BidTooLowError{MinimumCents: min}
	}
	if bidCents < min {
		return &BidTooLowError{MinimumCents: min}
	}
	return nil
}
