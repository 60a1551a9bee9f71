// Package gateway is the boundary to the external payment gateway. A
// payment intent is opened when a quote is accepted, and much later an
// asynchronous terminal event reports how it ended. Everything that
// crosses this boundary is decoded exactly once, here, into a closed
// union of outcomes; no loosely typed gateway objects leak inward.
package gateway

import (
	"context"
	"fmt"
	"strconv"
)

// KindSingle and KindBulk distinguish the two quote shapes carried in
// intent metadata.
const (
	KindSingle = "single"
	KindBulk   = "bulk"
)

// Metadata is the quote context attached to a payment intent and echoed
// back by the gateway on its terminal event. For single-cell purchases
// it carries the full cell proposal including the price recorded at
// quote time; for bulk purchases it carries only the staging session id.
type Metadata struct {
	Kind string

	// Single-cell fields.
	X                       int
	Y                       int
	Color                   string
	OwnerID                 string
	OwnerName               string
	Link                    string
	Protect                 bool
	PriceCents              int64
	ExpectedPriorPriceCents int64

	// Bulk field.
	SessionID string
}

// ToMap flattens the metadata into the string map the gateway stores.
func (m Metadata) ToMap() map[string]string {
	out := map[string]string{"kind": m.Kind}
	switch m.Kind {
	case KindBulk:
		out["session_id"] = m.SessionID
	default:
		out["x"] = strconv.Itoa(m.X)
		out["y"] = strconv.Itoa(m.Y)
		out["color"] = m.Color
		out["owner_id"] = m.OwnerID
		out["owner_name"] = m.OwnerName
		out["protect"] = strconv.FormatBool(m.Protect)
		out["price_cents"] = strconv.FormatInt(m.PriceCents, 10)
		out["expected_prior_price_cents"] = strconv.FormatInt(m.ExpectedPriorPriceCents, 10)
		if m.Link != "" {
			out["link"] = m.Link
		}
	}
	return out
}

// MetadataFromMap rebuilds Metadata from a gateway event's string map.
// Unknown kinds and malformed numbers are errors: an event we cannot
// attribute to a quote must not reach the settlement engine.
func MetadataFromMap(in map[string]string) (Metadata, error) {
	m := Metadata{Kind: in["kind"]}
	switch m.Kind {
	case KindBulk:
		m.SessionID = in["session_id"]
		if m.SessionID == "" {
			return Metadata{}, fmt.Errorf("gateway metadata: bulk event without session_id")
		}
	case KindSingle:
		var err error
		if m.X, err = strconv.Atoi(in["x"]); err != nil {
			return Metadata{}, fmt.Errorf("gateway metadata: bad x %q", in["x"])
		}
		if m.Y, err = strconv.Atoi(in["y"]); err != nil {
			return Metadata{}, fmt.Errorf("gateway metadata: bad y %q", in["y"])
		}
		m.Color = in["color"]
		m.OwnerID = in["owner_id"]
		m.OwnerName = in["owner_name"]
		m.Link = in["link"]
		m.Protect = in["protect"] == "true"
		if m.PriceCents, err = strconv.ParseInt(in["price_cents"], 10, 64); err != nil {
			return Metadata{}, fmt.Errorf("gateway metadata: bad price_cents %q", in["price_cents"])
		}
		if m.ExpectedPriorPriceCents, err = strconv.ParseInt(in["expected_prior_price_cents"], 10, 64); err != nil {
			return Metadata{}, fmt.Errorf("gateway metadata: bad expected_prior_price_cents %q", in["expected_prior_price_cents"])
		}
	default:
		return Metadata{}, fmt.Errorf("gateway metadata: unknown kind %q", m.Kind)
	}
	return m, nil
}

// Event is the closed union of terminal gateway outcomes. Exactly two
// shapes exist; the settlement engine switches over them and nothing
// else.
type Event interface {
	// Ref returns the gateway-assigned settlement reference.
	Ref() string
	isEvent()
}

// Succeeded reports a payment that completed; the settlement engine
// will attempt to apply it to ownership state.
type Succeeded struct {
	EventRef    string
	AmountCents int64
	Meta        Metadata
}

func (e Succeeded) Ref() string { return e.EventRef }
func (Succeeded) isEvent()      {}

// Failed reports a payment that terminated without charging. No
// ownership mutation ever results from it.
type Failed struct {
	EventRef string
	Reason   string
	Meta     Metadata
}

func (e Failed) Ref() string { return e.EventRef }
func (Failed) isEvent()      {}

// IntentCreator opens a payment intent for a validated quote and
// returns the opaque client secret the buyer completes payment with,
// plus the gateway's intent id.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amountCents int64, meta Metadata) (clientSecret, intentID string, err error)
}

// EventParser verifies and decodes a raw webhook delivery. A nil event
// with nil error means the delivery was authentic but of a type this
// system does not consume.
type EventParser interface {
	Parse(payload []byte, sigHeader string) (Event, error)
}
