package gateway

import (
	"testing"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTripSingle(t *testing.T) {
	in := Metadata{
		Kind:                    KindSingle,
		X:                       12,
		Y:                       -3,
		Color:                   "#a1b2c3",
		OwnerID:                 "owner-1",
		OwnerName:               "alice",
		Link:                    "https://example.com",
		Protect:                 true,
		PriceCents:              2500,
		ExpectedPriorPriceCents: 2400,
	}

	out, err := MetadataFromMap(in.ToMap())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMetadataRoundTripSingleWithoutLink(t *testing.T) {
	in := Metadata{
		Kind:       KindSingle,
		X:          0,
		Y:          0,
		Color:      "#fff",
		OwnerID:    "owner-1",
		OwnerName:  "alice",
		PriceCents: 100,
	}

	m := in.ToMap()
	_, hasLink := m["link"]
	assert.False(t, hasLink, "empty link must not be serialized")

	out, err := MetadataFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMetadataRoundTripBulk(t *testing.T) {
	in := Metadata{Kind: KindBulk, SessionID: "sess-42"}
	out, err := MetadataFromMap(in.ToMap())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMetadataFromMapRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]string
	}{
		{"unknown kind", map[string]string{"kind": "mystery"}},
		{"missing kind", map[string]string{}},
		{"bulk without session", map[string]string{"kind": "bulk"}},
		{"single with bad x", map[string]string{
			"kind": "single", "x": "twelve", "y": "0",
			"price_cents": "100", "expected_prior_price_cents": "0",
		}},
		{"single with bad price", map[string]string{
			"kind": "single", "x": "1", "y": "2",
			"price_cents": "lots", "expected_prior_price_cents": "0",
		}},
		{"single missing expected prior", map[string]string{
			"kind": "single", "x": "1", "y": "2", "price_cents": "100",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := MetadataFromMap(tc.in)
			assert.Error(t, err)
		})
	}
}

func intentWithMeta(id string, amount int64, meta Metadata) *stripe.PaymentIntent {
	return &stripe.PaymentIntent{
		ID:       id,
		Amount:   amount,
		Metadata: meta.ToMap(),
	}
}

func TestDecodeIntentSucceeded(t *testing.T) {
	meta := Metadata{Kind: KindBulk, SessionID: "sess-1"}
	ev, err := DecodeIntent("payment_intent.succeeded", intentWithMeta("pi_123", 500, meta))
	require.NoError(t, err)

	s, ok := ev.(Succeeded)
	require.True(t, ok, "expected a Succeeded event, got %T", ev)
	assert.Equal(t, "pi_123", s.Ref())
	assert.Equal(t, int64(500), s.AmountCents)
	assert.Equal(t, "sess-1", s.Meta.SessionID)
}

func TestDecodeIntentFailed(t *testing.T) {
	meta := Metadata{
		Kind: KindSingle, X: 1, Y: 2, Color: "#fff",
		OwnerID: "o", OwnerName: "o", PriceCents: 100,
	}

	pi := intentWithMeta("pi_fail", 100, meta)
	pi.LastPaymentError = &stripe.Error{Msg: "card_declined"}

	ev, err := DecodeIntent("payment_intent.payment_failed", pi)
	require.NoError(t, err)

	f, ok := ev.(Failed)
	require.True(t, ok, "expected a Failed event, got %T", ev)
	assert.Equal(t, "pi_fail", f.Ref())
	assert.Equal(t, "card_declined", f.Reason)
}

func TestDecodeIntentCanceledWithoutErrorDetail(t *testing.T) {
	meta := Metadata{Kind: KindBulk, SessionID: "sess-9"}
	ev, err := DecodeIntent("payment_intent.canceled", intentWithMeta("pi_c", 100, meta))
	require.NoError(t, err)

	f, ok := ev.(Failed)
	require.True(t, ok)
	assert.Equal(t, "payment_intent.canceled", f.Reason, "the event type doubles as the reason when no detail exists")
}

func TestDecodeIntentRejectsUnattributableEvent(t *testing.T) {
	pi := &stripe.PaymentIntent{ID: "pi_x", Metadata: map[string]string{}}
	_, err := DecodeIntent("payment_intent.succeeded", pi)
	assert.Error(t, err, "an event without quote metadata must not reach settlement")
}
