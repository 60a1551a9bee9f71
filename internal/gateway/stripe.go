package gateway

import (
	"context"
	"encoding/json"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeGateway implements IntentCreator and EventParser against the
// Stripe API. Quote metadata rides on the PaymentIntent and comes back
// verbatim on the webhook, so the settlement engine never needs to look
// anything up at the gateway.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway builds a gateway client from the secret API key and
// the webhook signing secret.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, webhookSecret: webhookSecret}
}

// CreateIntent opens a PaymentIntent for the quoted amount with the
// quote context attached as metadata and returns its client secret.
func (g *StripeGateway) CreateIntent(ctx context.Context, amountCents int64, meta Metadata) (string, string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range meta.ToMap() {
		params.AddMetadata(k, v)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", "", err
	}
	return pi.ClientSecret, pi.ID, nil
}

// Parse verifies the webhook signature and decodes the payload into the
// event union. Event types other than payment-intent terminals are
// authentic but irrelevant and yield (nil, nil).
func (g *StripeGateway) Parse(payload []byte, sigHeader string) (Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return nil, err
	}
	switch ev.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, err
		}
		return DecodeIntent(string(ev.Type), &pi)
	default:
		return nil, nil
	}
}

// DecodeIntent converts a terminal PaymentIntent into the closed event
// union. Split out of Parse so tests can exercise the decoding without
// a signed webhook payload.
func DecodeIntent(eventType string, pi *stripe.PaymentIntent) (Event, error) {
	meta, err := MetadataFromMap(pi.Metadata)
	if err != nil {
		return nil, err
	}
	if eventType == "payment_intent.succeeded" {
		return Succeeded{EventRef: pi.ID, AmountCents: pi.Amount, Meta: meta}, nil
	}
	reason := eventType
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}
	return Failed{EventRef: pi.ID, Reason: reason, Meta: meta}, nil
}
