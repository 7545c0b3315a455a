package payment

import (
	"context"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway configures the Stripe client. apiKey authenticates API
// calls; webhookSecret verifies incoming webhook signatures.
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &StripeGateway{webhookSecret: strings.TrimSpace(webhookSecret)}
}

// CreateCheckoutSession creates a one-time-payment hosted checkout session.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModePayment)),
		SuccessURL:        stripelib.String(p.SuccessURL),
		CancelURL:         stripelib.String(p.CancelURL),
		ClientReferenceID: stripelib.String(p.OrderID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{{
			Quantity: stripelib.Int64(1),
			PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripelib.String(p.Currency),
				UnitAmount: stripelib.Int64(p.Amount),
				ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripelib.String(p.PlanName),
					Description: stripelib.String(p.PlanDescription),
				},
			},
		}},
	}
	params.Context = ctx
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripelib.String(p.CustomerEmail)
	}
	params.AddMetadata("order_id", p.OrderID)
	params.AddMetadata("plan_id", p.PlanID)
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// VerifyWebhook verifies the Stripe-Signature header over the raw payload.
func (g *StripeGateway) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return &Event{
		ID:   event.ID,
		Type: string(event.Type),
		Data: event.Data.Raw,
	}, nil
}
