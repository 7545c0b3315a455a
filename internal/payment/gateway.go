// Package payment defines the narrow interface the control plane consumes
// from its payment provider, plus the Stripe implementation.
package payment

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrBadSignature means the webhook payload failed signature verification.
var ErrBadSignature = errors.New("invalid webhook signature")

// CheckoutParams describes a hosted checkout session to create.
type CheckoutParams struct {
	OrderID         string
	PlanID          string
	PlanName        string
	PlanDescription string
	Amount          int64 // minor units
	Currency        string
	CustomerEmail   string
	SuccessURL      string
	CancelURL       string
	Metadata        map[string]string
}

// CheckoutSession is the provider's handle on a hosted checkout page.
type CheckoutSession struct {
	ID  string
	URL string
}

// Event is a verified webhook event.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Gateway is the payment provider surface the control plane depends on.
type Gateway interface {
	// CreateCheckoutSession creates a hosted checkout session for an order.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	// VerifyWebhook checks the signature over the raw body and returns the
	// decoded event. It must be called before any JSON parsing of payload.
	VerifyWebhook(payload []byte, sigHeader string) (*Event, error)
}
