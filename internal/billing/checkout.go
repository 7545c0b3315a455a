package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stackforge/deploycp/internal/canonjson"
	"github.com/stackforge/deploycp/internal/cpmetrics"
	"github.com/stackforge/deploycp/internal/crypto"
	"github.com/stackforge/deploycp/internal/payment"
	"github.com/stackforge/deploycp/internal/store"
)

// ErrUnknownPlan means the requested plan id is not in the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// ErrIdempotencyConflict means the idempotency key was used with a different
// request body.
var ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")

// InProgressError means an identical request currently holds the key.
type InProgressError struct {
	RetryAfterSeconds int64
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("request in progress, retry after %ds", e.RetryAfterSeconds)
}

// GatewayError wraps a payment provider failure for 502 mapping.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("payment gateway: %v", e.Err) }
func (e *GatewayError) Unwrap() error { return e.Err }

// CheckoutRequest is the body of POST /v1/billing/checkout.
type CheckoutRequest struct {
	PlanID        string            `json:"planId"`
	Deployment    json.RawMessage   `json:"deployment"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	SuccessURL    string            `json:"successUrl,omitempty"`
	CancelURL     string            `json:"cancelUrl,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CheckoutResult carries the response body for the HTTP layer. Replayed is
// true when the body came verbatim from the idempotency store.
type CheckoutResult struct {
	Body     []byte
	Replayed bool
}

// Checkout creates orders and hosted checkout sessions.
type Checkout struct {
	store      *store.Store
	gateway    payment.Gateway
	cipher     *crypto.Cipher
	catalog    *Catalog
	successURL string
	cancelURL  string
	staleMs    int64
}

// NewCheckout wires the checkout flow. successURL and cancelURL are the
// default redirect targets when the request does not override them.
func NewCheckout(st *store.Store, gw payment.Gateway, cipher *crypto.Cipher, catalog *Catalog, successURL, cancelURL string, staleMs int64) *Checkout {
	if staleMs <= 0 {
		staleMs = 120_000
	}
	return &Checkout{
		store:      st,
		gateway:    gw,
		cipher:     cipher,
		catalog:    catalog,
		successURL: successURL,
		cancelURL:  cancelURL,
		staleMs:    staleMs,
	}
}

type checkoutResponse struct {
	OK          bool         `json:"ok"`
	Order       *store.Order `json:"order"`
	CheckoutURL string       `json:"checkoutUrl"`
}

// Create validates the request, claims the idempotency key if one is given,
// inserts the order with the intent encrypted, and creates the hosted
// checkout session. The response body is stored so replays return it
// byte-identical.
func (c *Checkout) Create(ctx context.Context, userID, idemKey string, req *CheckoutRequest) (*CheckoutResult, error) {
	plan, ok := c.catalog.Get(req.PlanID)
	if !ok {
		cpmetrics.CheckoutRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, req.PlanID)
	}

	intent, err := ParseDeploymentInput(req.Deployment)
	if err != nil {
		cpmetrics.CheckoutRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, &ValidationError{Fields: map[string]string{"deployment": err.Error()}}
	}
	if err := intent.Validate(); err != nil {
		cpmetrics.CheckoutRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = c.successURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = c.cancelURL
	}

	fingerprint := ""
	if idemKey != "" {
		fingerprint, err = canonjson.Fingerprint(map[string]any{
			"planId":        req.PlanID,
			"deployment":    json.RawMessage(intent.Raw()),
			"customerEmail": req.CustomerEmail,
			"successUrl":    successURL,
			"cancelUrl":     cancelURL,
			"metadata":      req.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("fingerprint request: %w", err)
		}

		idem, err := c.store.BeginCheckoutIdempotency(idemKey, fingerprint, c.staleMs)
		if err != nil {
			return nil, err
		}
		switch idem.Decision {
		case store.IdempotencyConflict:
			cpmetrics.CheckoutRequestsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrIdempotencyConflict
		case store.IdempotencyCompleted:
			cpmetrics.CheckoutRequestsTotal.WithLabelValues("replayed").Inc()
			return &CheckoutResult{Body: idem.Response, Replayed: true}, nil
		case store.IdempotencyInProgress:
			cpmetrics.CheckoutRequestsTotal.WithLabelValues("in_progress").Inc()
			return nil, &InProgressError{RetryAfterSeconds: idem.RetryAfterSeconds}
		}
	}

	result, err := c.create(ctx, userID, plan, intent, req, successURL, cancelURL)
	if err != nil {
		if idemKey != "" {
			if clearErr := c.store.ClearCheckoutIdempotency(idemKey); clearErr != nil {
				log.Warn().Err(clearErr).Str("key", idemKey).Msg("Failed to release idempotency key")
			}
		}
		cpmetrics.CheckoutRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if idemKey != "" {
		if err := c.store.FinalizeCheckoutIdempotency(idemKey, fingerprint, result.Body); err != nil {
			log.Warn().Err(err).Str("key", idemKey).Msg("Failed to store idempotent response")
		}
	}
	cpmetrics.CheckoutRequestsTotal.WithLabelValues("created").Inc()
	return result, nil
}

func (c *Checkout) create(ctx context.Context, userID string, plan Plan, intent *DeploymentInput, req *CheckoutRequest, successURL, cancelURL string) (*CheckoutResult, error) {
	intentEnc, err := c.cipher.EncryptBytes(intent.Raw())
	if err != nil {
		return nil, fmt.Errorf("encrypt deployment intent: %w", err)
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["initiated_by"] = userID

	order := &store.Order{
		PlanID:          plan.ID,
		Amount:          plan.Amount,
		Currency:        plan.Currency,
		DeployIntentEnc: intentEnc,
		Metadata:        metadata,
		CustomerEmail:   req.CustomerEmail,
	}
	if err := c.store.CreateOrder(order); err != nil {
		return nil, err
	}

	sess, err := c.gateway.CreateCheckoutSession(ctx, payment.CheckoutParams{
		OrderID:         order.ID,
		PlanID:          plan.ID,
		PlanName:        plan.Name,
		PlanDescription: plan.Description,
		Amount:          plan.Amount,
		Currency:        plan.Currency,
		CustomerEmail:   req.CustomerEmail,
		SuccessURL:      successURL,
		CancelURL:       cancelURL,
		Metadata:        req.Metadata,
	})
	if err != nil {
		if _, markErr := c.store.MarkOrderFailed(order.ID, fmt.Sprintf("checkout session creation failed: %v", err)); markErr != nil {
			log.Error().Err(markErr).Str("order", order.ID).Msg("Failed to mark order failed after gateway error")
		}
		return nil, &GatewayError{Err: err}
	}

	order, err = c.store.AttachCheckoutSession(order.ID, sess.ID, sess.URL, "", req.CustomerEmail)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("order", order.ID).
		Str("plan", plan.ID).
		Str("session", sess.ID).
		Msg("Checkout session created")

	body, err := json.Marshal(checkoutResponse{OK: true, Order: order, CheckoutURL: sess.URL})
	if err != nil {
		return nil, fmt.Errorf("encode checkout response: %w", err)
	}
	return &CheckoutResult{Body: body}, nil
}
