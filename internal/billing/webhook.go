package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackforge/deploycp/internal/cpmetrics"
	"github.com/stackforge/deploycp/internal/payment"
	"github.com/stackforge/deploycp/internal/store"
)

// WebhookResult reports what a webhook delivery did.
type WebhookResult struct {
	EventID             string `json:"eventId"`
	EventType           string `json:"eventType"`
	Outcome             string `json:"outcome"` // processed, ignored, duplicate, in_flight, failed
	OrderID             string `json:"orderId,omitempty"`
	DeploymentID        string `json:"deploymentId,omitempty"`
	PendingAsyncPayment bool   `json:"pendingAsyncPayment,omitempty"`
}

// WebhookProcessor dispatches verified payment webhooks against the order
// state machine, with event-id deduplication.
type WebhookProcessor struct {
	store         *store.Store
	gateway       payment.Gateway
	bridge        *Bridge
	autoProvision bool
	staleMs       int64
}

// NewWebhookProcessor wires the webhook intake. bridge may be nil when
// auto-provisioning is disabled.
func NewWebhookProcessor(st *store.Store, gw payment.Gateway, bridge *Bridge, autoProvision bool, staleMs int64) *WebhookProcessor {
	if staleMs <= 0 {
		staleMs = 120_000
	}
	return &WebhookProcessor{
		store:         st,
		gateway:       gw,
		bridge:        bridge,
		autoProvision: autoProvision,
		staleMs:       staleMs,
	}
}

// checkoutSessionData is the slice of the provider's session object the
// state machine needs.
type checkoutSessionData struct {
	ID              string `json:"id"`
	PaymentStatus   string `json:"payment_status"`
	PaymentIntentID string `json:"payment_intent"`
	CustomerID      string `json:"customer"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Process verifies the signature over the raw payload, dedupes on event id,
// and dispatches the event. The dedup entry is always completed, even when
// dispatch fails.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, sigHeader string) (*WebhookResult, error) {
	started := time.Now()
	event, err := p.gateway.VerifyWebhook(payload, sigHeader)
	if err != nil {
		cpmetrics.WebhookRequestsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return nil, err
	}
	defer func() {
		cpmetrics.WebhookDuration.WithLabelValues(event.Type).Observe(time.Since(started).Seconds())
	}()

	begin, err := p.store.BeginWebhookEvent(event.ID, event.Type, p.staleMs)
	if err != nil {
		return nil, err
	}
	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	switch begin.Decision {
	case store.WebhookAlreadyDone:
		result.Outcome = "duplicate"
		cpmetrics.WebhookRequestsTotal.WithLabelValues(event.Type, "duplicate").Inc()
		return result, nil
	case store.WebhookInFlight:
		result.Outcome = "in_flight"
		cpmetrics.WebhookRequestsTotal.WithLabelValues(event.Type, "in_flight").Inc()
		return result, nil
	}

	finalStatus, dispatchErr := p.dispatch(ctx, event, result)

	errMsg := ""
	if dispatchErr != nil {
		errMsg = dispatchErr.Error()
		finalStatus = store.WebhookFailed
		result.Outcome = "failed"
	} else {
		result.Outcome = string(finalStatus)
	}
	if err := p.store.CompleteWebhookEvent(event.ID, finalStatus, errMsg); err != nil {
		log.Error().Err(err).Str("event", event.ID).Msg("Failed to complete webhook dedup entry")
	}
	cpmetrics.WebhookRequestsTotal.WithLabelValues(event.Type, string(finalStatus)).Inc()

	if dispatchErr != nil {
		log.Warn().Err(dispatchErr).Str("event", event.ID).Str("type", event.Type).Msg("Webhook dispatch failed")
		return result, dispatchErr
	}
	return result, nil
}

func (p *WebhookProcessor) dispatch(ctx context.Context, event *payment.Event, result *WebhookResult) (store.WebhookStatus, error) {
	switch event.Type {
	case "checkout.session.completed":
		sess, err := decodeSession(event.Data)
		if err != nil {
			return store.WebhookFailed, err
		}
		if sess.PaymentStatus == "paid" {
			return p.handlePaid(ctx, sess, result)
		}
		return p.handlePendingAsync(event, sess, result)

	case "checkout.session.async_payment_succeeded":
		sess, err := decodeSession(event.Data)
		if err != nil {
			return store.WebhookFailed, err
		}
		return p.handlePaid(ctx, sess, result)

	case "checkout.session.expired":
		sess, err := decodeSession(event.Data)
		if err != nil {
			return store.WebhookFailed, err
		}
		order, err := p.store.MarkOrderExpiredByCheckoutSession(sess.ID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("session", sess.ID).Msg("Expired webhook for unknown checkout session")
			return store.WebhookIgnored, nil
		}
		if err != nil {
			return store.WebhookFailed, err
		}
		result.OrderID = order.ID
		return store.WebhookProcessed, nil

	case "checkout.session.async_payment_failed":
		sess, err := decodeSession(event.Data)
		if err != nil {
			return store.WebhookFailed, err
		}
		order, err := p.store.GetOrderByCheckoutSession(sess.ID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("session", sess.ID).Msg("Async-failure webhook for unknown checkout session")
			return store.WebhookIgnored, nil
		}
		if err != nil {
			return store.WebhookFailed, err
		}
		if order, err = p.store.MarkOrderFailed(order.ID, "asynchronous payment failed"); err != nil {
			return store.WebhookFailed, err
		}
		result.OrderID = order.ID
		return store.WebhookProcessed, nil

	default:
		return store.WebhookIgnored, nil
	}
}

func (p *WebhookProcessor) handlePaid(ctx context.Context, sess *checkoutSessionData, result *WebhookResult) (store.WebhookStatus, error) {
	order, err := p.store.GetOrderByCheckoutSession(sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("session", sess.ID).Msg("Paid webhook for unknown checkout session")
		return store.WebhookIgnored, nil
	}
	if err != nil {
		return store.WebhookFailed, err
	}

	order, err = p.store.MarkOrderPaid(order.ID, sess.PaymentIntentID, sess.CustomerID, sess.CustomerDetails.Email)
	if err != nil {
		return store.WebhookFailed, err
	}
	result.OrderID = order.ID

	if p.autoProvision && p.bridge != nil && order.Status == store.OrderPaid {
		bridged, err := p.bridge.Provision(ctx, order.ID)
		if err != nil {
			return store.WebhookFailed, fmt.Errorf("auto-provision order %s: %w", order.ID, err)
		}
		result.DeploymentID = bridged.Deployment.ID
	} else if order.Status == store.OrderDeploymentCreated {
		result.DeploymentID = order.DeploymentID
	}
	return store.WebhookProcessed, nil
}

func (p *WebhookProcessor) handlePendingAsync(event *payment.Event, sess *checkoutSessionData, result *WebhookResult) (store.WebhookStatus, error) {
	order, err := p.store.GetOrderByCheckoutSession(sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("session", sess.ID).Msg("Completion webhook for unknown checkout session")
		return store.WebhookIgnored, nil
	}
	if err != nil {
		return store.WebhookFailed, err
	}

	// Keep the session linkage fresh but do not transition; settlement
	// arrives later as async_payment_succeeded or _failed.
	if _, err := p.store.AttachCheckoutSession(order.ID, sess.ID, order.CheckoutURL, sess.CustomerID, sess.CustomerDetails.Email); err != nil {
		return store.WebhookFailed, err
	}
	payload, _ := json.Marshal(map[string]any{"paymentStatus": sess.PaymentStatus, "eventId": event.ID})
	if err := p.store.AppendOrderEvent(order.ID, "checkout.pending_async", "checkout completed, awaiting asynchronous payment", payload); err != nil {
		return store.WebhookFailed, err
	}
	result.OrderID = order.ID
	result.PendingAsyncPayment = true
	return store.WebhookProcessed, nil
}

func decodeSession(data json.RawMessage) (*checkoutSessionData, error) {
	var sess checkoutSessionData
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("checkout session payload has no id")
	}
	return &sess, nil
}
