package cp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/stackforge/deploycp/internal/auth"
	"github.com/stackforge/deploycp/internal/billing"
	"github.com/stackforge/deploycp/internal/crypto"
	"github.com/stackforge/deploycp/internal/payment"
	"github.com/stackforge/deploycp/internal/scheduler"
	"github.com/stackforge/deploycp/internal/store"
)

// Deps carries the wired subsystems the HTTP surface glues together.
type Deps struct {
	Store    *store.Store
	Cipher   *crypto.Cipher
	Resolver auth.Resolver
	Catalog  *billing.Catalog
	Checkout *billing.Checkout
	Webhooks *billing.WebhookProcessor
	Bridge   *billing.Bridge
	Worker   *scheduler.Worker // nil when the worker is disabled
	Version  string
}

// RegisterRoutes wires all control plane endpoints onto mux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	mux.HandleFunc("GET /health", deps.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/webhooks/stripe", deps.handleStripeWebhook)

	mux.HandleFunc("GET /v1/control-plane/health", deps.authed(deps.handleControlPlaneHealth))
	mux.HandleFunc("GET /v1/plans", deps.authed(deps.handleListPlans))
	mux.HandleFunc("POST /v1/billing/checkout", deps.authed(deps.handleCheckout))
	mux.HandleFunc("GET /v1/orders", deps.authed(deps.handleListOrders))
	mux.HandleFunc("GET /v1/orders/{id}", deps.authed(deps.handleGetOrder))
	mux.HandleFunc("POST /v1/orders/{id}/provision", deps.authed(deps.handleProvisionOrder))
	mux.HandleFunc("POST /v1/deployments", deps.authed(deps.handleCreateDeployment))
	mux.HandleFunc("GET /v1/deployments", deps.authed(deps.handleListDeployments))
	mux.HandleFunc("GET /v1/deployments/{id}", deps.authed(deps.handleGetDeployment))
	mux.HandleFunc("POST /v1/deployments/{id}/cancel", deps.authed(deps.handleCancelDeployment))
	mux.HandleFunc("POST /v1/deployments/{id}/retry", deps.authed(deps.handleRetryDeployment))
}

// authed resolves the caller before invoking the handler. The resolved user
// id is the tenant for every owner-scoped operation downstream.
func (d *Deps) authed(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := d.Resolver.Resolve(r)
		if err != nil {
			d.writeServiceError(w, err)
			return
		}
		next(w, r, userID)
	}
}

type errorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string, details any) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

// writeServiceError maps typed errors from the billing, auth, and store
// layers onto HTTP statuses. Anything unrecognized is a 500 that logs the
// cause but does not leak it.
func (d *Deps) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation *billing.ValidationError
		inProgress *billing.InProgressError
		gatewayErr *billing.GatewayError
		secretErr  *billing.StoredSecretError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation failed", validation.Fields)
	case errors.Is(err, billing.ErrUnknownPlan):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, payment.ErrBadSignature):
		writeError(w, http.StatusBadRequest, "webhook signature verification failed", nil)
	case errors.Is(err, auth.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "authentication backend unavailable", nil)
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", nil)
	case errors.As(err, &inProgress):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "request with this idempotency key is in progress",
			map[string]any{"retryAfterSeconds": inProgress.RetryAfterSeconds})
	case errors.Is(err, billing.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency key reused with a different request", nil)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", nil)
	case errors.As(err, &gatewayErr):
		writeError(w, http.StatusBadGateway, "payment gateway error", nil)
	case errors.As(err, &secretErr):
		writeError(w, http.StatusInternalServerError, secretErr.Message,
			map[string]any{"order": secretErr.Order})
	default:
		log.Error().Err(err).Msg("Unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}
