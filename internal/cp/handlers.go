package cp

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/stackforge/deploycp/internal/billing"
	"github.com/stackforge/deploycp/internal/store"
)

const maxWebhookBody = 1 << 20 // Stripe caps event payloads well below this

var idempotencyKeyRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,200}$`)

func (d *Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": d.Version,
	})
}

// handleControlPlaneHealth reports subsystem readiness for operators. It is
// authenticated because it exposes configuration state.
func (d *Deps) handleControlPlaneHealth(w http.ResponseWriter, r *http.Request, _ string) {
	issues := []string{}
	if err := d.Store.Ping(); err != nil {
		issues = append(issues, "store: "+err.Error())
	}
	if len(d.Catalog.Plans()) == 0 {
		issues = append(issues, "plan catalog is empty")
	}

	body := map[string]any{
		"ok":            len(issues) == 0,
		"version":       d.Version,
		"workerEnabled": d.Worker != nil,
		"plans":         len(d.Catalog.Plans()),
		"issues":        issues,
	}
	if d.Worker != nil {
		body["workerId"] = d.Worker.WorkerID()
	}
	if counts, err := d.Store.CountDeploymentsByStatus(); err == nil {
		body["deployments"] = counts
	}

	status := http.StatusOK
	if len(issues) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (d *Deps) handleListPlans(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "plans": d.Catalog.Plans()})
}

func (d *Deps) handleCheckout(w http.ResponseWriter, r *http.Request, userID string) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && !idempotencyKeyRe.MatchString(idemKey) {
		writeError(w, http.StatusBadRequest, "Idempotency-Key must be 1-200 characters of [A-Za-z0-9._:-]", nil)
		return
	}

	var req billing.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}

	result, err := d.Checkout.Create(r.Context(), userID, idemKey, &req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(result.Body); err != nil {
		log.Debug().Err(err).Msg("Failed to write checkout response")
	}
}

// handleStripeWebhook reads the raw body before any parsing so the signature
// covers the exact bytes Stripe sent.
func (d *Deps) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read webhook body", nil)
		return
	}

	result, err := d.Webhooks.Process(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "received": result})
}

func (d *Deps) handleListOrders(w http.ResponseWriter, r *http.Request, _ string) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500", nil)
			return
		}
		limit = n
	}

	orders, err := d.Store.ListOrders(limit)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "orders": orders})
}

func (d *Deps) handleGetOrder(w http.ResponseWriter, r *http.Request, _ string) {
	order, err := d.Store.GetOrder(r.PathValue("id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	events, err := d.Store.ListOrderEvents(order.ID)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "order": order, "events": events})
}

func (d *Deps) handleProvisionOrder(w http.ResponseWriter, r *http.Request, _ string) {
	result, err := d.Bridge.Provision(r.Context(), r.PathValue("id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"created":    result.Created,
		"deployment": result.Deployment,
	})
}

func (d *Deps) handleCreateDeployment(w http.ResponseWriter, r *http.Request, userID string) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return
	}
	input, err := billing.ParseDeploymentInput(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if err := input.Validate(); err != nil {
		d.writeServiceError(w, err)
		return
	}

	configEnc, err := d.Cipher.Encrypt(input.Config())
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	secretsEnc, err := d.Cipher.Encrypt(input.Secrets())
	if err != nil {
		d.writeServiceError(w, err)
		return
	}

	dep := &store.Deployment{
		Name:        input.Name,
		OwnerUserID: userID,
		ConfigEnc:   configEnc,
		SecretsEnc:  secretsEnc,
		Metadata:    input.Metadata,
	}
	if err := d.Store.CreateDeployment(dep); err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "deployment": dep})
}

func (d *Deps) handleListDeployments(w http.ResponseWriter, r *http.Request, userID string) {
	deployments, err := d.Store.ListDeployments(userID)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deployments": deployments})
}

func (d *Deps) handleGetDeployment(w http.ResponseWriter, r *http.Request, userID string) {
	dep, err := d.Store.GetDeployment(userID, r.PathValue("id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	events, err := d.Store.ListDeploymentEvents(dep.ID)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deployment": dep, "events": events})
}

func (d *Deps) handleCancelDeployment(w http.ResponseWriter, r *http.Request, userID string) {
	dep, err := d.Store.RequestCancel(userID, r.PathValue("id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deployment": dep})
}

func (d *Deps) handleRetryDeployment(w http.ResponseWriter, r *http.Request, userID string) {
	dep, err := d.Store.RetryDeployment(userID, r.PathValue("id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deployment": dep})
}
