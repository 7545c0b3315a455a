package cp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stackforge/deploycp/internal/auth"
	"github.com/stackforge/deploycp/internal/billing"
	"github.com/stackforge/deploycp/internal/crypto"
	"github.com/stackforge/deploycp/internal/payment"
	"github.com/stackforge/deploycp/internal/store"
)

const testCatalogJSON = `[
	{"id":"hetzner-cx23-launch","name":"Launch","amount":1900,"currency":"eur","serverType":"cx23"}
]`

// fakeGateway accepts the literal signature header "valid" and treats the
// payload as a JSON-encoded payment.Event.
type fakeGateway struct {
	sessions int
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p payment.CheckoutParams) (*payment.CheckoutSession, error) {
	g.sessions++
	id := fmt.Sprintf("cs_test_%d", g.sessions)
	return &payment.CheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

func (g *fakeGateway) VerifyWebhook(payload []byte, sigHeader string) (*payment.Event, error) {
	if sigHeader != "valid" {
		return nil, payment.ErrBadSignature
	}
	var ev payment.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newTestMux builds the full route surface over a throwaway store. Auth mode
// is chosen by resolver so owner scoping can be exercised.
func newTestMux(t *testing.T, resolver auth.Resolver) (*http.ServeMux, *Deps) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "orders.db"), filepath.Join(dir, "deployments.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cipher, err := crypto.NewCipher("correct-horse-battery-staple")
	if err != nil {
		t.Fatal(err)
	}
	catalog, err := billing.ParseCatalog(testCatalogJSON)
	if err != nil {
		t.Fatal(err)
	}
	if resolver == nil {
		resolver, err = auth.New(context.Background(), auth.Config{
			Mode:          auth.ModeDisabled,
			DefaultUserID: "tenant-default",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	gw := &fakeGateway{}
	bridge := billing.NewBridge(st, cipher, "tenant-default")
	deps := &Deps{
		Store:    st,
		Cipher:   cipher,
		Resolver: resolver,
		Catalog:  catalog,
		Checkout: billing.NewCheckout(st, gw, cipher, catalog, "https://app.example/done", "https://app.example/canceled", 0),
		Webhooks: billing.NewWebhookProcessor(st, gw, bridge, true, 0),
		Bridge:   bridge,
		Version:  "test",
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return mux, deps
}

func doJSON(mux *http.ServeMux, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func checkoutBody() []byte {
	return []byte(`{
		"planId": "hetzner-cx23-launch",
		"deployment": {"name":"My Bot","authChoice":"anthropic","anthropicApiKey":"sk-ant-test","discordBotToken":"bot-token"},
		"customerEmail": "owner@example.com"
	}`)
}

func paidEvent(sessionID string) []byte {
	data, _ := json.Marshal(map[string]any{
		"id":             sessionID,
		"payment_status": "paid",
		"payment_intent": "pi_test",
		"customer":       "cus_test",
		"customer_details": map[string]any{
			"email": "owner@example.com",
		},
	})
	payload, _ := json.Marshal(payment.Event{ID: "evt_" + sessionID, Type: "checkout.session.completed", Data: data})
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	rec := doJSON(mux, "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("body = %+v", body)
	}
}

func TestControlPlaneHealth(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	rec := doJSON(mux, "GET", "/v1/control-plane/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		OK    bool `json:"ok"`
		Plans int  `json:"plans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || body.Plans != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestCheckoutEndpointCreatesAndReplays(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	headers := map[string]string{"Idempotency-Key": "order-attempt-1"}

	first := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", first.Code, first.Body.String())
	}
	var resp struct {
		OK          bool         `json:"ok"`
		Order       *store.Order `json:"order"`
		CheckoutURL string       `json:"checkoutUrl"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Order == nil || resp.Order.Status != store.OrderPendingPayment || resp.CheckoutURL == "" {
		t.Fatalf("resp = %+v", resp)
	}

	replay := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(), headers)
	if replay.Code != http.StatusOK {
		t.Fatalf("replay status = %d", replay.Code)
	}
	if !bytes.Equal(replay.Body.Bytes(), first.Body.Bytes()) {
		t.Error("replay body differs from original")
	}
}

func TestCheckoutEndpointRejectsBadKey(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	rec := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(),
		map[string]string{"Idempotency-Key": "has space"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCheckoutEndpointUnknownPlan(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	body := []byte(`{"planId":"nope","deployment":{"name":"a","authChoice":"openai","openaiApiKey":"k"}}`)
	rec := doJSON(mux, "POST", "/v1/billing/checkout", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.OK || envelope.Error == "" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestCheckoutIdempotencyConflict(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	headers := map[string]string{"Idempotency-Key": "key-1"}
	if rec := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(), headers); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	other := []byte(`{
		"planId": "hetzner-cx23-launch",
		"deployment": {"name":"Other Bot","authChoice":"anthropic","anthropicApiKey":"sk-ant-test"},
		"customerEmail": "owner@example.com"
	}`)
	rec := doJSON(mux, "POST", "/v1/billing/checkout", other, headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookEndpointBadSignature(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	rec := doJSON(mux, "POST", "/v1/webhooks/stripe", paidEvent("cs_x"),
		map[string]string{"Stripe-Signature": "forged"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookPaidFlowThroughHTTP(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	created := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(), nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("checkout status = %d", created.Code)
	}
	var resp struct {
		Order *store.Order `json:"order"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	hook := doJSON(mux, "POST", "/v1/webhooks/stripe", paidEvent(resp.Order.CheckoutSessionID),
		map[string]string{"Stripe-Signature": "valid"})
	if hook.Code != http.StatusOK {
		t.Fatalf("webhook status = %d body = %s", hook.Code, hook.Body.String())
	}

	fetched := doJSON(mux, "GET", "/v1/orders/"+resp.Order.ID, nil, nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("get order status = %d", fetched.Code)
	}
	var got struct {
		Order  *store.Order        `json:"order"`
		Events []*store.OrderEvent `json:"events"`
	}
	if err := json.Unmarshal(fetched.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Order.Status != store.OrderDeploymentCreated || got.Order.DeploymentID == "" {
		t.Fatalf("order = %+v", got.Order)
	}
	if len(got.Events) == 0 {
		t.Error("expected order events")
	}

	list := doJSON(mux, "GET", "/v1/deployments", nil, nil)
	var deps struct {
		Deployments []*store.Deployment `json:"deployments"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &deps); err != nil {
		t.Fatal(err)
	}
	if len(deps.Deployments) != 1 || deps.Deployments[0].ID != got.Order.DeploymentID {
		t.Fatalf("deployments = %+v", deps.Deployments)
	}
}

func TestWebhookDuplicateDeliveryThroughHTTP(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	created := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(), nil)
	var resp struct {
		Order *store.Order `json:"order"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	ev := paidEvent(resp.Order.CheckoutSessionID)
	sig := map[string]string{"Stripe-Signature": "valid"}
	if rec := doJSON(mux, "POST", "/v1/webhooks/stripe", ev, sig); rec.Code != http.StatusOK {
		t.Fatalf("first delivery = %d", rec.Code)
	}
	if rec := doJSON(mux, "POST", "/v1/webhooks/stripe", ev, sig); rec.Code != http.StatusOK {
		t.Fatalf("second delivery = %d", rec.Code)
	}

	list := doJSON(mux, "GET", "/v1/deployments", nil, nil)
	var deps struct {
		Deployments []*store.Deployment `json:"deployments"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &deps); err != nil {
		t.Fatal(err)
	}
	if len(deps.Deployments) != 1 {
		t.Fatalf("deployments = %d", len(deps.Deployments))
	}
}

func TestManualProvisionEndpoint(t *testing.T) {
	mux, d := newTestMux(t, nil)
	created := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(), nil)
	var resp struct {
		Order *store.Order `json:"order"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Store.MarkOrderPaid(resp.Order.ID, "pi_test", "cus_test", "owner@example.com"); err != nil {
		t.Fatal(err)
	}

	first := doJSON(mux, "POST", "/v1/orders/"+resp.Order.ID+"/provision", nil, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", first.Code, first.Body.String())
	}
	var firstResp struct {
		Created    bool              `json:"created"`
		Deployment *store.Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &firstResp); err != nil {
		t.Fatal(err)
	}
	if !firstResp.Created || firstResp.Deployment == nil {
		t.Fatalf("first = %+v", firstResp)
	}

	second := doJSON(mux, "POST", "/v1/orders/"+resp.Order.ID+"/provision", nil, nil)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	var secondResp struct {
		Created    bool              `json:"created"`
		Deployment *store.Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &secondResp); err != nil {
		t.Fatal(err)
	}
	if secondResp.Created || secondResp.Deployment.ID != firstResp.Deployment.ID {
		t.Fatalf("second = %+v", secondResp)
	}
}

func TestProvisionUnpaidOrderConflicts(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	created := doJSON(mux, "POST", "/v1/billing/checkout", checkoutBody(), nil)
	var resp struct {
		Order *store.Order `json:"order"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(mux, "POST", "/v1/orders/"+resp.Order.ID+"/provision", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestDeploymentLifecycleEndpoints(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	body := []byte(`{"name":"Direct Bot","authChoice":"openai","openaiApiKey":"sk-test"}`)
	created := doJSON(mux, "POST", "/v1/deployments", body, nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", created.Code, created.Body.String())
	}
	var resp struct {
		Deployment *store.Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	dep := resp.Deployment
	if dep.Name != "direct-bot" || dep.Status != store.DeploymentPending || dep.OwnerUserID != "tenant-default" {
		t.Fatalf("deployment = %+v", dep)
	}
	if dep.ConfigEnc != "" || dep.SecretsEnc != "" {
		t.Error("encrypted material leaked into the response")
	}

	fetched := doJSON(mux, "GET", "/v1/deployments/"+dep.ID, nil, nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("get status = %d", fetched.Code)
	}

	canceled := doJSON(mux, "POST", "/v1/deployments/"+dep.ID+"/cancel", nil, nil)
	if canceled.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", canceled.Code)
	}
	var afterCancel struct {
		Deployment *store.Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(canceled.Body.Bytes(), &afterCancel); err != nil {
		t.Fatal(err)
	}
	if afterCancel.Deployment.Status != store.DeploymentCanceled {
		t.Fatalf("status after cancel = %s", afterCancel.Deployment.Status)
	}

	retried := doJSON(mux, "POST", "/v1/deployments/"+dep.ID+"/retry", nil, nil)
	if retried.Code != http.StatusOK {
		t.Fatalf("retry status = %d body = %s", retried.Code, retried.Body.String())
	}
	var afterRetry struct {
		Deployment *store.Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(retried.Body.Bytes(), &afterRetry); err != nil {
		t.Fatal(err)
	}
	if afterRetry.Deployment.Status != store.DeploymentPending {
		t.Fatalf("status after retry = %s", afterRetry.Deployment.Status)
	}
}

func TestRetryPendingDeploymentConflicts(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	body := []byte(`{"name":"bot","authChoice":"openai","openaiApiKey":"sk-test"}`)
	created := doJSON(mux, "POST", "/v1/deployments", body, nil)
	var resp struct {
		Deployment *store.Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(mux, "POST", "/v1/deployments/"+resp.Deployment.ID+"/retry", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeploymentValidationErrors(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	rec := doJSON(mux, "POST", "/v1/deployments", []byte(`{"name":"!!!","authChoice":"openai","openaiApiKey":"k"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope struct {
		OK      bool              `json:"ok"`
		Details map[string]string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.OK || envelope.Details["name"] == "" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestOwnerScopingAcrossTenants(t *testing.T) {
	resolver, err := auth.New(context.Background(), auth.Config{
		Mode: auth.ModeToken,
		Tokens: []auth.TokenEntry{
			{SHA256Hex: sha256Hex("tok-a"), UserID: "tenant-a"},
			{SHA256Hex: sha256Hex("tok-b"), UserID: "tenant-b"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	mux, _ := newTestMux(t, resolver)

	authA := map[string]string{"Authorization": "Bearer tok-a"}
	authB := map[string]string{"Authorization": "Bearer tok-b"}

	body := []byte(`{"name":"bot-a","authChoice":"openai","openaiApiKey":"sk-test"}`)
	created := doJSON(mux, "POST", "/v1/deployments", body, authA)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", created.Code, created.Body.String())
	}
	var resp struct {
		Deployment *store.Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if rec := doJSON(mux, "GET", "/v1/deployments/"+resp.Deployment.ID, nil, authB); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant read = %d", rec.Code)
	}
	if rec := doJSON(mux, "POST", "/v1/deployments/"+resp.Deployment.ID+"/cancel", nil, authB); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant cancel = %d", rec.Code)
	}

	list := doJSON(mux, "GET", "/v1/deployments", nil, authB)
	var deps struct {
		Deployments []*store.Deployment `json:"deployments"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &deps); err != nil {
		t.Fatal(err)
	}
	if len(deps.Deployments) != 0 {
		t.Fatalf("tenant-b sees %d deployments", len(deps.Deployments))
	}

	if rec := doJSON(mux, "GET", "/v1/deployments", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d", rec.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	rec := doJSON(mux, "GET", "/v1/orders/ord-missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
