package store

import (
	"testing"
)

func TestWebhookDedupLifecycle(t *testing.T) {
	s := newTestStore(t)

	res, err := s.BeginWebhookEvent("evt_1", "checkout.session.completed", 60_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != WebhookShouldProcess {
		t.Fatalf("first delivery decision = %d", res.Decision)
	}

	// Concurrent delivery while processing.
	res, err = s.BeginWebhookEvent("evt_1", "checkout.session.completed", 60_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != WebhookInFlight {
		t.Errorf("in-flight delivery decision = %d", res.Decision)
	}

	if err := s.CompleteWebhookEvent("evt_1", WebhookProcessed, ""); err != nil {
		t.Fatal(err)
	}

	// Replay after terminal outcome.
	res, err = s.BeginWebhookEvent("evt_1", "checkout.session.completed", 60_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != WebhookAlreadyDone || res.FinalStatus != WebhookProcessed {
		t.Errorf("replay decision = %d final=%s", res.Decision, res.FinalStatus)
	}
}

func TestWebhookDedupIgnoredIsTerminal(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.BeginWebhookEvent("evt_2", "some.other.event", 60_000); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteWebhookEvent("evt_2", WebhookIgnored, ""); err != nil {
		t.Fatal(err)
	}
	res, err := s.BeginWebhookEvent("evt_2", "some.other.event", 60_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != WebhookAlreadyDone || res.FinalStatus != WebhookIgnored {
		t.Errorf("ignored replay = %d/%s", res.Decision, res.FinalStatus)
	}
}

func TestWebhookDedupFailedRetries(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.BeginWebhookEvent("evt_3", "checkout.session.completed", 60_000); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteWebhookEvent("evt_3", WebhookFailed, "downstream exploded"); err != nil {
		t.Fatal(err)
	}

	res, err := s.BeginWebhookEvent("evt_3", "checkout.session.completed", 60_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != WebhookShouldProcess {
		t.Errorf("failed entry should retry, got %d", res.Decision)
	}
}

func TestWebhookDedupStaleProcessingRecovered(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.BeginWebhookEvent("evt_4", "checkout.session.completed", 60_000); err != nil {
		t.Fatal(err)
	}

	// Zero timeout makes the processing entry immediately stale.
	res, err := s.BeginWebhookEvent("evt_4", "checkout.session.completed", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != WebhookShouldProcess {
		t.Errorf("stale processing should be recovered, got %d", res.Decision)
	}
}

func TestIdempotencyLifecycle(t *testing.T) {
	s := newTestStore(t)

	res, err := s.BeginCheckoutIdempotency("K1", "fp-a", 120_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != IdempotencyAcquired {
		t.Fatalf("first begin = %d", res.Decision)
	}

	// Same key, same fingerprint, still in progress.
	res, err = s.BeginCheckoutIdempotency("K1", "fp-a", 120_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != IdempotencyInProgress {
		t.Errorf("concurrent begin = %d", res.Decision)
	}
	if res.RetryAfterSeconds < 1 {
		t.Errorf("retryAfterSeconds = %d", res.RetryAfterSeconds)
	}

	// Same key, different fingerprint.
	res, err = s.BeginCheckoutIdempotency("K1", "fp-b", 120_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != IdempotencyConflict {
		t.Errorf("fingerprint mismatch = %d", res.Decision)
	}

	// Finalize, then replay returns the stored response verbatim.
	body := []byte(`{"ok":true,"order":{"id":"ord-XYZ"}}`)
	if err := s.FinalizeCheckoutIdempotency("K1", "fp-a", body); err != nil {
		t.Fatal(err)
	}
	res, err = s.BeginCheckoutIdempotency("K1", "fp-a", 120_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != IdempotencyCompleted {
		t.Fatalf("completed replay = %d", res.Decision)
	}
	if string(res.Response) != string(body) {
		t.Errorf("stored response mutated: %s", res.Response)
	}
}

func TestIdempotencyClearReleasesSlot(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.BeginCheckoutIdempotency("K2", "fp", 120_000); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearCheckoutIdempotency("K2"); err != nil {
		t.Fatal(err)
	}
	res, err := s.BeginCheckoutIdempotency("K2", "fp", 120_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != IdempotencyAcquired {
		t.Errorf("cleared key not reacquirable: %d", res.Decision)
	}
}

func TestIdempotencyStaleMarkerTakenOver(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.BeginCheckoutIdempotency("K3", "fp", 120_000); err != nil {
		t.Fatal(err)
	}

	// The clamp floor is 30s, so a stale takeover cannot be triggered with
	// a short window; rewrite the marker timestamp directly instead.
	_, err := s.orders.Exec(`UPDATE checkout_idempotency SET response = ? WHERE key = ?`,
		`{"state":"in_progress","updatedAt":1}`, "K3")
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.BeginCheckoutIdempotency("K3", "fp", 120_000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != IdempotencyAcquired {
		t.Errorf("stale marker not taken over: %d", res.Decision)
	}
}
