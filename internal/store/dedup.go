package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// WebhookStatus is the dedup state of an external webhook event.
type WebhookStatus string

const (
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookIgnored    WebhookStatus = "ignored"
	WebhookFailed     WebhookStatus = "failed"
)

// WebhookDecision tells the caller what to do with an incoming event.
type WebhookDecision int

const (
	// WebhookShouldProcess means the caller owns the event and must
	// complete it.
	WebhookShouldProcess WebhookDecision = iota
	// WebhookAlreadyDone means a previous delivery reached a terminal
	// outcome; FinalStatus carries it.
	WebhookAlreadyDone
	// WebhookInFlight means another worker is processing the event.
	WebhookInFlight
)

// WebhookBeginResult is the outcome of BeginWebhookEvent.
type WebhookBeginResult struct {
	Decision    WebhookDecision
	FinalStatus WebhookStatus // set for WebhookAlreadyDone
}

// BeginWebhookEvent atomically begins-or-dedupes an incoming webhook event.
// A processing entry older than processingTimeoutMs is treated as a stale
// lease and recovered; a failed entry is retried.
func (s *Store) BeginWebhookEvent(eventID, eventType string, processingTimeoutMs int64) (*WebhookBeginResult, error) {
	tx, err := s.orders.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin webhook tx: %w", err)
	}
	defer tx.Rollback()

	now := nowMs()
	var status string
	var updatedAt int64
	err = tx.QueryRow(`SELECT status, updated_at FROM webhook_events WHERE event_id = ?`, eventID).
		Scan(&status, &updatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`
			INSERT INTO webhook_events (event_id, event_type, status, received_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			eventID, eventType, string(WebhookProcessing), now, now); err != nil {
			return nil, fmt.Errorf("insert webhook event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit webhook begin: %w", err)
		}
		return &WebhookBeginResult{Decision: WebhookShouldProcess}, nil

	case err != nil:
		return nil, fmt.Errorf("lookup webhook event: %w", err)
	}

	switch WebhookStatus(status) {
	case WebhookProcessed, WebhookIgnored:
		return &WebhookBeginResult{Decision: WebhookAlreadyDone, FinalStatus: WebhookStatus(status)}, nil

	case WebhookProcessing:
		if now-updatedAt < processingTimeoutMs {
			return &WebhookBeginResult{Decision: WebhookInFlight}, nil
		}
		if _, err := tx.Exec(`
			UPDATE webhook_events SET status = ?, error = ?, updated_at = ? WHERE event_id = ?`,
			string(WebhookProcessing), "recovered stale lease", now, eventID); err != nil {
			return nil, fmt.Errorf("recover stale webhook event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit webhook recovery: %w", err)
		}
		return &WebhookBeginResult{Decision: WebhookShouldProcess}, nil

	case WebhookFailed:
		if _, err := tx.Exec(`
			UPDATE webhook_events SET status = ?, error = NULL, updated_at = ? WHERE event_id = ?`,
			string(WebhookProcessing), now, eventID); err != nil {
			return nil, fmt.Errorf("retry failed webhook event: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit webhook retry: %w", err)
		}
		return &WebhookBeginResult{Decision: WebhookShouldProcess}, nil

	default:
		return nil, fmt.Errorf("webhook event %q has unknown status %q", eventID, status)
	}
}

// CompleteWebhookEvent finalizes a dedup entry. processed_at is recorded
// only for the terminal successful outcomes (processed, ignored).
func (s *Store) CompleteWebhookEvent(eventID string, status WebhookStatus, errMsg string) error {
	now := nowMs()
	var processedAt any
	if status == WebhookProcessed || status == WebhookIgnored {
		processedAt = now
	}
	_, err := s.orders.Exec(`
		UPDATE webhook_events SET status = ?, error = ?, updated_at = ?, processed_at = ?
		WHERE event_id = ?`,
		string(status), nullableStr(errMsg), now, processedAt, eventID)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

// GetWebhookEventStatus returns the dedup status for an event id.
func (s *Store) GetWebhookEventStatus(eventID string) (WebhookStatus, error) {
	var status string
	err := s.orders.QueryRow(`SELECT status FROM webhook_events WHERE event_id = ?`, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get webhook event: %w", err)
	}
	return WebhookStatus(status), nil
}

// Idempotency outcomes for BeginCheckoutIdempotency.
type IdempotencyDecision int

const (
	// IdempotencyAcquired means the caller owns the key and must finalize
	// or clear it.
	IdempotencyAcquired IdempotencyDecision = iota
	// IdempotencyConflict means the key exists with a different request
	// fingerprint.
	IdempotencyConflict
	// IdempotencyCompleted means a response is already stored.
	IdempotencyCompleted
	// IdempotencyInProgress means another request holds the key.
	IdempotencyInProgress
)

// IdempotencyResult is the outcome of BeginCheckoutIdempotency.
type IdempotencyResult struct {
	Decision          IdempotencyDecision
	Response          []byte // set for IdempotencyCompleted
	RetryAfterSeconds int64  // set for IdempotencyInProgress
}

const minIdempotencyStaleMs = 30_000

type inProgressMarker struct {
	State     string `json:"state"`
	UpdatedAt int64  `json:"updatedAt"`
}

const inProgressState = "in_progress"

// BeginCheckoutIdempotency claims an idempotency key for a request with the
// given canonical fingerprint. staleMs below 30s is clamped up.
func (s *Store) BeginCheckoutIdempotency(key, fingerprint string, staleMs int64) (*IdempotencyResult, error) {
	if staleMs < minIdempotencyStaleMs {
		staleMs = minIdempotencyStaleMs
	}

	tx, err := s.orders.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin idempotency tx: %w", err)
	}
	defer tx.Rollback()

	now := nowMs()
	marker, err := json.Marshal(inProgressMarker{State: inProgressState, UpdatedAt: now})
	if err != nil {
		return nil, fmt.Errorf("encode idempotency marker: %w", err)
	}

	var storedFp, storedResp string
	err = tx.QueryRow(`SELECT fingerprint, response FROM checkout_idempotency WHERE key = ?`, key).
		Scan(&storedFp, &storedResp)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`
			INSERT INTO checkout_idempotency (key, fingerprint, response, created_at)
			VALUES (?, ?, ?, ?)`, key, fingerprint, string(marker), now); err != nil {
			return nil, fmt.Errorf("insert idempotency entry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit idempotency begin: %w", err)
		}
		return &IdempotencyResult{Decision: IdempotencyAcquired}, nil

	case err != nil:
		return nil, fmt.Errorf("lookup idempotency entry: %w", err)
	}

	if storedFp != fingerprint {
		return &IdempotencyResult{Decision: IdempotencyConflict}, nil
	}

	var m inProgressMarker
	if json.Unmarshal([]byte(storedResp), &m) != nil || m.State != inProgressState {
		// Any stored JSON without the in-progress tag is a completed response.
		return &IdempotencyResult{Decision: IdempotencyCompleted, Response: []byte(storedResp)}, nil
	}

	if now-m.UpdatedAt < staleMs {
		retryAfter := (staleMs - (now - m.UpdatedAt) + 999) / 1000
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &IdempotencyResult{Decision: IdempotencyInProgress, RetryAfterSeconds: retryAfter}, nil
	}

	// Stale in-progress marker: take over.
	if _, err := tx.Exec(`
		UPDATE checkout_idempotency SET response = ? WHERE key = ?`, string(marker), key); err != nil {
		return nil, fmt.Errorf("refresh idempotency marker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit idempotency takeover: %w", err)
	}
	return &IdempotencyResult{Decision: IdempotencyAcquired}, nil
}

// FinalizeCheckoutIdempotency stores the final response for a key. Replays
// return these bytes verbatim.
func (s *Store) FinalizeCheckoutIdempotency(key, fingerprint string, response []byte) error {
	_, err := s.orders.Exec(`
		UPDATE checkout_idempotency SET response = ? WHERE key = ? AND fingerprint = ?`,
		string(response), key, fingerprint)
	if err != nil {
		return fmt.Errorf("finalize idempotency entry: %w", err)
	}
	return nil
}

// ClearCheckoutIdempotency releases a claimed key after a downstream
// failure so the client can retry.
func (s *Store) ClearCheckoutIdempotency(key string) error {
	_, err := s.orders.Exec(`DELETE FROM checkout_idempotency WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("clear idempotency entry: %w", err)
	}
	return nil
}
