package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentPending      DeploymentStatus = "pending"
	DeploymentProvisioning DeploymentStatus = "provisioning"
	DeploymentRunning      DeploymentStatus = "running"
	DeploymentFailed       DeploymentStatus = "failed"
	DeploymentCanceled     DeploymentStatus = "canceled"
)

// DeploymentTask is the active background task on a deployment, if any.
type DeploymentTask string

const (
	TaskProvision DeploymentTask = "provision"
	TaskDestroy   DeploymentTask = "destroy"
)

// ErrLeaseLost is returned when a fenced update matches no rows: the worker
// no longer owns the lease and must abort its protocol.
var ErrLeaseLost = errors.New("lease lost")

// ErrConflict is returned when an operation is illegal in the row's current
// state (e.g. retrying a running deployment).
var ErrConflict = errors.New("conflict with current state")

// Deployment is a single-tenant provisioning lifecycle record.
type Deployment struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	Name              string            `json:"name"`
	OwnerUserID       string            `json:"ownerUserId"`
	Status            DeploymentStatus  `json:"status"`
	ActiveTask        DeploymentTask    `json:"activeTask,omitempty"`
	ConfigEnc         string            `json:"-"`
	SecretsEnc        string            `json:"-"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	BillingRef        string            `json:"billingRef,omitempty"`
	ServerID          *int64            `json:"serverId,omitempty"`
	ServerName        string            `json:"serverName,omitempty"`
	PublicIP          string            `json:"publicIp,omitempty"`
	SSHKeyID          *int64            `json:"sshKeyId,omitempty"`
	TailnetURL        string            `json:"tailnetUrl,omitempty"`
	GatewayTokenEnc   string            `json:"-"`
	CancelRequestedAt *int64            `json:"cancelRequestedAt,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	LeaseOwner        string            `json:"-"`
	LeaseExpiresAt    *int64            `json:"-"`
	CreatedAt         int64             `json:"createdAt"`
	UpdatedAt         int64             `json:"updatedAt"`
	StartedAt         *int64            `json:"startedAt,omitempty"`
	CompletedAt       *int64            `json:"completedAt,omitempty"`
}

// HasResourceHandles reports whether any provider resource is still attached.
func (d *Deployment) HasResourceHandles() bool {
	return d.ServerID != nil || d.SSHKeyID != nil || d.PublicIP != ""
}

// DeploymentEvent is an append-only audit entry for a deployment.
type DeploymentEvent struct {
	ID           int64           `json:"id"`
	DeploymentID string          `json:"deploymentId"`
	Type         string          `json:"type"`
	Message      string          `json:"message"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
}

const deploymentColumns = `id, provider, name, owner_user_id, status, active_task,
	config_enc, secrets_enc, metadata, billing_ref,
	server_id, server_name, public_ip, ssh_key_id,
	tailnet_url, gateway_token_enc, cancel_requested_at, error_message,
	lease_owner, lease_expires_at, created_at, updated_at, started_at, completed_at`

// CreateDeployment inserts a new deployment in pending. A duplicate
// billing_ref surfaces as ErrDuplicateBillingRef so concurrent bridges can
// re-read the winner.
func (s *Store) CreateDeployment(d *Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment is nil")
	}
	if d.OwnerUserID == "" {
		return fmt.Errorf("deployment owner is required")
	}
	if d.ID == "" {
		id, err := GenerateDeploymentID()
		if err != nil {
			return err
		}
		d.ID = id
	}
	if d.Provider == "" {
		d.Provider = "hetzner"
	}
	if d.Status == "" {
		d.Status = DeploymentPending
	}
	now := nowMs()
	d.CreatedAt = now
	d.UpdatedAt = now

	meta, err := encodeMetadata(d.Metadata)
	if err != nil {
		return err
	}

	_, err = s.deployments.Exec(`
		INSERT INTO deployments (
			id, provider, name, owner_user_id, status, active_task,
			config_enc, secrets_enc, metadata, billing_ref,
			server_id, server_name, public_ip, ssh_key_id,
			tailnet_url, gateway_token_enc, cancel_requested_at, error_message,
			lease_owner, lease_expires_at, created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, NULL, ?, ?, NULL, NULL)`,
		d.ID, d.Provider, d.Name, d.OwnerUserID, string(d.Status), nullableStr(string(d.ActiveTask)),
		d.ConfigEnc, d.SecretsEnc, meta, nullableStr(d.BillingRef),
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBillingRef
		}
		return fmt.Errorf("create deployment: %w", err)
	}
	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: d.ID})
	s.appendDeploymentEvent(d.ID, "deployment.created", "deployment queued", nil)
	return nil
}

// ErrDuplicateBillingRef is returned when a deployment insert loses the
// unique billing_ref race.
var ErrDuplicateBillingRef = errors.New("billing reference already claimed")

// GetDeploymentByID retrieves a deployment without owner scoping. Internal
// callers (scheduler, bridge) only.
func (s *Store) GetDeploymentByID(id string) (*Deployment, error) {
	row := s.deployments.QueryRow(`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

// GetDeployment retrieves a deployment scoped to its owner.
func (s *Store) GetDeployment(ownerUserID, id string) (*Deployment, error) {
	row := s.deployments.QueryRow(`SELECT `+deploymentColumns+` FROM deployments WHERE id = ? AND owner_user_id = ?`, id, ownerUserID)
	return scanDeployment(row)
}

// GetDeploymentByBillingRef retrieves the deployment spawned by an order.
func (s *Store) GetDeploymentByBillingRef(orderID string) (*Deployment, error) {
	row := s.deployments.QueryRow(`SELECT `+deploymentColumns+` FROM deployments WHERE billing_ref = ?`, orderID)
	d, err := scanDeployment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDeployments returns the owner's deployments, newest first.
func (s *Store) ListDeployments(ownerUserID string) ([]*Deployment, error) {
	rows, err := s.deployments.Query(`SELECT `+deploymentColumns+` FROM deployments WHERE owner_user_id = ? ORDER BY created_at DESC, id DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()
	return scanDeployments(rows)
}

// CountDeploymentsByStatus returns a status -> count map.
func (s *Store) CountDeploymentsByStatus() (map[DeploymentStatus]int, error) {
	rows, err := s.deployments.Query(`SELECT status, COUNT(*) FROM deployments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count deployments by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[DeploymentStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[DeploymentStatus(status)] = count
	}
	return counts, rows.Err()
}

// RequestCancel is owner-scoped. A pending deployment cancels immediately;
// a provisioning or running one gets the cancel flag for the scheduler to
// pick up; terminal states are a no-op.
func (s *Store) RequestCancel(ownerUserID, id string) (*Deployment, error) {
	d, err := s.GetDeployment(ownerUserID, id)
	if err != nil {
		return nil, err
	}
	now := nowMs()

	switch d.Status {
	case DeploymentPending:
		_, err = s.deployments.Exec(`
			UPDATE deployments SET status = ?, active_task = NULL, completed_at = ?, updated_at = ?
			WHERE id = ? AND owner_user_id = ? AND status = ?`,
			string(DeploymentCanceled), now, now, id, ownerUserID, string(DeploymentPending))
		if err != nil {
			return nil, fmt.Errorf("cancel pending deployment: %w", err)
		}
		s.appendDeploymentEvent(id, "deployment.canceled", "canceled before provisioning started", nil)
	case DeploymentProvisioning, DeploymentRunning:
		_, err = s.deployments.Exec(`
			UPDATE deployments SET cancel_requested_at = COALESCE(cancel_requested_at, ?), updated_at = ?
			WHERE id = ? AND owner_user_id = ? AND status IN (?, ?)`,
			now, now, id, ownerUserID, string(DeploymentProvisioning), string(DeploymentRunning))
		if err != nil {
			return nil, fmt.Errorf("request deployment cancel: %w", err)
		}
		s.appendDeploymentEvent(id, "deployment.cancel_requested", "cancel requested", nil)
	case DeploymentFailed, DeploymentCanceled:
		// terminal, nothing to do
	}

	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: id})
	return s.GetDeployment(ownerUserID, id)
}

// RetryDeployment returns a failed or canceled deployment with no attached
// provider handles to pending, clearing lease, cancel, timing, tailnet URL,
// and the encrypted gateway token.
func (s *Store) RetryDeployment(ownerUserID, id string) (*Deployment, error) {
	res, err := s.deployments.Exec(`
		UPDATE deployments SET
			status = ?, active_task = NULL,
			cancel_requested_at = NULL, error_message = NULL,
			lease_owner = NULL, lease_expires_at = NULL,
			started_at = NULL, completed_at = NULL,
			tailnet_url = NULL, gateway_token_enc = NULL,
			updated_at = ?
		WHERE id = ? AND owner_user_id = ?
			AND status IN (?, ?)
			AND server_id IS NULL AND ssh_key_id IS NULL`,
		string(DeploymentPending), nowMs(), id, ownerUserID,
		string(DeploymentFailed), string(DeploymentCanceled))
	if err != nil {
		return nil, fmt.Errorf("retry deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		d, err := s.GetDeployment(ownerUserID, id)
		if err != nil {
			return nil, err
		}
		return d, ErrConflict
	}
	s.appendDeploymentEvent(id, "deployment.retried", "returned to pending", nil)
	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: id})
	return s.GetDeployment(ownerUserID, id)
}

// LeaseDestroyJob atomically claims the single most eligible destroy job:
// a running deployment with a cancel request, or a provisioning one whose
// active task is destroy, provided the lease is free or expired. Oldest
// cancel wins. Returns nil when no job is eligible.
func (s *Store) LeaseDestroyJob(workerID string, leaseMs int64) (*Deployment, error) {
	now := nowMs()
	return s.leaseJob(workerID, `
		SELECT id FROM deployments
		WHERE ((status = 'running' AND cancel_requested_at IS NOT NULL)
			OR (status = 'provisioning' AND active_task = 'destroy'))
			AND (lease_owner IS NULL OR lease_expires_at < ?)
		ORDER BY COALESCE(cancel_requested_at, updated_at) ASC
		LIMIT 1`, []any{now}, TaskDestroy, now, leaseMs)
}

// LeaseProvisionJob atomically claims the oldest pending deployment.
func (s *Store) LeaseProvisionJob(workerID string, leaseMs int64) (*Deployment, error) {
	now := nowMs()
	return s.leaseJob(workerID, `
		SELECT id FROM deployments
		WHERE status = 'pending'
			AND (lease_owner IS NULL OR lease_expires_at < ?)
		ORDER BY created_at ASC
		LIMIT 1`, []any{now}, TaskProvision, now, leaseMs)
}

func (s *Store) leaseJob(workerID, candidateQuery string, candidateArgs []any, task DeploymentTask, now, leaseMs int64) (*Deployment, error) {
	tx, err := s.deployments.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(candidateQuery, candidateArgs...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select lease candidate: %w", err)
	}

	// Re-assert eligibility inside the UPDATE so a concurrent claimant
	// cannot double-lease the row.
	res, err := tx.Exec(`
		UPDATE deployments SET
			status = 'provisioning', active_task = ?,
			lease_owner = ?, lease_expires_at = ?,
			started_at = COALESCE(started_at, ?),
			updated_at = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_expires_at < ?)`,
		string(task), workerID, now+leaseMs, now, now, id, now)
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: id})
	return s.GetDeploymentByID(id)
}

// RenewLease extends the worker's claim. Failure to renew means the lease
// was recovered by another worker: the caller must abort.
func (s *Store) RenewLease(id, workerID string, leaseMs int64) error {
	now := nowMs()
	res, err := s.deployments.Exec(`
		UPDATE deployments SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'provisioning' AND lease_owner = ?`,
		now+leaseMs, now, id, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ResourcePatch describes resource handle changes. A nil field is left
// unchanged; a non-nil field with Valid=false clears the column.
type ResourcePatch struct {
	ServerID   *sql.NullInt64
	ServerName *sql.NullString
	PublicIP   *sql.NullString
	SSHKeyID   *sql.NullInt64
}

// UpdateResourceState persists provider resource handles under the lease
// fence. Zero matched rows means the lease was lost.
func (s *Store) UpdateResourceState(id, workerID string, patch ResourcePatch) error {
	var sets []string
	var args []any
	add := func(col string, v any, valid bool) {
		if valid {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		} else {
			sets = append(sets, col+" = NULL")
		}
	}
	if patch.ServerID != nil {
		add("server_id", patch.ServerID.Int64, patch.ServerID.Valid)
	}
	if patch.ServerName != nil {
		add("server_name", patch.ServerName.String, patch.ServerName.Valid)
	}
	if patch.PublicIP != nil {
		add("public_ip", patch.PublicIP.String, patch.PublicIP.Valid)
	}
	if patch.SSHKeyID != nil {
		add("ssh_key_id", patch.SSHKeyID.Int64, patch.SSHKeyID.Valid)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowMs(), id, workerID)

	res, err := s.deployments.Exec(
		`UPDATE deployments SET `+strings.Join(sets, ", ")+
			` WHERE id = ? AND status = 'provisioning' AND lease_owner = ?`, args...)
	if err != nil {
		return fmt.Errorf("update resource state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: id})
	return nil
}

// MarkDeploymentRunning completes a provision job: all handles persisted,
// lease released, status running.
func (s *Store) MarkDeploymentRunning(id, workerID string, serverID int64, serverName, publicIP string, sshKeyID int64, tailnetURL, gatewayTokenEnc string) error {
	now := nowMs()
	res, err := s.deployments.Exec(`
		UPDATE deployments SET
			status = 'running', active_task = NULL,
			server_id = ?, server_name = ?, public_ip = ?, ssh_key_id = ?,
			tailnet_url = ?, gateway_token_enc = ?,
			error_message = NULL,
			lease_owner = NULL, lease_expires_at = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'provisioning' AND active_task = 'provision' AND lease_owner = ?`,
		serverID, serverName, publicIP, sshKeyID,
		nullableStr(tailnetURL), gatewayTokenEnc,
		now, now, id, workerID)
	if err != nil {
		return fmt.Errorf("mark deployment running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	s.appendDeploymentEvent(id, "deployment.running", "provisioning completed", nil)
	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: id})
	return nil
}

// MarkDeploymentFailed terminates a leased job in failed. Messages are
// truncated so a runaway provider error cannot bloat the row.
func (s *Store) MarkDeploymentFailed(id, workerID, message string) error {
	const maxMsg = 2048
	if len(message) > maxMsg {
		message = message[:maxMsg]
	}
	now := nowMs()
	res, err := s.deployments.Exec(`
		UPDATE deployments SET
			status = 'failed', active_task = NULL,
			error_message = ?,
			lease_owner = NULL, lease_expires_at = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'provisioning' AND lease_owner = ?`,
		message, now, now, id, workerID)
	if err != nil {
		return fmt.Errorf("mark deployment failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	s.appendDeploymentEvent(id, "deployment.failed", message, nil)
	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: id})
	return nil
}

// MarkCanceledFromProvisioning terminates a cancel-initiated provision
// cleanup in canceled.
func (s *Store) MarkCanceledFromProvisioning(id, workerID string) error {
	return s.markCanceled(id, workerID, "provision")
}

// MarkCanceledFromDestroy terminates a standalone destroy job in canceled.
func (s *Store) MarkCanceledFromDestroy(id, workerID string) error {
	return s.markCanceled(id, workerID, "destroy")
}

func (s *Store) markCanceled(id, workerID, task string) error {
	now := nowMs()
	res, err := s.deployments.Exec(`
		UPDATE deployments SET
			status = 'canceled', active_task = NULL,
			error_message = NULL,
			lease_owner = NULL, lease_expires_at = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'provisioning' AND active_task = ? AND lease_owner = ?`,
		now, now, id, task, workerID)
	if err != nil {
		return fmt.Errorf("mark deployment canceled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	s.appendDeploymentEvent(id, "deployment.canceled", "resources cleaned up", nil)
	s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: id})
	return nil
}

// RecoveredLease describes one stale lease handled by RecoverStaleLeases.
type RecoveredLease struct {
	DeploymentID string
	Requeued     bool // true: destroy queued; false: failed
}

// RecoverStaleLeases reclaims provision jobs whose lease expired before
// now. A deployment holding any provider handle (or with a cancel request)
// is requeued as a destroy job; one with nothing attached fails outright.
func (s *Store) RecoverStaleLeases(now int64) ([]RecoveredLease, error) {
	rows, err := s.deployments.Query(`SELECT `+deploymentColumns+` FROM deployments
		WHERE status = 'provisioning' AND active_task = 'provision'
			AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("find stale leases: %w", err)
	}
	stale, err := scanDeployments(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var recovered []RecoveredLease
	for _, d := range stale {
		if d.HasResourceHandles() || d.CancelRequestedAt != nil {
			res, err := s.deployments.Exec(`
				UPDATE deployments SET
					active_task = 'destroy',
					lease_owner = NULL, lease_expires_at = NULL,
					updated_at = ?
				WHERE id = ? AND status = 'provisioning' AND active_task = 'provision'
					AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
				nowMs(), d.ID, now)
			if err != nil {
				return recovered, fmt.Errorf("requeue stale lease: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.appendDeploymentEvent(d.ID, "recovered.destroy_queued", "lease expired, destroy queued", nil)
				s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: d.ID})
				recovered = append(recovered, RecoveredLease{DeploymentID: d.ID, Requeued: true})
			}
		} else {
			res, err := s.deployments.Exec(`
				UPDATE deployments SET
					status = 'failed', active_task = NULL,
					error_message = ?,
					lease_owner = NULL, lease_expires_at = NULL,
					completed_at = ?, updated_at = ?
				WHERE id = ? AND status = 'provisioning' AND active_task = 'provision'
					AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
				"lease expired before resources attached", nowMs(), nowMs(), d.ID, now)
			if err != nil {
				return recovered, fmt.Errorf("fail stale lease: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.appendDeploymentEvent(d.ID, "deployment.failed", "lease expired before resources attached", nil)
				s.hooks.publish(Change{Kind: ChangeDeployment, DeploymentID: d.ID})
				recovered = append(recovered, RecoveredLease{DeploymentID: d.ID, Requeued: false})
			}
		}
	}
	return recovered, nil
}

// AppendDeploymentEvent appends an audit entry for a deployment.
func (s *Store) AppendDeploymentEvent(deploymentID, eventType, message string, payload json.RawMessage) error {
	return s.appendDeploymentEvent(deploymentID, eventType, message, payload)
}

func (s *Store) appendDeploymentEvent(deploymentID, eventType, message string, payload json.RawMessage) error {
	var p any
	if len(payload) > 0 {
		p = string(payload)
	}
	_, err := s.deployments.Exec(`
		INSERT INTO deployment_events (deployment_id, type, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		deploymentID, eventType, message, p, nowMs())
	if err != nil {
		return fmt.Errorf("append deployment event: %w", err)
	}
	s.hooks.publish(Change{Kind: ChangeEventAppended, DeploymentID: deploymentID, EventType: eventType})
	return nil
}

// ListDeploymentEvents returns the events for a deployment in append order.
func (s *Store) ListDeploymentEvents(deploymentID string) ([]*DeploymentEvent, error) {
	rows, err := s.deployments.Query(`
		SELECT id, deployment_id, type, message, payload, created_at
		FROM deployment_events WHERE deployment_id = ? ORDER BY id ASC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list deployment events: %w", err)
	}
	defer rows.Close()

	var out []*DeploymentEvent
	for rows.Next() {
		var e DeploymentEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Type, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deployment event: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanDeployment(sc scanner) (*Deployment, error) {
	var d Deployment
	var status string
	var meta string
	var activeTask, billingRef, serverName, publicIP, tailnetURL, gatewayToken, errMsg, leaseOwner sql.NullString
	var serverID, sshKeyID, cancelAt, leaseExp, startedAt, completedAt sql.NullInt64

	err := sc.Scan(
		&d.ID, &d.Provider, &d.Name, &d.OwnerUserID, &status, &activeTask,
		&d.ConfigEnc, &d.SecretsEnc, &meta, &billingRef,
		&serverID, &serverName, &publicIP, &sshKeyID,
		&tailnetURL, &gatewayToken, &cancelAt, &errMsg,
		&leaseOwner, &leaseExp, &d.CreatedAt, &d.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}

	d.Status = DeploymentStatus(status)
	d.ActiveTask = DeploymentTask(activeTask.String)
	d.Metadata = decodeMetadata(meta)
	d.BillingRef = billingRef.String
	d.ServerName = serverName.String
	d.PublicIP = publicIP.String
	d.TailnetURL = tailnetURL.String
	d.GatewayTokenEnc = gatewayToken.String
	d.ErrorMessage = errMsg.String
	d.LeaseOwner = leaseOwner.String
	if serverID.Valid {
		v := serverID.Int64
		d.ServerID = &v
	}
	if sshKeyID.Valid {
		v := sshKeyID.Int64
		d.SSHKeyID = &v
	}
	if cancelAt.Valid {
		v := cancelAt.Int64
		d.CancelRequestedAt = &v
	}
	if leaseExp.Valid {
		v := leaseExp.Int64
		d.LeaseExpiresAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Int64
		d.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Int64
		d.CompletedAt = &v
	}
	return &d, nil
}

func scanDeployments(rows *sql.Rows) ([]*Deployment, error) {
	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
