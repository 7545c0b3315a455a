// Package scheduler drains the deployment job queues: it leases provision
// and destroy jobs from the store, heartbeats the lease while running the
// protocols against the cloud provider, and lands every outcome back in the
// store under the lease fence.
package scheduler

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stackforge/deploycp/internal/cpmetrics"
	"github.com/stackforge/deploycp/internal/crypto"
	"github.com/stackforge/deploycp/internal/provisioner"
	"github.com/stackforge/deploycp/internal/sshexec"
	"github.com/stackforge/deploycp/internal/store"
)

// errCancelRequested aborts a provision protocol into the cleanup path.
var errCancelRequested = errors.New("cancel requested")

// HostRunner is the remote-execution surface the provision protocol needs.
// *sshexec.Runner implements it.
type HostRunner interface {
	WaitReady(ctx context.Context, addr string, probe func() error) error
	UploadScript(ctx context.Context, addr, path string, content []byte) error
	RunScript(ctx context.Context, addr, path string, env map[string]string) error
	DiscoverTailnetName(ctx context.Context, addr string) string
}

var _ HostRunner = (*sshexec.Runner)(nil)

// Config holds worker tuning. Zero values get sensible defaults.
type Config struct {
	TickInterval      time.Duration
	LeaseMs           int64
	ServerTypes       map[string]string // plan id -> provider server type
	DefaultServerType string
	ServerImage       string
	Location          string
	SSHPublicKey      string
	BootstrapScript   []byte
	ActionTimeout     time.Duration
	IPTimeout         time.Duration
	SSHReadyTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 120_000
	}
	if c.DefaultServerType == "" {
		c.DefaultServerType = "cx22"
	}
	if c.ServerImage == "" {
		c.ServerImage = "ubuntu-24.04"
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 5 * time.Minute
	}
	if c.IPTimeout <= 0 {
		c.IPTimeout = 5 * time.Minute
	}
	if c.SSHReadyTimeout <= 0 {
		c.SSHReadyTimeout = 10 * time.Minute
	}
}

// Worker runs the scheduler loop for one process.
type Worker struct {
	store    *store.Store
	prov     provisioner.Client
	cipher   *crypto.Cipher
	ssh      HostRunner
	cfg      Config
	workerID string

	tickMu sync.Mutex
}

// New builds a worker with a process-unique worker id.
func New(st *store.Store, prov provisioner.Client, cipher *crypto.Cipher, ssh HostRunner, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		store:    st,
		prov:     prov,
		cipher:   cipher,
		ssh:      ssh,
		cfg:      cfg,
		workerID: fmt.Sprintf("worker-%d-%s", os.Getpid(), uuid.NewString()),
	}
}

// WorkerID returns this worker's lease identity.
func (w *Worker) WorkerID() string { return w.workerID }

// Run ticks until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("worker", w.workerID).Dur("interval", w.cfg.TickInterval).Msg("Deployment worker started")
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := w.Tick(ctx); err != nil {
			log.Error().Err(err).Str("worker", w.workerID).Msg("Scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Str("worker", w.workerID).Msg("Deployment worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass: stale lease recovery, then at most one
// destroy or provision job. Only one tick runs at a time; an overlapping
// call returns immediately.
func (w *Worker) Tick(ctx context.Context) error {
	if !w.tickMu.TryLock() {
		cpmetrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer w.tickMu.Unlock()

	recovered, err := w.store.RecoverStaleLeases(time.Now().UnixMilli())
	if err != nil {
		cpmetrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return err
	}
	for _, r := range recovered {
		disposition := "failed"
		if r.Requeued {
			disposition = "requeued"
		}
		cpmetrics.LeaseRecoveriesTotal.WithLabelValues(disposition).Inc()
		log.Warn().Str("deployment", r.DeploymentID).Str("disposition", disposition).Msg("Recovered stale lease")
	}

	defer w.reportStatusGauge()

	job, err := w.store.LeaseDestroyJob(w.workerID, w.cfg.LeaseMs)
	if err != nil {
		cpmetrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return err
	}
	if job != nil {
		cpmetrics.SchedulerTicksTotal.WithLabelValues("destroy").Inc()
		w.runDestroy(ctx, job)
		return nil
	}

	job, err = w.store.LeaseProvisionJob(w.workerID, w.cfg.LeaseMs)
	if err != nil {
		cpmetrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return err
	}
	if job != nil {
		cpmetrics.SchedulerTicksTotal.WithLabelValues("provision").Inc()
		w.runProvision(ctx, job)
		return nil
	}

	cpmetrics.SchedulerTicksTotal.WithLabelValues("idle").Inc()
	return nil
}

func (w *Worker) reportStatusGauge() {
	counts, err := w.store.CountDeploymentsByStatus()
	if err != nil {
		return
	}
	for _, status := range []store.DeploymentStatus{
		store.DeploymentPending, store.DeploymentProvisioning,
		store.DeploymentRunning, store.DeploymentFailed, store.DeploymentCanceled,
	} {
		cpmetrics.DeploymentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// heartbeat renews the lease; ErrLeaseLost aborts the calling protocol.
func (w *Worker) heartbeat(depID string) error {
	return w.store.RenewLease(depID, w.workerID, w.cfg.LeaseMs)
}

// beforeSideEffect renews the lease and polls the cancel flag. It returns
// ErrLeaseLost or errCancelRequested when the protocol must stop.
func (w *Worker) beforeSideEffect(depID string) error {
	if err := w.heartbeat(depID); err != nil {
		return err
	}
	cur, err := w.store.GetDeploymentByID(depID)
	if err != nil {
		return err
	}
	if cur.CancelRequestedAt != nil {
		return errCancelRequested
	}
	return nil
}

// withHeartbeat runs fn while renewing the lease every leaseMs/3. Losing the
// lease cancels fn's context and returns ErrLeaseLost.
func (w *Worker) withHeartbeat(ctx context.Context, depID string, fn func(context.Context) error) error {
	sub, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(sub) }()

	ticker := time.NewTicker(time.Duration(w.cfg.LeaseMs/3) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if err := w.heartbeat(depID); err != nil {
				cancel()
				<-done
				return err
			}
		}
	}
}

func (w *Worker) serverType(dep *store.Deployment) string {
	if planID := dep.Metadata["plan_id"]; planID != "" {
		if st, ok := w.cfg.ServerTypes[planID]; ok {
			return st
		}
	}
	return w.cfg.DefaultServerType
}

func (w *Worker) runProvision(ctx context.Context, dep *store.Deployment) {
	log.Info().Str("deployment", dep.ID).Str("worker", w.workerID).Msg("Provision job leased")
	outcome := w.provision(ctx, dep)
	cpmetrics.JobsTotal.WithLabelValues("provision", outcome).Inc()
	log.Info().Str("deployment", dep.ID).Str("outcome", outcome).Msg("Provision job finished")
}

// provisionSecrets is the decrypted secrets envelope a provision job needs.
type provisionSecrets struct {
	AuthChoice      string `json:"authChoice"`
	OpenAIAPIKey    string `json:"openaiApiKey"`
	AnthropicAPIKey string `json:"anthropicApiKey"`
	DiscordBotToken string `json:"discordBotToken"`
}

func (s *provisionSecrets) validate() error {
	switch s.AuthChoice {
	case "openai":
		if s.OpenAIAPIKey == "" {
			return fmt.Errorf("secrets missing openaiApiKey")
		}
	case "anthropic":
		if s.AnthropicAPIKey == "" {
			return fmt.Errorf("secrets missing anthropicApiKey")
		}
	default:
		return fmt.Errorf("secrets missing authChoice")
	}
	return nil
}

func (s *provisionSecrets) env(depName string) map[string]string {
	env := map[string]string{
		"DEPLOY_NAME": depName,
		"AUTH_CHOICE": s.AuthChoice,
	}
	if s.OpenAIAPIKey != "" {
		env["OPENAI_API_KEY"] = s.OpenAIAPIKey
	}
	if s.AnthropicAPIKey != "" {
		env["ANTHROPIC_API_KEY"] = s.AnthropicAPIKey
	}
	if s.DiscordBotToken != "" {
		env["DISCORD_BOT_TOKEN"] = s.DiscordBotToken
	}
	return env
}

// provision runs the full protocol and returns an outcome label for metrics.
func (w *Worker) provision(ctx context.Context, dep *store.Deployment) string {
	var serverID, sshKeyID *int64
	var serverName, publicIP string

	// Terminal dispositions. fail and cancel both go through cleanup;
	// a lost lease leaves the row alone for stale lease recovery.
	fail := func(msg string) string {
		w.cleanup(ctx, dep.ID, serverID, sshKeyID, false, msg)
		return "failed"
	}
	abort := func(err error, prefix string) string {
		switch {
		case errors.Is(err, store.ErrLeaseLost):
			log.Warn().Str("deployment", dep.ID).Msg("Lease lost, aborting provision")
			return "aborted"
		case errors.Is(err, errCancelRequested):
			w.cleanup(ctx, dep.ID, serverID, sshKeyID, true, "")
			return "canceled"
		default:
			msg := err.Error()
			if prefix != "" {
				msg = prefix + ": " + msg
			}
			return fail(msg)
		}
	}

	// Step 1: decrypt and check the secrets envelope. Nothing is attached
	// yet, so failures here go straight to failed.
	var secrets provisionSecrets
	if err := w.cipher.DecryptJSON(dep.SecretsEnc, &secrets); err != nil {
		if markErr := w.store.MarkDeploymentFailed(dep.ID, w.workerID, "stored payload cannot be decrypted"); markErr != nil {
			log.Error().Err(markErr).Str("deployment", dep.ID).Msg("Failed to mark deployment")
		}
		return "failed"
	}
	if err := secrets.validate(); err != nil {
		if markErr := w.store.MarkDeploymentFailed(dep.ID, w.workerID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("deployment", dep.ID).Msg("Failed to mark deployment")
		}
		return "failed"
	}

	resourceName := fmt.Sprintf("%s-%s", dep.Name, strings.ToLower(dep.ID))

	// Step 2: register the host key.
	if err := w.beforeSideEffect(dep.ID); err != nil {
		return abort(err, "")
	}
	key, err := w.prov.CreateSSHKey(ctx, resourceName, w.cfg.SSHPublicKey)
	if err != nil {
		return fail(fmt.Sprintf("register ssh key: %v", err))
	}
	sshKeyID = &key.ID
	if err := w.store.UpdateResourceState(dep.ID, w.workerID, store.ResourcePatch{
		SSHKeyID: nullInt64(key.ID),
	}); err != nil {
		return abort(err, "persist ssh key handle")
	}

	// Step 3: create the server; persist the handle as soon as the call
	// returns so a crashed worker leaves a destroyable trail.
	if err := w.beforeSideEffect(dep.ID); err != nil {
		return abort(err, "")
	}
	server, action, err := w.prov.CreateServer(ctx, provisioner.CreateServerParams{
		Name:       resourceName,
		ServerType: w.serverType(dep),
		Image:      w.cfg.ServerImage,
		Location:   w.cfg.Location,
		SSHKeyIDs:  []int64{key.ID},
		Labels:     map[string]string{"deployment": dep.ID, "managed-by": "deploycp"},
	})
	if err != nil {
		return fail(fmt.Sprintf("create server: %v", err))
	}
	serverID = &server.ID
	serverName = server.Name
	if err := w.store.UpdateResourceState(dep.ID, w.workerID, store.ResourcePatch{
		ServerID:   nullInt64(server.ID),
		ServerName: nullString(server.Name),
	}); err != nil {
		return abort(err, "persist server handle")
	}

	// Step 4: wait out the provider action, if any.
	if action != nil {
		err := w.withHeartbeat(ctx, dep.ID, func(sub context.Context) error {
			return w.prov.WaitForAction(sub, action.ID, w.cfg.ActionTimeout)
		})
		if err != nil {
			return abort(err, "server create action")
		}
	}

	// Step 5: poll for the public IPv4.
	publicIP = server.PublicIP
	ipDeadline := time.Now().Add(w.cfg.IPTimeout)
	for publicIP == "" {
		if err := w.beforeSideEffect(dep.ID); err != nil {
			return abort(err, "")
		}
		cur, err := w.prov.GetServer(ctx, server.ID)
		if err != nil {
			return fail(fmt.Sprintf("poll server: %v", err))
		}
		publicIP = cur.PublicIP
		if publicIP != "" {
			break
		}
		if time.Now().After(ipDeadline) {
			return fail(fmt.Sprintf("server %d got no public IPv4 within %s", server.ID, w.cfg.IPTimeout))
		}
		select {
		case <-ctx.Done():
			return fail(ctx.Err().Error())
		case <-time.After(3 * time.Second):
		}
	}
	if err := w.store.UpdateResourceState(dep.ID, w.workerID, store.ResourcePatch{
		PublicIP: nullString(publicIP),
	}); err != nil {
		return abort(err, "persist public ip")
	}

	// Step 6: wait for SSH; the probe doubles as heartbeat + cancel poll.
	readyCtx, cancelReady := context.WithTimeout(ctx, w.cfg.SSHReadyTimeout)
	err = w.ssh.WaitReady(readyCtx, publicIP, func() error {
		return w.beforeSideEffect(dep.ID)
	})
	cancelReady()
	if err != nil {
		return abort(err, "ssh readiness")
	}

	// Step 7: transfer and run the bootstrap script.
	if err := w.beforeSideEffect(dep.ID); err != nil {
		return abort(err, "")
	}
	const scriptPath = "/root/deploycp-bootstrap.sh"
	err = w.withHeartbeat(ctx, dep.ID, func(sub context.Context) error {
		if err := w.ssh.UploadScript(sub, publicIP, scriptPath, w.cfg.BootstrapScript); err != nil {
			return err
		}
		return w.ssh.RunScript(sub, publicIP, scriptPath, secrets.env(dep.Name))
	})
	if err != nil {
		return abort(err, "bootstrap")
	}

	// Step 8: best-effort tailnet discovery.
	tailnet := w.ssh.DiscoverTailnetName(ctx, publicIP)

	// Step 9: mint the gateway token and land the terminal state.
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return fail(fmt.Sprintf("generate gateway token: %v", err))
	}
	tokenEnc, err := w.cipher.Encrypt(base64.RawURLEncoding.EncodeToString(token))
	if err != nil {
		return fail(fmt.Sprintf("encrypt gateway token: %v", err))
	}
	if err := w.store.MarkDeploymentRunning(dep.ID, w.workerID, server.ID, serverName, publicIP, key.ID, tailnet, tokenEnc); err != nil {
		return abort(err, "mark running")
	}
	return "completed"
}

func (w *Worker) runDestroy(ctx context.Context, dep *store.Deployment) {
	log.Info().Str("deployment", dep.ID).Str("worker", w.workerID).Msg("Destroy job leased")

	if err := w.heartbeat(dep.ID); err != nil {
		cpmetrics.JobsTotal.WithLabelValues("destroy", "aborted").Inc()
		return
	}

	problems := w.teardown(ctx, dep.ID, dep.ServerID, dep.SSHKeyID)
	outcome := "completed"
	var err error
	if len(problems) == 0 {
		err = w.store.MarkCanceledFromDestroy(dep.ID, w.workerID)
	} else {
		outcome = "failed"
		err = w.store.MarkDeploymentFailed(dep.ID, w.workerID, "cleanup: "+strings.Join(problems, "; "))
	}
	if errors.Is(err, store.ErrLeaseLost) {
		outcome = "aborted"
	} else if err != nil {
		log.Error().Err(err).Str("deployment", dep.ID).Msg("Failed to finalize destroy job")
		outcome = "failed"
	}
	cpmetrics.JobsTotal.WithLabelValues("destroy", outcome).Inc()
	log.Info().Str("deployment", dep.ID).Str("outcome", outcome).Msg("Destroy job finished")
}

// teardown deletes provider resources and clears the corresponding handles.
// A provider 404 counts as success. Returned strings describe what failed.
func (w *Worker) teardown(ctx context.Context, depID string, serverID, sshKeyID *int64) []string {
	var problems []string

	if serverID != nil {
		if err := w.prov.DeleteServer(ctx, *serverID); err != nil {
			problems = append(problems, fmt.Sprintf("delete server %d: %v", *serverID, err))
		} else if err := w.store.UpdateResourceState(depID, w.workerID, store.ResourcePatch{
			ServerID:   clearedInt64(),
			ServerName: clearedString(),
			PublicIP:   clearedString(),
		}); err != nil && !errors.Is(err, store.ErrLeaseLost) {
			problems = append(problems, fmt.Sprintf("clear server handle: %v", err))
		}
	}

	if sshKeyID != nil {
		if err := w.prov.DeleteSSHKey(ctx, *sshKeyID); err != nil {
			problems = append(problems, fmt.Sprintf("delete ssh key %d: %v", *sshKeyID, err))
		} else if err := w.store.UpdateResourceState(depID, w.workerID, store.ResourcePatch{
			SSHKeyID: clearedInt64(),
		}); err != nil && !errors.Is(err, store.ErrLeaseLost) {
			problems = append(problems, fmt.Sprintf("clear ssh key handle: %v", err))
		}
	}

	return problems
}

// cleanup is the provision abort path: tear down whatever got attached,
// then land in canceled or failed.
func (w *Worker) cleanup(ctx context.Context, depID string, serverID, sshKeyID *int64, canceled bool, failMsg string) {
	problems := w.teardown(ctx, depID, serverID, sshKeyID)

	var err error
	if canceled && len(problems) == 0 {
		err = w.store.MarkCanceledFromProvisioning(depID, w.workerID)
	} else {
		msg := failMsg
		if len(problems) > 0 {
			if msg != "" {
				msg += "; "
			}
			msg += "cleanup: " + strings.Join(problems, "; ")
		}
		err = w.store.MarkDeploymentFailed(depID, w.workerID, msg)
	}
	if err != nil && !errors.Is(err, store.ErrLeaseLost) {
		log.Error().Err(err).Str("deployment", depID).Msg("Failed to finalize cleanup")
	}
}

func nullInt64(v int64) *sql.NullInt64 {
	return &sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) *sql.NullString {
	return &sql.NullString{String: v, Valid: true}
}

// clearedInt64 and clearedString are explicit-null patch values.
func clearedInt64() *sql.NullInt64   { return &sql.NullInt64{} }
func clearedString() *sql.NullString { return &sql.NullString{} }
