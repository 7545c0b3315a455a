package cp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackforge/deploycp/internal/auth"
	"github.com/stackforge/deploycp/internal/billing"
	"github.com/stackforge/deploycp/internal/crypto"
	"github.com/stackforge/deploycp/internal/logging"
	"github.com/stackforge/deploycp/internal/payment"
	"github.com/stackforge/deploycp/internal/provisioner"
	"github.com/stackforge/deploycp/internal/scheduler"
	"github.com/stackforge/deploycp/internal/sshexec"
	"github.com/stackforge/deploycp/internal/store"
)

// Run starts the control plane and blocks until the context is canceled or a
// termination signal arrives.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     envOrDefault("CP_LOG_LEVEL", "info"),
		Component: "control-plane",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("bind", cfg.BindAddress).
		Int("port", cfg.Port).
		Bool("worker", cfg.WorkerEnabled).
		Msg("Starting deployment control plane")

	st, err := store.Open(cfg.OrdersDBPath, cfg.DeploymentsDBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	st.Subscribe(func(c store.Change) {
		log.Debug().
			Str("kind", string(c.Kind)).
			Str("order", c.OrderID).
			Str("deployment", c.DeploymentID).
			Str("event", c.EventType).
			Msg("Store change")
	})

	cipher, err := crypto.NewCipher(cfg.EncryptionPassphrase)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	catalog, err := billing.ParseCatalog(cfg.PlansJSON)
	if err != nil {
		return fmt.Errorf("parse plan catalog: %w", err)
	}

	resolver, err := auth.New(ctx, auth.Config{
		Mode:          auth.Mode(cfg.AuthMode),
		DefaultUserID: cfg.DefaultTenant,
		Tokens:        parseTokenEntries(cfg.AuthTokens),
		JWKSURL:       cfg.AuthJWKSURL,
		Issuer:        cfg.AuthIssuer,
		Audience:      cfg.AuthAudience,
		Algorithms:    cfg.AuthAlgorithms,
		MaxTokenAge:   cfg.AuthMaxTokenAge,
		SubjectClaim:  cfg.AuthSubjectClaim,
	})
	if err != nil {
		return fmt.Errorf("init auth resolver: %w", err)
	}

	gateway := payment.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	bridge := billing.NewBridge(st, cipher, cfg.DefaultTenant)
	checkout := billing.NewCheckout(st, gateway, cipher, catalog, cfg.SuccessURL, cfg.CancelURL, cfg.IdempotencyStaleMs)
	webhooks := billing.NewWebhookProcessor(st, gateway, bridge, cfg.AutoProvision, cfg.WebhookStaleMs)

	deps := &Deps{
		Store:    st,
		Cipher:   cipher,
		Resolver: resolver,
		Catalog:  catalog,
		Checkout: checkout,
		Webhooks: webhooks,
		Bridge:   bridge,
		Version:  version,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.WorkerEnabled {
		worker, err := buildWorker(st, cipher, catalog, cfg)
		if err != nil {
			return err
		}
		deps.Worker = worker
		go worker.Run(runCtx)
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-runCtx.Done():
		log.Info().Msg("Context canceled, shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	log.Info().Msg("Control plane stopped")
	return nil
}

func buildWorker(st *store.Store, cipher *crypto.Cipher, catalog *billing.Catalog, cfg *Config) (*scheduler.Worker, error) {
	publicKey, err := os.ReadFile(cfg.SSHPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh public key: %w", err)
	}
	privateKey, err := os.ReadFile(cfg.SSHPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh private key: %w", err)
	}
	script, err := os.ReadFile(cfg.BootstrapScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap script: %w", err)
	}

	prov, err := provisioner.NewHetznerClient(provisioner.HetznerConfig{Token: cfg.HetznerToken})
	if err != nil {
		return nil, fmt.Errorf("init provisioner: %w", err)
	}
	runner, err := sshexec.NewRunner("root", privateKey, 0)
	if err != nil {
		return nil, fmt.Errorf("init ssh runner: %w", err)
	}

	serverTypes := make(map[string]string)
	for _, p := range catalog.Plans() {
		if p.ServerType != "" {
			serverTypes[p.ID] = p.ServerType
		}
	}

	return scheduler.New(st, prov, cipher, runner, scheduler.Config{
		TickInterval:      cfg.WorkerTick,
		LeaseMs:           cfg.WorkerLeaseMs,
		ServerTypes:       serverTypes,
		DefaultServerType: cfg.DefaultServerType,
		ServerImage:       cfg.ServerImage,
		Location:          cfg.ServerLocation,
		SSHPublicKey:      strings.TrimSpace(string(publicKey)),
		BootstrapScript:   script,
	}), nil
}

func parseTokenEntries(raw string) []auth.TokenEntry {
	var entries []auth.TokenEntry
	for _, part := range splitCSV(raw) {
		hash, user, ok := strings.Cut(part, "=")
		if !ok {
			entries = append(entries, auth.TokenEntry{SHA256Hex: part})
			continue
		}
		entries = append(entries, auth.TokenEntry{SHA256Hex: strings.TrimSpace(hash), UserID: strings.TrimSpace(user)})
	}
	return entries
}
