// Package cp assembles the control plane: configuration, HTTP surface, and
// process lifecycle.
package cp

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the control plane.
type Config struct {
	BindAddress string
	Port        int

	OrdersDBPath      string
	DeploymentsDBPath string

	EncryptionPassphrase string

	AuthMode         string // disabled, token, jwt
	AuthTokens       string // "<sha256-hex>=<user-id>" comma list (token mode)
	AuthJWKSURL      string
	AuthIssuer       string
	AuthAudience     string
	AuthAlgorithms   []string
	AuthMaxTokenAge  time.Duration
	AuthSubjectClaim string

	DefaultTenant string

	PlansJSON           string
	StripeAPIKey        string
	StripeWebhookSecret string
	SuccessURL          string
	CancelURL           string

	WorkerEnabled bool
	WorkerTick    time.Duration
	WorkerLeaseMs int64
	AutoProvision bool

	HetznerToken        string
	ServerImage         string
	ServerLocation      string
	DefaultServerType   string
	SSHPublicKeyPath    string
	SSHPrivateKeyPath   string
	BootstrapScriptPath string

	IdempotencyStaleMs int64
	WebhookStaleMs     int64
}

// LoadConfig loads control plane configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("CP_PORT", 8443)
	if err != nil {
		return nil, err
	}
	workerTick, err := envOrDefaultDuration("CP_WORKER_TICK", 15*time.Second)
	if err != nil {
		return nil, err
	}
	leaseMs, err := envOrDefaultInt64("CP_WORKER_LEASE_MS", 120_000)
	if err != nil {
		return nil, err
	}
	maxAge, err := envOrDefaultDuration("CP_AUTH_MAX_AGE", 0)
	if err != nil {
		return nil, err
	}
	idemStaleMs, err := envOrDefaultInt64("CP_IDEMPOTENCY_STALE_MS", 120_000)
	if err != nil {
		return nil, err
	}
	webhookStaleMs, err := envOrDefaultInt64("CP_WEBHOOK_STALE_MS", 120_000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress: envOrDefault("CP_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,

		OrdersDBPath:      envOrDefault("CP_ORDERS_DB", "/data/control-plane/orders.db"),
		DeploymentsDBPath: envOrDefault("CP_DEPLOYMENTS_DB", "/data/control-plane/deployments.db"),

		EncryptionPassphrase: strings.TrimSpace(os.Getenv("CP_ENCRYPTION_PASSPHRASE")),

		AuthMode:         envOrDefault("CP_AUTH_MODE", "disabled"),
		AuthTokens:       strings.TrimSpace(os.Getenv("CP_AUTH_TOKENS")),
		AuthJWKSURL:      strings.TrimSpace(os.Getenv("CP_AUTH_JWKS_URL")),
		AuthIssuer:       strings.TrimSpace(os.Getenv("CP_AUTH_ISSUER")),
		AuthAudience:     strings.TrimSpace(os.Getenv("CP_AUTH_AUDIENCE")),
		AuthAlgorithms:   splitCSV(os.Getenv("CP_AUTH_ALGS")),
		AuthMaxTokenAge:  maxAge,
		AuthSubjectClaim: strings.TrimSpace(os.Getenv("CP_AUTH_SUBJECT_CLAIM")),

		DefaultTenant: envOrDefault("CP_DEFAULT_TENANT", "tenant-default"),

		PlansJSON:           strings.TrimSpace(os.Getenv("CP_PLANS")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		SuccessURL:          strings.TrimSpace(os.Getenv("CP_SUCCESS_URL")),
		CancelURL:           strings.TrimSpace(os.Getenv("CP_CANCEL_URL")),

		WorkerEnabled: envOrDefaultBool("CP_WORKER_ENABLED", true),
		WorkerTick:    workerTick,
		WorkerLeaseMs: leaseMs,
		AutoProvision: envOrDefaultBool("CP_AUTO_PROVISION", true),

		HetznerToken:        strings.TrimSpace(os.Getenv("HCLOUD_TOKEN")),
		ServerImage:         envOrDefault("CP_SERVER_IMAGE", "ubuntu-24.04"),
		ServerLocation:      strings.TrimSpace(os.Getenv("CP_SERVER_LOCATION")),
		DefaultServerType:   envOrDefault("CP_DEFAULT_SERVER_TYPE", "cx22"),
		SSHPublicKeyPath:    strings.TrimSpace(os.Getenv("CP_SSH_PUBLIC_KEY_PATH")),
		SSHPrivateKeyPath:   strings.TrimSpace(os.Getenv("CP_SSH_PRIVATE_KEY_PATH")),
		BootstrapScriptPath: strings.TrimSpace(os.Getenv("CP_BOOTSTRAP_SCRIPT")),

		IdempotencyStaleMs: idemStaleMs,
		WebhookStaleMs:     webhookStaleMs,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate control plane config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.EncryptionPassphrase == "" {
		missing = append(missing, "CP_ENCRYPTION_PASSPHRASE")
	}
	if c.PlansJSON == "" {
		missing = append(missing, "CP_PLANS")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.SuccessURL == "" {
		missing = append(missing, "CP_SUCCESS_URL")
	}
	if c.CancelURL == "" {
		missing = append(missing, "CP_CANCEL_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if len(c.EncryptionPassphrase) < 16 {
		return fmt.Errorf("CP_ENCRYPTION_PASSPHRASE must be at least 16 bytes")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CP_PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.AuthMode {
	case "disabled":
	case "token":
		if c.AuthTokens == "" {
			return fmt.Errorf("CP_AUTH_MODE=token requires CP_AUTH_TOKENS")
		}
	case "jwt":
		if c.AuthJWKSURL == "" || c.AuthIssuer == "" || c.AuthAudience == "" {
			return fmt.Errorf("CP_AUTH_MODE=jwt requires CP_AUTH_JWKS_URL, CP_AUTH_ISSUER, and CP_AUTH_AUDIENCE")
		}
	default:
		return fmt.Errorf("CP_AUTH_MODE must be disabled, token, or jwt, got %q", c.AuthMode)
	}

	if c.WorkerEnabled {
		var workerMissing []string
		if c.HetznerToken == "" {
			workerMissing = append(workerMissing, "HCLOUD_TOKEN")
		}
		if c.SSHPublicKeyPath == "" {
			workerMissing = append(workerMissing, "CP_SSH_PUBLIC_KEY_PATH")
		}
		if c.SSHPrivateKeyPath == "" {
			workerMissing = append(workerMissing, "CP_SSH_PRIVATE_KEY_PATH")
		}
		if c.BootstrapScriptPath == "" {
			workerMissing = append(workerMissing, "CP_BOOTSTRAP_SCRIPT")
		}
		if len(workerMissing) > 0 {
			return fmt.Errorf("worker enabled but missing: %s (set CP_WORKER_ENABLED=false to run without it)", strings.Join(workerMissing, ", "))
		}
	}
	return nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
