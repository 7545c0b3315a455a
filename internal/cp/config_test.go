package cp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CP_ENCRYPTION_PASSPHRASE", "correct-horse-battery-staple")
	t.Setenv("CP_PLANS", `[{"id":"p","name":"P","amount":100,"currency":"eur"}]`)
	t.Setenv("STRIPE_API_KEY", "sk_test_x")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_x")
	t.Setenv("CP_SUCCESS_URL", "https://app.example/done")
	t.Setenv("CP_CANCEL_URL", "https://app.example/canceled")
	t.Setenv("CP_WORKER_ENABLED", "false")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, "disabled", cfg.AuthMode)
	assert.Equal(t, "tenant-default", cfg.DefaultTenant)
	assert.Equal(t, int64(120_000), cfg.WorkerLeaseMs)
	assert.True(t, cfg.AutoProvision)
	assert.False(t, cfg.WorkerEnabled)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CP_ENCRYPTION_PASSPHRASE", "")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CP_ENCRYPTION_PASSPHRASE")
}

func TestLoadConfigShortPassphrase(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CP_ENCRYPTION_PASSPHRASE", "too-short")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 16 bytes")
}

func TestLoadConfigAuthModes(t *testing.T) {
	setRequiredEnv(t)

	t.Setenv("CP_AUTH_MODE", "token")
	_, err := LoadConfig()
	require.Error(t, err, "token mode without tokens")

	t.Setenv("CP_AUTH_TOKENS", strings.Repeat("a", 64)+"=tenant-a")
	_, err = LoadConfig()
	require.NoError(t, err)

	t.Setenv("CP_AUTH_MODE", "jwt")
	_, err = LoadConfig()
	require.Error(t, err, "jwt mode without issuer config")

	t.Setenv("CP_AUTH_JWKS_URL", "https://issuer.example/jwks")
	t.Setenv("CP_AUTH_ISSUER", "https://issuer.example")
	t.Setenv("CP_AUTH_AUDIENCE", "deploycp")
	_, err = LoadConfig()
	require.NoError(t, err)

	t.Setenv("CP_AUTH_MODE", "basic")
	_, err = LoadConfig()
	require.Error(t, err, "unknown auth mode")
}

func TestLoadConfigWorkerRequirements(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CP_WORKER_ENABLED", "true")
	t.Setenv("HCLOUD_TOKEN", "token")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CP_SSH_PUBLIC_KEY_PATH")
}
