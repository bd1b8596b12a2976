package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airelay/airelay/internal/config"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
datastore_url: "sqlite:///tmp/data.db"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, 17000, cfg.ControlPort)
	assert.EqualValues(t, 17001, cfg.ProxyPort)
	assert.EqualValues(t, 18080, cfg.PublicPort)
	assert.Equal(t, config.HeartbeatSinkInProcess, cfg.HeartbeatSink)
	assert.Equal(t, 10*time.Second, cfg.RendezvousTimeout)
	assert.Equal(t, 2*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatDeadAfter)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 60*time.Second, cfg.GCInterval)
	assert.Equal(t, 1*time.Second, cfg.ReapInterval)
	assert.Equal(t, 300*time.Second, cfg.CacheTTL)
	assert.Equal(t, 100, cfg.HeartbeatBatchSize)
	assert.Equal(t, 3, cfg.DispatchRetries)
	assert.Equal(t, 10_000, cfg.HeartbeatChannelCap)
	assert.Equal(t, 10_000, cfg.MaxWorkers)
	assert.Equal(t, 10_000, cfg.MaxPublicConnections)
	assert.Equal(t, 10_000, cfg.MaxPendingRendezvous)
}

func TestValidateRejectsPendingRendezvousCapBelowPublicConnectionsCap(t *testing.T) {
	path := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
datastore_url: "sqlite:///tmp/data.db"
max_public_connections: 100
max_pending_rendezvous: 50
`)
	_, err := config.Load(path)
	assert.Error(t, err, "max_pending_rendezvous must be able to hold one entry per in-flight public connection")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
control_port: 9000
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
datastore_url: "sqlite:///tmp/data.db"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, cfg.ControlPort)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, `
control_port: 9000
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
datastore_url: "sqlite:///tmp/data.db"
`)
	t.Setenv("AIRELAY_CONTROL_PORT", "9999")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9999, cfg.ControlPort)
}

func TestValidateRequiresTLSPaths(t *testing.T) {
	path := writeYAML(t, `datastore_url: "sqlite:///tmp/data.db"`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidateRequiresCredentialHashKey(t *testing.T) {
	path := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
datastore_url: "sqlite:///tmp/data.db"
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidateRequiresDatastoreUnlessStaticFallback(t *testing.T) {
	path := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
`)
	_, err := config.Load(path)
	assert.Error(t, err)

	pathWithFallback := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
static_fallback_credential: "dev-static-cred"
`)
	cfg, err := config.Load(pathWithFallback)
	require.NoError(t, err)
	assert.Equal(t, "dev-static-cred", cfg.StaticFallbackCredential)
}

func TestValidateRejectsExternalHeartbeatSink(t *testing.T) {
	path := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
datastore_url: "sqlite:///tmp/data.db"
heartbeat_sink: external
external_heartbeat_endpoint: "https://example.invalid/ingest"
`)
	_, err := config.Load(path)
	assert.Error(t, err, "heartbeat_sink=external must fail fast: no external sink ships in this build")
}

func TestCachingEnabledReflectsCacheURL(t *testing.T) {
	withoutCache := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
datastore_url: "sqlite:///tmp/data.db"
`)
	cfg, err := config.Load(withoutCache)
	require.NoError(t, err)
	assert.False(t, cfg.CachingEnabled())

	withCache := writeYAML(t, `
tls_cert_chain_path: /tmp/cert.pem
tls_private_key_path: /tmp/key.pem
credential_hash_key: "test-pepper"
datastore_url: "sqlite:///tmp/data.db"
cache_url: "inprocess://lru"
`)
	cfg2, err := config.Load(withCache)
	require.NoError(t, err)
	assert.True(t, cfg2.CachingEnabled())
}
