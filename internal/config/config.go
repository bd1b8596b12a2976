// Package config loads the server's runtime configuration from a
// layered source: built-in defaults, then an optional YAML file, then
// environment variables — each layer overriding the last (spec §6.4).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// HeartbeatSink selects C10's write target.
type HeartbeatSink string

const (
	HeartbeatSinkInProcess HeartbeatSink = "inprocess"
	HeartbeatSinkExternal  HeartbeatSink = "external"
)

// Config holds every core-relevant option from spec §6.4, plus the
// §5 timeouts table, all tunable and all carrying the spec's defaults.
type Config struct {
	ControlPort uint16 `koanf:"control_port"`
	ProxyPort   uint16 `koanf:"proxy_port"`
	PublicPort  uint16 `koanf:"public_port"`

	TLSCertChainPath  string `koanf:"tls_cert_chain_path"`
	TLSPrivateKeyPath string `koanf:"tls_private_key_path"`

	DatastoreURL             string `koanf:"datastore_url"`
	CacheURL                 string `koanf:"cache_url"`
	StaticFallbackCredential string `koanf:"static_fallback_credential"`

	// CredentialHashKey is the operator-held pepper C3 mixes into every
	// credential digest (spec §4.3). Required: an empty key would make
	// the stored hash an unkeyed digest of a bounded credential
	// alphabet, defeating the point of hashing at all.
	CredentialHashKey string `koanf:"credential_hash_key"`

	HeartbeatSink             HeartbeatSink `koanf:"heartbeat_sink"`
	ExternalHeartbeatEndpoint string        `koanf:"external_heartbeat_endpoint"`

	// Timeouts (spec §5), all tunable.
	RendezvousTimeout   time.Duration `koanf:"t_rendezvous"`
	DispatchTimeout     time.Duration `koanf:"t_dispatch"`
	HeartbeatDeadAfter  time.Duration `koanf:"t_heartbeat_dead"`
	FlushInterval       time.Duration `koanf:"t_flush"`
	GCInterval          time.Duration `koanf:"t_gc"`
	ReapInterval        time.Duration `koanf:"t_reap"`
	CacheTTL            time.Duration `koanf:"cache_ttl"`

	HeartbeatBatchSize  int `koanf:"heartbeat_batch_size"` // B
	DispatchRetries     int `koanf:"dispatch_retries"`     // N
	HeartbeatChannelCap int `koanf:"heartbeat_channel_capacity"`

	// Resource caps (spec §5): breaching any of these rejects the new
	// request immediately, never an in-flight one. max_pending_rendezvous
	// must be >= max_public_connections since every in-flight public
	// request holds at most one pending rendezvous entry.
	MaxWorkers           int `koanf:"max_workers"`
	MaxPublicConnections int `koanf:"max_public_connections"`
	MaxPendingRendezvous int `koanf:"max_pending_rendezvous"`
}

// defaults mirrors every default named in spec §5/§6.4.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"control_port": 17000,
		"proxy_port":   17001,
		"public_port":  18080,

		"heartbeat_sink": string(HeartbeatSinkInProcess),

		"t_rendezvous":      "10s",
		"t_dispatch":        "2s",
		"t_heartbeat_dead":  "90s",
		"t_flush":           "5s",
		"t_gc":              "60s",
		"t_reap":            "1s",
		"cache_ttl":         "300s",

		"heartbeat_batch_size":       100,
		"dispatch_retries":           3,
		"heartbeat_channel_capacity": 10_000,

		"max_workers":             10_000,
		"max_public_connections":  10_000,
		"max_pending_rendezvous":  10_000,
	}
}

// Load builds a Config from built-in defaults, then (if path is
// non-empty) a YAML file at path, then environment variables prefixed
// with AIRELAY_ (e.g. AIRELAY_CONTROL_PORT, AIRELAY_DATASTORE_URL).
// Each source overrides the previous one.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %q: %w", path, err)
		}
	}

	envProvider := env.Provider("AIRELAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AIRELAY_"))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required-option rules spec §6.4 names.
func (c *Config) Validate() error {
	if c.TLSCertChainPath == "" {
		return fmt.Errorf("config: tls_cert_chain_path is required")
	}
	if c.TLSPrivateKeyPath == "" {
		return fmt.Errorf("config: tls_private_key_path is required")
	}
	if c.CredentialHashKey == "" {
		return fmt.Errorf("config: credential_hash_key is required")
	}
	if c.DatastoreURL == "" && c.StaticFallbackCredential == "" {
		return fmt.Errorf("config: datastore_url is required unless static_fallback_credential is set")
	}
	switch c.HeartbeatSink {
	case HeartbeatSinkInProcess:
	case HeartbeatSinkExternal:
		if c.ExternalHeartbeatEndpoint == "" {
			return fmt.Errorf("config: external_heartbeat_endpoint is required when heartbeat_sink=external")
		}
		// The external heartbeat sink is not implemented by this
		// server: only the in-process drain ships. Treat the choice
		// as a startup configuration error rather than a silent
		// no-op, so a misconfigured deployment fails fast.
		return fmt.Errorf("config: heartbeat_sink=external is not supported by this build; only inprocess ships")
	default:
		return fmt.Errorf("config: heartbeat_sink must be %q or %q, got %q", HeartbeatSinkInProcess, HeartbeatSinkExternal, c.HeartbeatSink)
	}
	if c.MaxPendingRendezvous < c.MaxPublicConnections {
		return fmt.Errorf("config: max_pending_rendezvous (%d) must be >= max_public_connections (%d)", c.MaxPendingRendezvous, c.MaxPublicConnections)
	}
	return nil
}

// CachingEnabled reports whether cache_url is configured, i.e. whether
// C3 should be wired with an in-process credential cache at all (spec
// §6.4: "if absent, credentials always hit the datastore").
func (c *Config) CachingEnabled() bool {
	return c.CacheURL != ""
}
