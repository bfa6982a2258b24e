// Package config loads the orchestration engine's process configuration
// from the environment using struct tags, the way cmd/reconciler does it
// in the teacher codebase (env.Parse against a typed struct) rather than
// the hand-rolled getEnvWithPrefix helper used elsewhere in that tree.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-derived tunable named in §6.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	DatabaseURL string   `env:"DATABASE_URL,required"`
	NATSURLs    []string `env:"NATS_URLS" envSeparator:"," envDefault:"nats://localhost:4222"`

	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":8080"`
	AgentListenAddr string `env:"AGENT_LISTEN_ADDR" envDefault:":8443"`

	// SigningClockSkew bounds how far a signed agent message's timestamp may
	// drift from wall clock before it is rejected as a replay (§4.2, L3).
	SigningClockSkew time.Duration `env:"SIGNING_CLOCK_SKEW_SECONDS" envDefault:"60s"`

	RegistryHost string `env:"REGISTRY_HOST" envDefault:"registry.internal"`

	// StaleThreshold is how long a host may go without a heartbeat before
	// C7 marks it offline and reschedules its replicas (§4.7).
	StaleThreshold time.Duration `env:"STALE_THRESHOLD_MS" envDefault:"120s"`

	// WorkTimeout bounds how long a WorkItem may sit "processing" before C4
	// reclaims it for retry (§4.3).
	WorkTimeout time.Duration `env:"WORK_TIMEOUT_MINUTES" envDefault:"5m"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`

	// RolloutTimeout bounds how long a rollout may sit in a non-terminal
	// stage before it is marked stuck and failed (§4.5).
	RolloutTimeout time.Duration `env:"ROLLOUT_TIMEOUT_MINUTES" envDefault:"10m"`

	// DNSAckTimeout / CaddyAckTimeout bound the config fan-out's
	// wait-then-fallback window (§4.8, §9 design notes).
	DNSAckTimeout   time.Duration `env:"DNS_ACK_TIMEOUT_MS" envDefault:"1s"`
	CaddyAckTimeout time.Duration `env:"CADDY_ACK_TIMEOUT_MS" envDefault:"1s"`

	BuildTimeout time.Duration `env:"BUILD_TIMEOUT_MINUTES" envDefault:"15m"`

	// CertDir holds the internal mTLS CA's generated certificates and
	// SigningKeyPath the control plane's own Ed25519 signing key (§4.2);
	// both persist across restarts so agents don't need to re-trust a new
	// identity on every reconciler restart.
	CertDir        string `env:"CERT_DIR" envDefault:"./data/certs"`
	SigningKeyPath string `env:"SIGNING_KEY_PATH" envDefault:"./data/server.key"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
