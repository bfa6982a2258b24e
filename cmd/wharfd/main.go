// Command wharfd runs the orchestration engine's control plane: the DSDB
// gateway, agent session server, work dispatcher, rollout and migration
// state machines, the placement/recovery controller, and config fan-out,
// all wired together by internal/control. Lifecycle (load config, init
// tracing, run until signal, graceful shutdown) follows cmd/reconciler's
// main.go shape in the teacher.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wharfctl/wharf/internal/config"
	"github.com/wharfctl/wharf/internal/control"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/events"
	"github.com/wharfctl/wharf/internal/logging"
	sharedtls "github.com/wharfctl/wharf/internal/shared/tls"
	"github.com/wharfctl/wharf/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wharfd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New("wharfd", "info", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracer(ctx)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracing(context.Background())

	store, err := dsdb.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect dsdb: %w", err)
	}
	defer store.Close()

	bus, err := events.Connect(cfg.NATSURLs)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer bus.Close()

	serverKey, err := loadOrCreateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	tlsConfig, err := buildAgentTLSConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build agent tls config: %w", err)
	}

	svc := control.New(logger, cfg, store, bus, serverKey, tlsConfig)

	logger.Info("wharfd starting", "agent_listen_addr", cfg.AgentListenAddr)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("control service: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svc.Close(shutdownCtx)
}

// loadOrCreateSigningKey loads the control plane's Ed25519 identity from
// path, generating and persisting a new one on first run. Agents pin this
// key's public half when they register a host (§4.2).
func loadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("decode pem: %s", path)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key at %s is not Ed25519", path)
		}
		return priv, nil
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal signing key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return priv, nil
}

// buildAgentTLSConfig stands up (or loads) the internal CA and issues this
// process a server certificate for the agent session endpoint, terminating
// mTLS in front of internal/session.Server the way §6 names it ("HTTP over
// mTLS agent endpoints").
func buildAgentTLSConfig(cfg *config.Config, logger *slog.Logger) (*tls.Config, error) {
	ca, err := sharedtls.NewInternalCA(&sharedtls.InternalCAConfig{
		CertDir:        cfg.CertDir,
		CAKeyPath:      cfg.CertDir + "/ca.key",
		CACertPath:     cfg.CertDir + "/ca.crt",
		RotationPeriod: 30 * 24 * time.Hour,
		ValidityPeriod: 365 * 24 * time.Hour,
		Organization:   "Wharf",
		Country:        "US",
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init internal ca: %w", err)
	}

	host, _, err := net.SplitHostPort(cfg.AgentListenAddr)
	if err != nil || host == "" {
		host = "wharfd"
	}
	return ca.GetServerTLSConfig(host, nil)
}
