// Package control wires every component (C1-C8) into one running
// process, the way internal/manager/service.go's Service type wires the
// teacher's database/NATS/reconciliation ticker together behind a single
// NewService/Start/Close lifecycle.
package control

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wharfctl/wharf/internal/config"
	"github.com/wharfctl/wharf/internal/dispatcher"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/events"
	"github.com/wharfctl/wharf/internal/fanout"
	"github.com/wharfctl/wharf/internal/health"
	"github.com/wharfctl/wharf/internal/metrics"
	"github.com/wharfctl/wharf/internal/migration"
	"github.com/wharfctl/wharf/internal/model"
	"github.com/wharfctl/wharf/internal/placement"
	"github.com/wharfctl/wharf/internal/protocol"
	"github.com/wharfctl/wharf/internal/rollout"
	"github.com/wharfctl/wharf/internal/session"
	"github.com/wharfctl/wharf/internal/workqueue"
)

// Service owns every long-lived component of the orchestration engine.
type Service struct {
	logger *slog.Logger
	cfg    *config.Config

	store dsdb.Store
	bus   *events.Bus

	sessions   *session.Manager
	sessionSrv *session.Server
	queue      *workqueue.Queue
	dispatch   *dispatcher.Service
	placer     *placement.Controller
	fan        *fanout.Fanout
	rollouts   *rollout.Controller
	migrations *migration.Controller
	health     *health.Handler

	mux        *http.ServeMux
	httpServer *http.Server
	tlsConfig  *tls.Config

	staleSweepInterval time.Duration
	done               chan struct{}
}

// New builds every component of the engine, wiring the dispatcher's
// session Sender and the rollout/fanout ack paths together, but starts
// nothing yet — call Start. tlsConfig is served on AgentListenAddr for the
// mTLS-terminated agent session endpoint (§6); pass nil to serve plaintext
// HTTP, e.g. under test.
func New(logger *slog.Logger, cfg *config.Config, store dsdb.Store, bus *events.Bus, serverKey ed25519.PrivateKey, tlsConfig *tls.Config) *Service {
	s := &Service{
		logger:             logger,
		cfg:                cfg,
		store:              store,
		bus:                bus,
		mux:                http.NewServeMux(),
		tlsConfig:          tlsConfig,
		staleSweepInterval: cfg.StaleThreshold / 2,
		done:               make(chan struct{}),
	}

	s.queue = workqueue.New(store, cfg.WorkTimeout, cfg.MaxAttempts)
	s.dispatch = dispatcher.New(logger, store, s.queue, nil, bus, 2*time.Second)
	s.placer = placement.New(logger, store, bus, cfg.StaleThreshold)

	s.sessions = session.NewManager(serverKey, cfg.SigningClockSkew, s.onAgentEnvelope)
	s.dispatch = dispatcher.New(logger, store, s.queue, s.sessions, bus, 2*time.Second)
	s.fan = fanout.New(logger, s.sessions)
	s.sessionSrv = session.NewServer(s.sessions, store)

	s.rollouts = rollout.New(logger, store, s.queue, s.placer, s.fan, bus, s.sessions.Connected,
		cfg.RolloutTimeout, cfg.DNSAckTimeout, cfg.CaddyAckTimeout)
	s.migrations = migration.New(logger, store, s.queue, s.placer, bus, s.rollouts)
	s.rollouts.SetMigrator(s.migrations)

	s.health = health.NewHandler()
	s.health.AddReadinessCheck(func(ctx context.Context) error {
		_, err := store.ListHosts(ctx)
		return err
	})

	s.sessionSrv.RegisterHandlers(s.mux)
	s.health.RegisterHandlers(s.mux)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// onAgentEnvelope is the session.Manager callback invoked for every
// authenticated inbound message, dispatched by type to the owning
// component.
func (s *Service) onAgentEnvelope(hostID string, env protocol.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case protocol.TypeHeartbeat:
		if err := s.store.UpdateHostHeartbeat(ctx, hostID, model.HostOnline); err != nil {
			s.logger.Error("control: heartbeat update failed", "host_id", hostID, "error", err)
		}
	case protocol.TypeWorkResult:
		var result protocol.WorkResult
		if err := decode(env.Payload, &result); err != nil {
			s.logger.Error("control: decode work result failed", "error", err)
			return
		}
		s.dispatch.OnWorkResult(ctx, hostID, result)
	case protocol.TypeStatusEvent:
		var evt protocol.StatusEvent
		if err := decode(env.Payload, &evt); err != nil {
			s.logger.Error("control: decode status event failed", "error", err)
			return
		}
		s.handleStatusEvent(ctx, evt)
	case protocol.TypeConfigAck:
		var ack protocol.ConfigAck
		if err := decode(env.Payload, &ack); err != nil {
			s.logger.Error("control: decode config ack failed", "error", err)
			return
		}
		s.fan.OnAck(ack)
	}
}

func (s *Service) handleStatusEvent(ctx context.Context, evt protocol.StatusEvent) {
	d, err := s.store.GetDeployment(ctx, evt.DeploymentID)
	if err != nil {
		s.logger.Error("control: unknown deployment in status event", "deployment_id", evt.DeploymentID, "error", err)
		return
	}
	if evt.ContainerID != "" || evt.IPAddress != "" {
		if err := s.store.UpdateDeploymentRuntime(ctx, d.ID, evt.ContainerID, evt.IPAddress); err != nil {
			s.logger.Error("control: update runtime failed", "error", err)
		}
	}
	if evt.Status != "" || evt.HealthStatus != "" {
		status := d.Status
		if evt.Status != "" {
			status = stringToDeploymentStatus(evt.Status)
		}
		health := d.HealthStatus
		if evt.HealthStatus != "" {
			health = stringToHealthStatus(evt.HealthStatus)
		}
		if err := s.store.UpdateDeploymentStatus(ctx, d.ID, status, health); err != nil {
			s.logger.Error("control: update status failed", "error", err)
		}
	}
	if d.RolloutID != "" {
		if err := s.rollouts.Advance(ctx, d.RolloutID); err != nil {
			s.logger.Error("control: advance rollout after status event failed", "rollout_id", d.RolloutID, "error", err)
		}
	}
}

// Start subscribes to the internal event bus and begins the dispatcher
// and stale-host sweep ticks, then serves the agent/health/metrics mux on
// AgentListenAddr.
func (s *Service) Start(ctx context.Context) error {
	if _, err := events.Subscribe(ctx, s.bus, events.SubjectRolloutAdvance, func(e events.RolloutAdvanceEvent) {
		if err := s.rollouts.Advance(ctx, e.RolloutID); err != nil {
			s.logger.Error("control: rollout advance event failed", "rollout_id", e.RolloutID, "error", err)
		}
	}); err != nil {
		return err
	}
	if _, err := events.Subscribe(ctx, s.bus, events.SubjectMigrationAdvance, func(e events.MigrationAdvanceEvent) {
		if err := s.migrations.Advance(ctx, e.ServiceID); err != nil {
			s.logger.Error("control: migration advance event failed", "service_id", e.ServiceID, "error", err)
		}
	}); err != nil {
		return err
	}
	if _, err := events.Subscribe(ctx, s.bus, events.SubjectWorkCompleted, func(e events.WorkCompletedEvent) {
		w, err := s.store.GetWorkItem(ctx, e.WorkItemID)
		if err != nil {
			return
		}
		if w.RolloutID != "" {
			_ = s.rollouts.Advance(ctx, w.RolloutID)
		}
	}); err != nil {
		return err
	}
	if _, err := events.Subscribe(ctx, s.bus, events.SubjectHostStale, func(e events.HostStaleEvent) {
		affected, err := s.placer.RescheduleReplicasFor(ctx, e.HostID)
		if err != nil {
			s.logger.Error("control: reschedule lookup failed", "host_id", e.HostID, "error", err)
			return
		}
		for _, serviceID := range affected {
			if _, err := s.rollouts.TriggerRollout(ctx, serviceID); err != nil {
				s.logger.Warn("control: auto-recovery rollout not started", "service_id", serviceID, "error", err)
			}
		}
	}); err != nil {
		return err
	}

	s.dispatch.Start(ctx)
	go s.staleSweepLoop(ctx)
	go s.rolloutSweepLoop(ctx)

	s.httpServer = &http.Server{Addr: s.cfg.AgentListenAddr, Handler: s.mux, TLSConfig: s.tlsConfig}
	errCh := make(chan error, 1)
	go func() {
		if s.tlsConfig != nil {
			errCh <- s.httpServer.ListenAndServeTLS("", "")
		} else {
			errCh <- s.httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control: http server: %w", err)
		}
		return nil
	}
}

func (s *Service) staleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.placer.SweepStaleHosts(ctx); err != nil {
				s.logger.Error("control: stale sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) rolloutSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.rollouts.SweepStuck(ctx); err != nil {
				s.logger.Error("control: rollout sweep failed", "error", err)
			}
		}
	}
}

// Close shuts down the HTTP listener and background loops.
func (s *Service) Close(ctx context.Context) error {
	close(s.done)
	s.dispatch.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Rollouts exposes the rollout controller for the CLI/trigger surface
// (§6: CreateService, TriggerRollout, TriggerMigration are named external
// entry points into the core).
func (s *Service) Rollouts() *rollout.Controller { return s.rollouts }

// Migrations exposes the migration controller, see Rollouts.
func (s *Service) Migrations() *migration.Controller { return s.migrations }
