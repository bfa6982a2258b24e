// Package rollout implements C5 (§4.5): the blue/green staged rollout
// state machine. Per §9's design notes, all stage transitions flow
// through a single Advance(rollout) function executed under a per-service
// lock, rather than one function per stage — this keeps the state
// machine's invariants (I1: a rollout never skips a stage; I2: only one
// rollout advances a service at a time) checkable in one place. The
// ticker-driven sweep for stuck rollouts and the lo-heavy helper style
// follow internal/manager/orchestration/reconciler.go in the teacher.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/wharfctl/wharf/internal/apierrors"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/events"
	"github.com/wharfctl/wharf/internal/fanout"
	"github.com/wharfctl/wharf/internal/ids"
	"github.com/wharfctl/wharf/internal/logging"
	"github.com/wharfctl/wharf/internal/metrics"
	"github.com/wharfctl/wharf/internal/model"
	"github.com/wharfctl/wharf/internal/placement"
	"github.com/wharfctl/wharf/internal/protocol"
	"github.com/wharfctl/wharf/internal/workqueue"
)

// Migrator is the subset of migration.Controller rollout needs to redirect
// a stateful service whose desired placement has moved off its current
// LockedHostID (§4.5 Trigger precondition 1) into a migration instead of a
// blue/green rollout. Declared here rather than imported from the
// migration package to avoid an import cycle, mirroring migration.Locker's
// reverse-direction structural interface.
type Migrator interface {
	TriggerMigration(ctx context.Context, serviceID, targetHostID string) error
}

// Controller drives rollouts for every service. Locks is the per-service
// serialization primitive required by §5: "no two goroutines may advance
// the same service's rollout or migration concurrently."
type Controller struct {
	logger    *slog.Logger
	store     dsdb.Store
	queue     *workqueue.Queue
	placement *placement.Controller
	fanout    *fanout.Fanout
	bus       *events.Bus
	connected func(hostID string) bool
	migrator  Migrator

	rolloutTimeout  time.Duration
	dnsAckTimeout   time.Duration
	caddyAckTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(
	logger *slog.Logger,
	store dsdb.Store,
	queue *workqueue.Queue,
	placementCtl *placement.Controller,
	fo *fanout.Fanout,
	bus *events.Bus,
	connected func(hostID string) bool,
	rolloutTimeout, dnsAckTimeout, caddyAckTimeout time.Duration,
) *Controller {
	return &Controller{
		logger:          logger,
		store:           store,
		queue:           queue,
		placement:       placementCtl,
		fanout:          fo,
		bus:             bus,
		connected:       connected,
		rolloutTimeout:  rolloutTimeout,
		dnsAckTimeout:   dnsAckTimeout,
		caddyAckTimeout: caddyAckTimeout,
		locks:           make(map[string]*sync.Mutex),
	}
}

// SetMigrator wires the migration controller after construction, breaking
// the construction-order cycle: migration.New requires a Locker (this
// Controller) and this Controller requires a Migrator (migration.New's
// result), so internal/control builds both, then calls this.
func (c *Controller) SetMigrator(m Migrator) {
	c.migrator = m
}

// LockService returns an unlock function for serviceID's per-service
// mutex, implementing migration.Locker so migration.Controller can share
// the exact same lock instance rollout.Controller uses — the mechanism
// behind §5's "no concurrent rollout and migration for the same service"
// requirement.
func (c *Controller) LockService(serviceID string) func() {
	lock := c.lockFor(serviceID)
	lock.Lock()
	return lock.Unlock
}

func (c *Controller) lockFor(serviceID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[serviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[serviceID] = l
	}
	return l
}

// blockingDeploymentStatuses are the in-flight statuses that make a
// service ineligible for a new rollout (§4.5 Trigger precondition 2): a
// deployment still transitioning from a previous rollout must settle
// before another one starts.
var blockingDeploymentStatuses = map[model.DeploymentStatus]bool{
	model.DeploymentPending:  true,
	model.DeploymentPulling:  true,
	model.DeploymentStarting: true,
	model.DeploymentHealthy:  true,
	model.DeploymentStopping: true,
}

// statefulDesiredHost resolves the single host a stateful service's
// explicit ServiceReplica placement names, rejecting configurations that
// don't sum to exactly one host (§4.5 Trigger precondition 3: stateful
// services cannot spread, so anything else is a misconfiguration).
func (c *Controller) statefulDesiredHost(ctx context.Context, svc *model.Service) (string, error) {
	replicas, err := c.store.ListServiceReplicas(ctx, svc.ID)
	if err != nil {
		return "", fmt.Errorf("rollout: list service replicas: %w", err)
	}
	total := 0
	var hostID string
	for _, r := range replicas {
		total += r.Count
		hostID = r.HostID
	}
	if total != 1 {
		return "", apierrors.NewValidation("stateful service placement must sum to exactly one host", map[string]interface{}{
			"service_id": svc.ID, "total_hosts": total,
		})
	}
	return hostID, nil
}

// TriggerRollout creates a new Rollout for service and kicks off its
// first Advance (§4.5 Trigger). Three preconditions reject the request
// without creating a Rollout: (1) a stateful service whose desired host
// has moved off its current LockedHostID is redirected to Migrator
// instead — a rollout cannot relocate a stateful service's single
// deployment; (2) a rollout already in progress, or any Deployment still
// transitioning from a prior one; (3) a stateful service whose placement
// doesn't resolve to exactly one host.
func (c *Controller) TriggerRollout(ctx context.Context, serviceID string) (*model.Rollout, error) {
	lock := c.lockFor(serviceID)
	lock.Lock()
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			lock.Unlock()
		}
	}
	defer unlock()

	if _, err := c.store.GetActiveRolloutForService(ctx, serviceID); err == nil {
		return nil, apierrors.NewConflict("rollout already in progress", map[string]interface{}{"service_id": serviceID})
	} else if err != dsdb.ErrNotFound {
		return nil, fmt.Errorf("rollout: check active rollout: %w", err)
	}

	deployments, err := c.store.ListDeploymentsForService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("rollout: list deployments: %w", err)
	}
	if lo.SomeBy(deployments, func(d *model.Deployment) bool { return blockingDeploymentStatuses[d.Status] }) {
		return nil, apierrors.NewConflict("service has a deployment still transitioning from a prior rollout", map[string]interface{}{"service_id": serviceID})
	}

	svc, err := c.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("rollout: get service: %w", err)
	}

	if svc.Stateful {
		desiredHostID, err := c.statefulDesiredHost(ctx, svc)
		if err != nil {
			return nil, err
		}
		if svc.LockedHostID != "" && desiredHostID != svc.LockedHostID {
			unlock() // migration.Controller.TriggerMigration takes this same per-service lock
			if c.migrator == nil {
				return nil, fmt.Errorf("rollout: service %s needs migration to %s but no migrator is configured", serviceID, desiredHostID)
			}
			if err := c.migrator.TriggerMigration(ctx, serviceID, desiredHostID); err != nil {
				return nil, err
			}
			return nil, apierrors.NewConflict("stateful service placement moved; redirected to migration instead of a rollout", map[string]interface{}{
				"service_id": serviceID, "target_host_id": desiredHostID,
			})
		}
	}

	r := &model.Rollout{
		ID:           ids.New(),
		ServiceID:    serviceID,
		Status:       model.RolloutInProgress,
		CurrentStage: model.StageQueued,
		CreatedAt:    time.Now(),
	}
	if err := c.store.CreateRollout(ctx, r); err != nil {
		return nil, fmt.Errorf("rollout: create: %w", err)
	}
	metricsRolloutsStarted(serviceID)

	c.advanceLocked(ctx, r)
	return r, nil
}

// Advance is the single entry point for progressing a rollout one step,
// called both by TriggerRollout and by event-driven wakeups (health
// transitions, fan-out acks, work completions). It is idempotent: calling
// it when nothing has changed since the last call is a no-op.
func (c *Controller) Advance(ctx context.Context, rolloutID string) error {
	r, err := c.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return fmt.Errorf("rollout: get %s: %w", rolloutID, err)
	}
	if r.Status != model.RolloutInProgress {
		return nil
	}

	lock := c.lockFor(r.ServiceID)
	lock.Lock()
	defer lock.Unlock()

	c.advanceLocked(ctx, r)
	return nil
}

func (c *Controller) advanceLocked(ctx context.Context, r *model.Rollout) {
	ctx = logging.WithRolloutID(ctx, r.ID)
	svc, err := c.store.GetService(ctx, r.ServiceID)
	if err != nil {
		c.logger.Error("rollout: service lookup failed", "rollout_id", r.ID, "error", err)
		return
	}

	var next model.RolloutStage
	switch r.CurrentStage {
	case model.StageQueued:
		next, err = c.stageQueued(ctx, r, svc)
	case model.StageDeploying:
		next, err = c.stageDeploying(ctx, r, svc)
	case model.StageHealthCheck:
		next, err = c.stageHealthCheck(ctx, r, svc)
	case model.StageDNSUpdating:
		next, err = c.stageDNSUpdating(ctx, r, svc)
	case model.StageCaddyUpdating:
		next, err = c.stageCaddyUpdating(ctx, r, svc)
	case model.StageStoppingOld:
		next, err = c.stageStoppingOld(ctx, r, svc)
	default:
		return
	}
	if err != nil {
		c.logger.Error("rollout: stage failed", "rollout_id", r.ID, "stage", r.CurrentStage, "error", err)
		return
	}
	if next == "" || next == r.CurrentStage {
		return
	}

	c.logger.Info("rollout: advancing", "rollout_id", r.ID, "from", r.CurrentStage, "to", next)
	r.CurrentStage = next
	if next == model.StageCompleted {
		r.Status = model.RolloutCompleted
		r.CompletedAt = time.Now()
	}
	if err := c.store.UpdateRollout(ctx, r); err != nil {
		c.logger.Error("rollout: persist stage transition failed", "rollout_id", r.ID, "error", err)
		return
	}
	if next == model.StageCompleted {
		metricsRolloutsCompleted(r.ServiceID, "completed")
		return
	}
	// Chain straight through stages that don't wait on an external event.
	c.advanceLocked(ctx, r)
}

// stageQueued selects hosts and creates+enqueues the new (green)
// deployments.
func (c *Controller) stageQueued(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	hostIDs, err := c.placement.SelectHosts(ctx, svc, svc.Replicas)
	if err != nil {
		return "", fmt.Errorf("select hosts: %w", err)
	}

	for _, hostID := range hostIDs {
		d := &model.Deployment{
			ID:        ids.New(),
			ServiceID: svc.ID,
			HostID:    hostID,
			Status:    model.DeploymentPending,
			RolloutID: r.ID,
			CreatedAt: time.Now(),
		}
		if err := c.store.CreateDeployment(ctx, d); err != nil {
			return "", fmt.Errorf("create deployment: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{
			"image":         svc.Image,
			"start_command": svc.StartCommand,
			"deployment_id": d.ID,
		})
		if _, err := c.queue.Enqueue(ctx, hostID, model.WorkDeploy, payload, r.ID); err != nil {
			return "", fmt.Errorf("enqueue deploy: %w", err)
		}
	}
	return model.StageDeploying, nil
}

// stageDeploying waits for every new deployment to report healthy. Any
// deployment reporting unhealthy/failed aborts the rollout via rollback.
func (c *Controller) stageDeploying(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	return c.checkNewDeploymentsHealth(ctx, r, svc)
}

func (c *Controller) stageHealthCheck(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	return c.checkNewDeploymentsHealth(ctx, r, svc)
}

func (c *Controller) checkNewDeploymentsHealth(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	deployments, err := c.store.ListDeploymentsForService(ctx, svc.ID)
	if err != nil {
		return "", fmt.Errorf("list deployments: %w", err)
	}
	newOnes := lo.Filter(deployments, func(d *model.Deployment, _ int) bool { return d.RolloutID == r.ID })

	if lo.SomeBy(newOnes, func(d *model.Deployment) bool {
		return d.Status == model.DeploymentFailed || d.HealthStatus == model.HealthUnhealthy
	}) {
		return c.rollback(ctx, r, svc, newOnes)
	}
	if lo.EveryBy(newOnes, func(d *model.Deployment) bool { return d.HealthStatus == model.HealthHealthy }) {
		return model.StageDNSUpdating, nil
	}
	return model.StageHealthCheck, nil
}

func (c *Controller) rollback(ctx context.Context, r *model.Rollout, svc *model.Service, newDeployments []*model.Deployment) (model.RolloutStage, error) {
	c.logger.Warn("rollout: rolling back", "rollout_id", r.ID, "service_id", svc.ID, "stage", r.CurrentStage)
	for _, d := range newDeployments {
		if d.Status == model.DeploymentRunning || d.Status == model.DeploymentStopped {
			continue
		}
		payload, _ := json.Marshal(map[string]any{"deployment_id": d.ID})
		if _, err := c.queue.Enqueue(ctx, d.HostID, model.WorkStop, payload, r.ID); err != nil {
			return "", fmt.Errorf("enqueue rollback stop: %w", err)
		}
		if err := c.store.UpdateDeploymentOutcome(ctx, d.ID, model.DeploymentRolledBack, string(r.CurrentStage)); err != nil {
			return "", fmt.Errorf("mark rolled back: %w", err)
		}
	}
	r.Status = model.RolloutRolledBack
	r.CompletedAt = time.Now()
	if err := c.store.UpdateRollout(ctx, r); err != nil {
		return "", fmt.Errorf("persist rollback: %w", err)
	}
	metricsRolloutsCompleted(svc.ID, "rolled_back")
	// Traffic must keep pointing at the surviving (old) deployments; refan
	// the current tables now that the new ones are being torn down.
	if err := c.refanCurrentConfig(ctx, svc, r.ID); err != nil {
		c.logger.Error("rollout: refan after rollback failed", "rollout_id", r.ID, "error", err)
	}
	return "", nil
}

func (c *Controller) stageDNSUpdating(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	entries, err := c.buildConfigEntries(ctx, svc, r)
	if err != nil {
		return "", err
	}
	connected := c.connectedHostIDs(ctx)
	timedOut, failed, err := c.fanout.Push(ctx, "dns", entries, connected, c.dnsAckTimeout)
	if err != nil {
		return "", fmt.Errorf("dns fanout: %w", err)
	}
	if failed {
		return c.rollbackNewDeployments(ctx, r, svc)
	}
	if timedOut {
		r.DNSUpdatedByTimeout = true
	}
	return model.StageCaddyUpdating, nil
}

func (c *Controller) stageCaddyUpdating(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	entries, err := c.buildConfigEntries(ctx, svc, r)
	if err != nil {
		return "", err
	}
	connected := c.connectedHostIDs(ctx)
	timedOut, failed, err := c.fanout.Push(ctx, "caddy", entries, connected, c.caddyAckTimeout)
	if err != nil {
		return "", fmt.Errorf("caddy fanout: %w", err)
	}
	if failed {
		return c.rollbackNewDeployments(ctx, r, svc)
	}
	if timedOut {
		r.CaddyUpdatedByTimeout = true
	}
	return model.StageStoppingOld, nil
}

func (c *Controller) rollbackNewDeployments(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	deployments, err := c.store.ListDeploymentsForService(ctx, svc.ID)
	if err != nil {
		return "", fmt.Errorf("list deployments: %w", err)
	}
	newOnes := lo.Filter(deployments, func(d *model.Deployment, _ int) bool { return d.RolloutID == r.ID })
	return c.rollback(ctx, r, svc, newOnes)
}

// stageStoppingOld enqueues stop WorkItems for every deployment of svc
// that predates this rollout (the "blue" side), marking each draining
// while its stop is in flight, then completes.
func (c *Controller) stageStoppingOld(ctx context.Context, r *model.Rollout, svc *model.Service) (model.RolloutStage, error) {
	deployments, err := c.store.ListDeploymentsForService(ctx, svc.ID)
	if err != nil {
		return "", fmt.Errorf("list deployments: %w", err)
	}
	old := lo.Filter(deployments, func(d *model.Deployment, _ int) bool {
		return d.RolloutID != r.ID && d.Status != model.DeploymentStopped && d.Status != model.DeploymentFailed
	})
	for _, d := range old {
		payload, _ := json.Marshal(map[string]any{"deployment_id": d.ID})
		if _, err := c.queue.Enqueue(ctx, d.HostID, model.WorkStop, payload, r.ID); err != nil {
			return "", fmt.Errorf("enqueue stop old: %w", err)
		}
		if err := c.store.UpdateDeploymentStatus(ctx, d.ID, model.DeploymentDraining, d.HealthStatus); err != nil {
			return "", fmt.Errorf("mark draining: %w", err)
		}
	}
	return model.StageCompleted, nil
}

// refanCurrentConfig re-pushes the DNS and routing tables built from svc's
// surviving deployments (anything not created by abandonedRolloutID), used
// after a rollback or an abort to make sure agents end up pointed back at
// the deployments that are actually still serving rather than whatever
// partially-applied generation the failed rollout left behind.
func (c *Controller) refanCurrentConfig(ctx context.Context, svc *model.Service, abandonedRolloutID string) error {
	entries, err := c.buildConfigEntriesExcluding(ctx, svc, abandonedRolloutID)
	if err != nil {
		return fmt.Errorf("build current config: %w", err)
	}
	connected := c.connectedHostIDs(ctx)
	if _, _, err := c.fanout.Push(ctx, "dns", entries, connected, c.dnsAckTimeout); err != nil {
		return fmt.Errorf("refan dns: %w", err)
	}
	if _, _, err := c.fanout.Push(ctx, "caddy", entries, connected, c.caddyAckTimeout); err != nil {
		return fmt.Errorf("refan caddy: %w", err)
	}
	return nil
}

func (c *Controller) buildConfigEntries(ctx context.Context, svc *model.Service, r *model.Rollout) ([]protocol.ConfigEntry, error) {
	ports, err := c.store.ListServicePorts(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	deployments, err := c.store.ListDeploymentsForService(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	newOnes := lo.Filter(deployments, func(d *model.Deployment, _ int) bool { return d.RolloutID == r.ID })
	targets := lo.FilterMap(newOnes, func(d *model.Deployment, _ int) (string, bool) {
		if d.IPAddress == "" {
			return "", false
		}
		return d.IPAddress, true
	})

	entries := make([]protocol.ConfigEntry, 0, len(ports))
	for _, p := range ports {
		if !p.IsPublic {
			continue
		}
		entries = append(entries, protocol.ConfigEntry{
			Domain:   p.Domain,
			Protocol: string(p.Protocol),
			Targets:  targets,
		})
	}
	return entries, nil
}

// buildConfigEntriesExcluding builds the same protocol.ConfigEntry set as
// buildConfigEntries, but for the survivors of an abandoned rollout: every
// deployment NOT created by abandonedRolloutID, rather than the new side of
// one particular rollout. Used by refanCurrentConfig to re-point DNS/routing
// back at whatever was running before the abandoned rollout started.
func (c *Controller) buildConfigEntriesExcluding(ctx context.Context, svc *model.Service, abandonedRolloutID string) ([]protocol.ConfigEntry, error) {
	ports, err := c.store.ListServicePorts(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	deployments, err := c.store.ListDeploymentsForService(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	survivors := lo.Filter(deployments, func(d *model.Deployment, _ int) bool { return d.RolloutID != abandonedRolloutID })
	targets := lo.FilterMap(survivors, func(d *model.Deployment, _ int) (string, bool) {
		if d.IPAddress == "" {
			return "", false
		}
		return d.IPAddress, true
	})

	entries := make([]protocol.ConfigEntry, 0, len(ports))
	for _, p := range ports {
		if !p.IsPublic {
			continue
		}
		entries = append(entries, protocol.ConfigEntry{
			Domain:   p.Domain,
			Protocol: string(p.Protocol),
			Targets:  targets,
		})
	}
	return entries, nil
}

func (c *Controller) connectedHostIDs(ctx context.Context) []string {
	hosts, err := c.store.ListHosts(ctx)
	if err != nil {
		return nil
	}
	return lo.FilterMap(hosts, func(h *model.Host, _ int) (string, bool) {
		return h.ID, c.connected(h.ID)
	})
}

// Abort cancels an in-progress rollout on operator request (§4.5 Scenario
// 6). Unlike rollback (triggered by the engine itself on a deployment or
// config-push failure), Abort is operator-initiated and ends the rollout in
// a terminal Failed state rather than RolledBack: it reverts any deployment
// already mid-drain back to running, force-cleans the hosts this rollout
// touched, purges work this rollout queued but never dispatched, and drops
// the new deployment rows entirely rather than leaving them RolledBack.
func (c *Controller) Abort(ctx context.Context, rolloutID string) error {
	r, err := c.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return fmt.Errorf("rollout: get: %w", err)
	}
	svc, err := c.store.GetService(ctx, r.ServiceID)
	if err != nil {
		return fmt.Errorf("rollout: get service: %w", err)
	}
	lock := c.lockFor(r.ServiceID)
	lock.Lock()
	defer lock.Unlock()

	if r.Status != model.RolloutInProgress {
		return apierrors.NewConflict("rollout is not in progress", nil)
	}

	deployments, err := c.store.ListDeploymentsForService(ctx, r.ServiceID)
	if err != nil {
		return fmt.Errorf("rollout: list deployments: %w", err)
	}
	newOnes := lo.Filter(deployments, func(d *model.Deployment, _ int) bool { return d.RolloutID == r.ID })

	// Purge whatever this rollout had already queued but never dispatched
	// before enqueueing the abort's own cleanup work, so the cleanup work
	// itself isn't immediately swept up by the same purge.
	if err := c.store.DeletePendingWorkItemsForRollout(ctx, r.ID); err != nil {
		return fmt.Errorf("rollout: purge pending work: %w", err)
	}

	// stageStoppingOld marks the old deployments draining without changing
	// their RolloutID, so they are looked up among all of the service's
	// deployments: they were mid-stop for the rollout we're now aborting
	// and the service still needs them, so bring them back.
	for _, d := range deployments {
		if d.Status != model.DeploymentDraining {
			continue
		}
		if err := c.store.UpdateDeploymentStatus(ctx, d.ID, model.DeploymentRunning, d.HealthStatus); err != nil {
			return fmt.Errorf("rollout: revert draining deployment: %w", err)
		}
	}

	hostsInvolved := map[string]struct{}{}
	for _, d := range newOnes {
		hostsInvolved[d.HostID] = struct{}{}
		if d.Status == model.DeploymentDraining {
			continue
		}
		payload, _ := json.Marshal(map[string]any{"deployment_id": d.ID})
		if _, err := c.queue.Enqueue(ctx, d.HostID, model.WorkStop, payload, r.ID); err != nil {
			return fmt.Errorf("rollout: enqueue abort stop: %w", err)
		}
	}

	for hostID := range hostsInvolved {
		payload, _ := json.Marshal(map[string]any{"service_id": svc.ID})
		if _, err := c.queue.Enqueue(ctx, hostID, model.WorkForceCleanup, payload, r.ID); err != nil {
			return fmt.Errorf("rollout: enqueue force cleanup: %w", err)
		}
	}

	for _, d := range newOnes {
		if d.Status == model.DeploymentDraining {
			continue
		}
		if err := c.store.DeleteDeployment(ctx, d.ID); err != nil {
			return fmt.Errorf("rollout: delete aborted deployment: %w", err)
		}
	}

	r.CurrentStage = model.StageAborted
	r.Status = model.RolloutFailed
	r.CompletedAt = time.Now()
	if err := c.store.UpdateRollout(ctx, r); err != nil {
		return fmt.Errorf("rollout: persist abort: %w", err)
	}
	metricsRolloutsCompleted(r.ServiceID, "aborted")

	if err := c.refanCurrentConfig(ctx, svc, r.ID); err != nil {
		c.logger.Error("rollout: refan after abort failed", "rollout_id", r.ID, "error", err)
	}
	return nil
}

func metricsRolloutsStarted(serviceID string) {
	metrics.RolloutsStarted.WithLabelValues(serviceID).Inc()
}

func metricsRolloutsCompleted(serviceID, outcome string) {
	metrics.RolloutsCompleted.WithLabelValues(serviceID, outcome).Inc()
}

// SweepStuck fails any rollout that has sat in a non-terminal stage past
// RolloutTimeout, tagging its FailedAt-equivalent stage for observability
// (§4.5: "stuck rollout sweep").
func (c *Controller) SweepStuck(ctx context.Context) error {
	threshold := time.Now().Add(-c.rolloutTimeout).UnixNano()
	stuck, err := c.store.ListStuckRollouts(ctx, threshold)
	if err != nil {
		return fmt.Errorf("rollout: list stuck: %w", err)
	}
	for _, r := range stuck {
		c.logger.Warn("rollout: stuck, failing", "rollout_id", r.ID, "stage", model.StuckStage(r.CurrentStage))
		r.CurrentStage = model.StuckStage(r.CurrentStage)
		r.Status = model.RolloutFailed
		r.CompletedAt = time.Now()
		if err := c.store.UpdateRollout(ctx, r); err != nil {
			c.logger.Error("rollout: persist stuck failure failed", "rollout_id", r.ID, "error", err)
			continue
		}
		metricsRolloutsCompleted(r.ServiceID, "failed")
	}
	return nil
}
