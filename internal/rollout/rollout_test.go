package rollout

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/events"
	"github.com/wharfctl/wharf/internal/fanout"
	"github.com/wharfctl/wharf/internal/model"
	"github.com/wharfctl/wharf/internal/placement"
	"github.com/wharfctl/wharf/internal/protocol"
	"github.com/wharfctl/wharf/internal/workqueue"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type noopFanoutSender struct{}

func (noopFanoutSender) Send(hostID string, typ protocol.Type, payload any) error { return nil }

func newTestController(t *testing.T, store *dsdb.Memory) *Controller {
	t.Helper()
	logger := discardLogger()
	q := workqueue.New(store, time.Minute, 3)
	placer := placement.New(logger, store, nil, time.Minute)
	fo := fanout.New(logger, noopFanoutSender{})
	connected := func(hostID string) bool { return true }
	return New(logger, store, q, placer, fo, nil, connected, time.Hour, 10*time.Millisecond, 10*time.Millisecond)
}

func seedOneReplicaService(t *testing.T, store *dsdb.Memory, serviceID, hostID string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertHost(ctx, &model.Host{ID: hostID, Status: model.HostOnline, LastHeartbeat: time.Now()}); err != nil {
		t.Fatalf("seed host: %v", err)
	}
	if err := store.CreateService(ctx, &model.Service{ID: serviceID, Image: "registry.internal/app:v1", AutoPlace: true, Replicas: 1}); err != nil {
		t.Fatalf("seed service: %v", err)
	}
}

func TestTriggerRolloutCreatesDeploymentAndWaitsForHealth(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedOneReplicaService(t, store, "svc1", "host-a")
	c := newTestController(t, store)

	r, err := c.TriggerRollout(ctx, "svc1")
	if err != nil {
		t.Fatalf("trigger rollout: %v", err)
	}

	got, err := store.GetRollout(ctx, r.ID)
	if err != nil {
		t.Fatalf("get rollout: %v", err)
	}
	if got.CurrentStage != model.StageDeploying && got.CurrentStage != model.StageHealthCheck {
		t.Fatalf("expected rollout waiting on new deployment health, got stage %s", got.CurrentStage)
	}

	deployments, err := store.ListDeploymentsForService(ctx, "svc1")
	if err != nil || len(deployments) != 1 {
		t.Fatalf("expected exactly one new deployment, got %v, err=%v", deployments, err)
	}
	if deployments[0].HostID != "host-a" {
		t.Fatalf("expected deployment placed on host-a, got %s", deployments[0].HostID)
	}
}

func TestTriggerRolloutRejectsConcurrentRollout(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedOneReplicaService(t, store, "svc1", "host-a")
	c := newTestController(t, store)

	if _, err := c.TriggerRollout(ctx, "svc1"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if _, err := c.TriggerRollout(ctx, "svc1"); err == nil {
		t.Fatal("expected second concurrent rollout to be rejected")
	}
}

func TestAdvanceChainsToCompletionOnceHealthy(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedOneReplicaService(t, store, "svc1", "host-a")
	c := newTestController(t, store)

	r, err := c.TriggerRollout(ctx, "svc1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	deployments, _ := store.ListDeploymentsForService(ctx, "svc1")
	if err := store.UpdateDeploymentStatus(ctx, deployments[0].ID, model.DeploymentRunning, model.HealthHealthy); err != nil {
		t.Fatalf("mark healthy: %v", err)
	}

	if err := c.Advance(ctx, r.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := store.GetRollout(ctx, r.ID)
	if err != nil {
		t.Fatalf("get rollout: %v", err)
	}
	if got.Status != model.RolloutCompleted {
		t.Fatalf("expected rollout completed once health check passes, got status=%s stage=%s", got.Status, got.CurrentStage)
	}
}

func TestUnhealthyDeploymentTriggersRollback(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedOneReplicaService(t, store, "svc1", "host-a")
	c := newTestController(t, store)

	r, err := c.TriggerRollout(ctx, "svc1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	deployments, _ := store.ListDeploymentsForService(ctx, "svc1")
	if err := store.UpdateDeploymentStatus(ctx, deployments[0].ID, model.DeploymentFailed, model.HealthUnhealthy); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if err := c.Advance(ctx, r.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := store.GetRollout(ctx, r.ID)
	if err != nil {
		t.Fatalf("get rollout: %v", err)
	}
	if got.Status != model.RolloutRolledBack {
		t.Fatalf("expected rollout rolled back after unhealthy deployment, got %s", got.Status)
	}
}

func TestAbortMarksRolloutAborted(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedOneReplicaService(t, store, "svc1", "host-a")
	c := newTestController(t, store)

	r, err := c.TriggerRollout(ctx, "svc1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	deployments, _ := store.ListDeploymentsForService(ctx, "svc1")
	if len(deployments) != 1 {
		t.Fatalf("expected one new deployment before abort, got %d", len(deployments))
	}
	newDeploymentID := deployments[0].ID

	if err := c.Abort(ctx, r.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}

	got, err := store.GetRollout(ctx, r.ID)
	if err != nil {
		t.Fatalf("get rollout: %v", err)
	}
	if got.Status != model.RolloutFailed {
		t.Fatalf("expected abort to leave the rollout Failed (not RolledBack), got %s", got.Status)
	}
	if got.CurrentStage != model.StageAborted {
		t.Fatalf("expected stage aborted, got %s", got.CurrentStage)
	}
	if _, err := store.GetDeployment(ctx, newDeploymentID); err != dsdb.ErrNotFound {
		t.Fatalf("expected the aborted rollout's new deployment row to be deleted, got err=%v", err)
	}
}

func TestAbortRevertsDrainingDeploymentAndPurgesPendingWork(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedOneReplicaService(t, store, "svc1", "host-a")
	c := newTestController(t, store)

	r := &model.Rollout{ID: "rollout-1", ServiceID: "svc1", Status: model.RolloutInProgress, CurrentStage: model.StageStoppingOld, CreatedAt: time.Now()}
	if err := store.CreateRollout(ctx, r); err != nil {
		t.Fatalf("seed rollout: %v", err)
	}

	// stageStoppingOld marks the old (blue) deployment draining while its stop
	// WorkItem is in flight, leaving its earlier rollout's ID in place.
	oldDeployment := &model.Deployment{ID: "old-1", ServiceID: "svc1", HostID: "host-a", Status: model.DeploymentDraining, HealthStatus: model.HealthHealthy, RolloutID: "rollout-0"}
	if err := store.CreateDeployment(ctx, oldDeployment); err != nil {
		t.Fatalf("seed old deployment: %v", err)
	}
	newDeployment := &model.Deployment{ID: "new-1", ServiceID: "svc1", HostID: "host-a", Status: model.DeploymentRunning, RolloutID: r.ID}
	if err := store.CreateDeployment(ctx, newDeployment); err != nil {
		t.Fatalf("seed new deployment: %v", err)
	}
	pendingWork, err := c.queue.Enqueue(ctx, "host-a", model.WorkStop, nil, r.ID)
	if err != nil {
		t.Fatalf("seed pending work item: %v", err)
	}

	if err := c.Abort(ctx, r.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}

	reverted, err := store.GetDeployment(ctx, oldDeployment.ID)
	if err != nil {
		t.Fatalf("get old deployment: %v", err)
	}
	if reverted.Status != model.DeploymentRunning {
		t.Fatalf("expected draining deployment reverted to running, got %s", reverted.Status)
	}
	if _, err := store.GetWorkItem(ctx, pendingWork.ID); err != dsdb.ErrNotFound {
		t.Fatalf("expected the rollout's pending work item purged on abort, got err=%v", err)
	}
}

func TestTriggerRolloutRejectsWhileDeploymentTransitioning(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedOneReplicaService(t, store, "svc1", "host-a")
	if err := store.CreateDeployment(ctx, &model.Deployment{ID: "dep-1", ServiceID: "svc1", HostID: "host-a", Status: model.DeploymentStarting}); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
	c := newTestController(t, store)

	if _, err := c.TriggerRollout(ctx, "svc1"); err == nil {
		t.Fatal("expected rollout to be rejected while a deployment is still transitioning")
	}
}

func TestTriggerRolloutRejectsStatefulPlacementNotExactlyOneHost(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	if err := store.UpsertHost(ctx, &model.Host{ID: "host-a", Status: model.HostOnline, LastHeartbeat: time.Now()}); err != nil {
		t.Fatalf("seed host: %v", err)
	}
	if err := store.CreateService(ctx, &model.Service{ID: "svc1", Image: "registry.internal/app:v1", Stateful: true, Replicas: 1}); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	// No ServiceReplica rows at all: placement sums to zero hosts, not one.
	c := newTestController(t, store)

	if _, err := c.TriggerRollout(ctx, "svc1"); err == nil {
		t.Fatal("expected rollout to be rejected for a stateful service with no resolved placement")
	}
}

type fakeMigrator struct {
	called      bool
	serviceID   string
	targetHost  string
	returnError error
}

func (f *fakeMigrator) TriggerMigration(ctx context.Context, serviceID, targetHostID string) error {
	f.called = true
	f.serviceID = serviceID
	f.targetHost = targetHostID
	return f.returnError
}

func TestTriggerRolloutRedirectsStatefulServiceToMigration(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	if err := store.UpsertHost(ctx, &model.Host{ID: "host-a", Status: model.HostOnline, LastHeartbeat: time.Now()}); err != nil {
		t.Fatalf("seed host-a: %v", err)
	}
	if err := store.UpsertHost(ctx, &model.Host{ID: "host-b", Status: model.HostOnline, LastHeartbeat: time.Now()}); err != nil {
		t.Fatalf("seed host-b: %v", err)
	}
	if err := store.CreateService(ctx, &model.Service{ID: "svc1", Image: "registry.internal/app:v1", Stateful: true, Replicas: 1, LockedHostID: "host-a"}); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	if err := store.SetServiceReplicas(ctx, "svc1", []*model.ServiceReplica{{ServiceID: "svc1", HostID: "host-b", Count: 1}}); err != nil {
		t.Fatalf("seed replica: %v", err)
	}

	c := newTestController(t, store)
	migrator := &fakeMigrator{}
	c.SetMigrator(migrator)

	if _, err := c.TriggerRollout(ctx, "svc1"); err == nil {
		t.Fatal("expected the rollout itself to be rejected in favor of a migration")
	}
	if !migrator.called {
		t.Fatal("expected TriggerRollout to redirect to the migrator")
	}
	if migrator.targetHost != "host-b" {
		t.Fatalf("expected migration targeting host-b, got %s", migrator.targetHost)
	}
}

var _ = events.SubjectRolloutAdvance // keep internal/events imported for future event-driven tests
