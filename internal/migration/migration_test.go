package migration

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wharfctl/wharf/internal/apierrors"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/model"
	"github.com/wharfctl/wharf/internal/placement"
	"github.com/wharfctl/wharf/internal/workqueue"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type noopLocker struct{}

func (noopLocker) LockService(serviceID string) func() { return func() {} }

func newTestController(t *testing.T, store *dsdb.Memory) *Controller {
	t.Helper()
	logger := discardLogger()
	q := workqueue.New(store, time.Minute, 3)
	placer := placement.New(logger, store, nil, time.Minute)
	return New(logger, store, q, placer, nil, noopLocker{})
}

func seedStatefulService(t *testing.T, store *dsdb.Memory, serviceID, currentHostID, targetHostID string) {
	t.Helper()
	ctx := context.Background()
	for _, h := range []string{currentHostID, targetHostID} {
		if err := store.UpsertHost(ctx, &model.Host{ID: h, Status: model.HostOnline, LastHeartbeat: time.Now()}); err != nil {
			t.Fatalf("seed host %s: %v", h, err)
		}
	}
	svc := &model.Service{
		ID:           serviceID,
		Image:        "registry.internal/app:v1",
		Stateful:     true,
		LockedHostID: currentHostID,
	}
	if err := store.CreateService(ctx, svc); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	d := &model.Deployment{ID: serviceID + "-d1", ServiceID: serviceID, HostID: currentHostID, Status: model.DeploymentRunning, HealthStatus: model.HealthHealthy}
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
}

func TestTriggerMigrationRejectsStatelessService(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	_ = store.CreateService(ctx, &model.Service{ID: "svc1", Stateful: false})
	c := newTestController(t, store)

	err := c.TriggerMigration(ctx, "svc1", "host-b")
	var apiErr *apierrors.Error
	if err == nil {
		t.Fatal("expected error for non-stateful service")
	}
	if ae, ok := err.(*apierrors.Error); !ok || ae.Type != apierrors.TypeValidation {
		t.Fatalf("expected TypeValidation, got %v (%T)", err, err)
	}
	_ = apiErr
}

func TestTriggerMigrationRejectsNoCurrentHost(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	_ = store.CreateService(ctx, &model.Service{ID: "svc1", Stateful: true})
	c := newTestController(t, store)

	if err := c.TriggerMigration(ctx, "svc1", "host-b"); err == nil {
		t.Fatal("expected error when service has no locked host")
	}
}

func TestTriggerMigrationRejectsConcurrentMigration(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedStatefulService(t, store, "svc1", "host-a", "host-b")
	c := newTestController(t, store)

	if err := c.TriggerMigration(ctx, "svc1", "host-b"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := c.TriggerMigration(ctx, "svc1", "host-c"); err == nil {
		t.Fatal("expected second concurrent migration to be rejected")
	}
}

func TestTriggerMigrationWithNoVolumesReachesStarting(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedStatefulService(t, store, "svc1", "host-a", "host-b")
	c := newTestController(t, store)

	if err := c.TriggerMigration(ctx, "svc1", "host-b"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	svc, err := store.GetService(ctx, "svc1")
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.MigrationStatus != model.MigrationStarting {
		t.Fatalf("expected migration to chain straight to starting (no volumes to back up), got %s", svc.MigrationStatus)
	}
}

func TestAdvanceCompletesOnceTargetHealthy(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedStatefulService(t, store, "svc1", "host-a", "host-b")
	c := newTestController(t, store)

	if err := c.TriggerMigration(ctx, "svc1", "host-b"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	d := &model.Deployment{ID: "svc1-d2", ServiceID: "svc1", HostID: "host-b", Status: model.DeploymentRunning, HealthStatus: model.HealthHealthy}
	if err := store.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("seed target deployment: %v", err)
	}

	if err := c.Advance(ctx, "svc1"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	svc, err := store.GetService(ctx, "svc1")
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.MigrationStatus != model.MigrationNone {
		t.Fatalf("expected migration to complete once target host reports healthy, got %s", svc.MigrationStatus)
	}
	if svc.LockedHostID != "host-b" {
		t.Fatalf("expected service re-locked to the target host, got %s", svc.LockedHostID)
	}
}

func TestCancelResetsMigrationState(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedStatefulService(t, store, "svc1", "host-a", "host-b")
	c := newTestController(t, store)

	if err := c.TriggerMigration(ctx, "svc1", "host-b"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := c.Cancel(ctx, "svc1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	svc, err := store.GetService(ctx, "svc1")
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.MigrationStatus != model.MigrationNone {
		t.Fatalf("expected migration status reset, got %s", svc.MigrationStatus)
	}
	if svc.LockedHostID != "host-a" {
		t.Fatalf("expected service to remain locked to its original host after cancel, got %s", svc.LockedHostID)
	}
}

func TestCancelRejectsWhenNoMigrationInProgress(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedStatefulService(t, store, "svc1", "host-a", "host-b")
	c := newTestController(t, store)

	if err := c.Cancel(ctx, "svc1"); err == nil {
		t.Fatal("expected error cancelling a migration that isn't in progress")
	}
}
