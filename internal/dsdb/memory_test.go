package dsdb

import (
	"context"
	"testing"
	"time"

	"github.com/wharfctl/wharf/internal/model"
)

func TestClaimNextWorkItemEnforcesOneInFlightPerHost(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &model.WorkItem{ID: "w1", HostID: "host-a", Type: model.WorkDeploy, CreatedAt: time.Now().Add(-time.Minute)}
	second := &model.WorkItem{ID: "w2", HostID: "host-a", Type: model.WorkDeploy, CreatedAt: time.Now()}
	if err := m.EnqueueWorkItem(ctx, first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := m.EnqueueWorkItem(ctx, second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	claimed, err := m.ClaimNextWorkItem(ctx, "host-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != "w1" {
		t.Fatalf("expected to claim oldest item w1, got %+v", claimed)
	}

	again, err := m.ClaimNextWorkItem(ctx, "host-a")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no claim while host-a has an in-flight item, got %+v", again)
	}

	if err := m.CompleteWorkItem(ctx, "w1", true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	next, err := m.ClaimNextWorkItem(ctx, "host-a")
	if err != nil {
		t.Fatalf("claim after completion: %v", err)
	}
	if next == nil || next.ID != "w2" {
		t.Fatalf("expected to claim w2 after w1 completed, got %+v", next)
	}
}

func TestClaimNextWorkItemIsolatesHosts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_ = m.EnqueueWorkItem(ctx, &model.WorkItem{ID: "w1", HostID: "host-a", Type: model.WorkDeploy, CreatedAt: time.Now()})
	_ = m.EnqueueWorkItem(ctx, &model.WorkItem{ID: "w2", HostID: "host-b", Type: model.WorkDeploy, CreatedAt: time.Now()})

	claimedA, err := m.ClaimNextWorkItem(ctx, "host-a")
	if err != nil || claimedA == nil || claimedA.ID != "w1" {
		t.Fatalf("expected to claim w1 for host-a, got %+v, err=%v", claimedA, err)
	}

	claimedB, err := m.ClaimNextWorkItem(ctx, "host-b")
	if err != nil || claimedB == nil || claimedB.ID != "w2" {
		t.Fatalf("expected to claim w2 for host-b independent of host-a's claim, got %+v, err=%v", claimedB, err)
	}
}

func TestDeleteServiceCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	svc := &model.Service{ID: "svc1", Image: "registry.internal/app:v1"}
	if err := m.CreateService(ctx, svc); err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := m.CreateDeployment(ctx, &model.Deployment{ID: "d1", ServiceID: "svc1", HostID: "host-a"}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	if err := m.CreateDeployment(ctx, &model.Deployment{ID: "d2", ServiceID: "other-svc", HostID: "host-a"}); err != nil {
		t.Fatalf("create unrelated deployment: %v", err)
	}

	if err := m.DeleteService(ctx, "svc1"); err != nil {
		t.Fatalf("delete service: %v", err)
	}

	if _, err := m.GetService(ctx, "svc1"); err != ErrNotFound {
		t.Fatalf("expected service to be gone, got err=%v", err)
	}
	if _, err := m.GetDeployment(ctx, "d1"); err != ErrNotFound {
		t.Fatalf("expected svc1's deployment to cascade-delete, got err=%v", err)
	}
	if _, err := m.GetDeployment(ctx, "d2"); err != nil {
		t.Fatalf("unrelated deployment should survive the cascade, got err=%v", err)
	}
}

func TestReclaimStuckWorkItemsRespectsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	stuck := &model.WorkItem{ID: "w1", HostID: "host-a", Type: model.WorkDeploy, Status: model.WorkProcessing, Attempts: 3, StartedAt: time.Now().Add(-time.Hour)}
	m.workItems["w1"] = stuck

	reclaimed, err := m.ReclaimStuckWorkItems(ctx, time.Now().UnixNano(), 3)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Status != model.WorkFailed {
		t.Fatalf("expected item at max attempts to be marked failed, got %+v", reclaimed)
	}
}

func TestGetActiveRolloutForServiceOnlyMatchesInProgress(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_ = m.CreateRollout(ctx, &model.Rollout{ID: "r1", ServiceID: "svc1", Status: model.RolloutCompleted})
	if _, err := m.GetActiveRolloutForService(ctx, "svc1"); err != ErrNotFound {
		t.Fatalf("expected no active rollout among completed ones, got err=%v", err)
	}

	_ = m.CreateRollout(ctx, &model.Rollout{ID: "r2", ServiceID: "svc1", Status: model.RolloutInProgress})
	active, err := m.GetActiveRolloutForService(ctx, "svc1")
	if err != nil || active.ID != "r2" {
		t.Fatalf("expected r2 as active rollout, got %+v, err=%v", active, err)
	}
}
