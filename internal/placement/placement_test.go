package placement

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wharfctl/wharf/internal/apierrors"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/model"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func seedHosts(t *testing.T, store *dsdb.Memory, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if err := store.UpsertHost(ctx, &model.Host{ID: id, Status: model.HostOnline, LastHeartbeat: time.Now()}); err != nil {
			t.Fatalf("seed host %s: %v", id, err)
		}
	}
}

func TestSelectHostsSpreadsLoad(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedHosts(t, store, "host-a", "host-b", "host-c")

	// host-a already has two deployments, host-b one, host-c none.
	_ = store.CreateDeployment(ctx, &model.Deployment{ID: "d1", HostID: "host-a", Status: model.DeploymentRunning})
	_ = store.CreateDeployment(ctx, &model.Deployment{ID: "d2", HostID: "host-a", Status: model.DeploymentRunning})
	_ = store.CreateDeployment(ctx, &model.Deployment{ID: "d3", HostID: "host-b", Status: model.DeploymentRunning})

	c := New(discardLogger(), store, nil, 30*time.Second)
	svc := &model.Service{ID: "svc1", AutoPlace: true}

	chosen, err := c.SelectHosts(ctx, svc, 2)
	if err != nil {
		t.Fatalf("select hosts: %v", err)
	}
	if len(chosen) != 2 {
		t.Fatalf("expected 2 hosts chosen, got %v", chosen)
	}
	if chosen[0] != "host-c" {
		t.Fatalf("expected the least-loaded host (host-c) picked first, got %s", chosen[0])
	}
	// Second pick must not repeat host-c without accounting for the load it
	// now carries from the first pick.
	if chosen[1] == "host-a" {
		t.Fatalf("expected host-a (most loaded) to be picked last, got second pick %s", chosen[1])
	}
}

func TestSelectHostsLockedStatefulServiceBypassesSelection(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	seedHosts(t, store, "host-a", "host-b")

	svc := &model.Service{ID: "svc1", Stateful: true, LockedHostID: "host-a"}
	c := New(discardLogger(), store, nil, 30*time.Second)

	chosen, err := c.SelectHosts(ctx, svc, 3)
	if err != nil {
		t.Fatalf("select hosts: %v", err)
	}
	for _, h := range chosen {
		if h != "host-a" {
			t.Fatalf("expected every pick pinned to the locked host, got %v", chosen)
		}
	}
}

func TestSelectHostsNoHealthyHostsReturnsUnavailable(t *testing.T) {
	c := New(discardLogger(), dsdb.NewMemory(), nil, 30*time.Second)
	svc := &model.Service{ID: "svc1", AutoPlace: true}

	_, err := c.SelectHosts(context.Background(), svc, 1)
	var apiErr *apierrors.Error
	if err == nil {
		t.Fatal("expected an error with no healthy hosts")
	}
	if !asAPIError(err, &apiErr) || apiErr.Type != apierrors.TypeUnavailable {
		t.Fatalf("expected apierrors.TypeUnavailable, got %v", err)
	}
}

func asAPIError(err error, target **apierrors.Error) bool {
	ae, ok := err.(*apierrors.Error)
	if !ok {
		return false
	}
	*target = ae
	return true
}

func TestSweepStaleHostsMarksAndReports(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	_ = store.UpsertHost(ctx, &model.Host{ID: "host-a", Status: model.HostOnline, LastHeartbeat: time.Now().Add(-time.Hour)})
	_ = store.UpsertHost(ctx, &model.Host{ID: "host-b", Status: model.HostOnline, LastHeartbeat: time.Now()})

	c := New(discardLogger(), store, nil, time.Minute)
	if err := c.SweepStaleHosts(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	a, _ := store.GetHost(ctx, "host-a")
	if a.Status != model.HostOffline {
		t.Fatalf("expected stale host marked offline, got %s", a.Status)
	}
	b, _ := store.GetHost(ctx, "host-b")
	if b.Status != model.HostOnline {
		t.Fatalf("expected fresh host to stay online, got %s", b.Status)
	}
}

func TestRescheduleReplicasForDedupesServices(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	_ = store.CreateDeployment(ctx, &model.Deployment{ID: "d1", ServiceID: "svc1", HostID: "host-a", Status: model.DeploymentRunning})
	_ = store.CreateDeployment(ctx, &model.Deployment{ID: "d2", ServiceID: "svc1", HostID: "host-a", Status: model.DeploymentRunning})
	_ = store.CreateDeployment(ctx, &model.Deployment{ID: "d3", ServiceID: "svc2", HostID: "host-a", Status: model.DeploymentStopped})

	c := New(discardLogger(), store, nil, time.Minute)
	affected, err := c.RescheduleReplicasFor(ctx, "host-a")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if len(affected) != 1 || affected[0] != "svc1" {
		t.Fatalf("expected only svc1 (svc2's deployment is stopped), got %v", affected)
	}
}
