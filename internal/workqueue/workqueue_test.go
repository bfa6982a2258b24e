package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/model"
)

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	q := New(store, time.Minute, 3)

	w, err := q.Enqueue(ctx, "host-a", model.WorkDeploy, []byte(`{"image":"x"}`), "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.ClaimNext(ctx, "host-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != w.ID {
		t.Fatalf("expected to claim %s, got %+v", w.ID, claimed)
	}

	if err := q.Complete(ctx, claimed, true); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != model.WorkCompleted {
		t.Fatalf("expected work item marked completed, got %s", done.Status)
	}
}

func TestClaimNextReturnsNilWhenEmpty(t *testing.T) {
	ctx := context.Background()
	q := New(dsdb.NewMemory(), time.Minute, 3)

	w, err := q.ClaimNext(ctx, "host-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil claim on empty queue, got %+v", w)
	}
}

func TestReclaimStuckRetriesUnderMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := dsdb.NewMemory()
	q := New(store, 10*time.Millisecond, 5)

	w, err := q.Enqueue(ctx, "host-a", model.WorkDeploy, nil, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimNext(ctx, "host-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	reclaimed, err := q.ReclaimStuck(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != w.ID {
		t.Fatalf("expected %s reclaimed, got %+v", w.ID, reclaimed)
	}

	item, err := store.GetWorkItem(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != model.WorkPending {
		t.Fatalf("expected reclaimed item back to pending (attempts under max), got %s", item.Status)
	}
}
