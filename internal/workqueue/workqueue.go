// Package workqueue implements the per-host FIFO work queue of C3 (§4.3):
// Enqueue/Claim/Complete plus the timeout-and-retry reclaim sweep, with
// invariant I3 (at most one WorkItem in flight per host) enforced by the
// underlying dsdb.Store's atomic claim. The style — a small struct wrapping
// a store handle plus named methods per operation, errors wrapped with
// fmt.Errorf — follows internal/manager/orchestration/reconciler.go in the
// teacher.
package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/ids"
	"github.com/wharfctl/wharf/internal/metrics"
	"github.com/wharfctl/wharf/internal/model"
)

// Queue is the work queue and retry policy for a single control plane.
type Queue struct {
	store       dsdb.Store
	workTimeout time.Duration
	maxAttempts int
}

func New(store dsdb.Store, workTimeout time.Duration, maxAttempts int) *Queue {
	return &Queue{store: store, workTimeout: workTimeout, maxAttempts: maxAttempts}
}

// Enqueue creates a new pending WorkItem for hostID (§3).
func (q *Queue) Enqueue(ctx context.Context, hostID string, typ model.WorkType, payload []byte, rolloutID string) (*model.WorkItem, error) {
	w := &model.WorkItem{
		ID:        ids.New(),
		HostID:    hostID,
		Type:      typ,
		Payload:   payload,
		Status:    model.WorkPending,
		CreatedAt: time.Now(),
		RolloutID: rolloutID,
	}
	if err := q.store.EnqueueWorkItem(ctx, w); err != nil {
		return nil, fmt.Errorf("workqueue: enqueue: %w", err)
	}
	return w, nil
}

// ClaimNext returns the next pending WorkItem for hostID, or nil if none
// is eligible — either the queue is empty or hostID already has a
// WorkItem in flight (I3).
func (q *Queue) ClaimNext(ctx context.Context, hostID string) (*model.WorkItem, error) {
	w, err := q.store.ClaimNextWorkItem(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("workqueue: claim: %w", err)
	}
	if w != nil {
		metrics.WorkItemsDispatched.WithLabelValues(hostID, string(w.Type)).Inc()
	}
	return w, nil
}

// Complete records the outcome of a dispatched WorkItem.
func (q *Queue) Complete(ctx context.Context, w *model.WorkItem, succeeded bool) error {
	if err := q.store.CompleteWorkItem(ctx, w.ID, succeeded); err != nil {
		return fmt.Errorf("workqueue: complete: %w", err)
	}
	outcome := "succeeded"
	if !succeeded {
		outcome = "failed"
	}
	metrics.WorkItemsCompleted.WithLabelValues(w.HostID, string(w.Type), outcome).Inc()
	return nil
}

// Revert puts a claimed WorkItem back to pending without counting an
// attempt, for the case where the claim was made but never actually
// delivered to the host (§4.4 revert-on-drop) — unlike Complete(false),
// this does not exhaust MaxAttempts or mark the item failed.
func (q *Queue) Revert(ctx context.Context, w *model.WorkItem) error {
	if err := q.store.RevertWorkItem(ctx, w.ID); err != nil {
		return fmt.Errorf("workqueue: revert: %w", err)
	}
	return nil
}

// ReclaimStuck resets WorkItems stuck in "processing" past WorkTimeout
// back to "pending" for retry, or to "failed" once MaxAttempts is
// exhausted (§4.3). Call this once per dispatcher tick (C4).
func (q *Queue) ReclaimStuck(ctx context.Context) ([]*model.WorkItem, error) {
	threshold := time.Now().Add(-q.workTimeout).UnixNano()
	reclaimed, err := q.store.ReclaimStuckWorkItems(ctx, threshold, q.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("workqueue: reclaim stuck: %w", err)
	}
	for _, w := range reclaimed {
		metrics.WorkItemsReclaimed.WithLabelValues(w.HostID).Inc()
	}
	return reclaimed, nil
}
