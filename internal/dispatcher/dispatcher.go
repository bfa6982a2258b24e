// Package dispatcher implements C4 (§4.4): the tick loop that reclaims
// stuck work, claims the next WorkItem for every connected host, and
// pushes it over that host's session. Structured as a ticker-driven
// Service with Start/Close, following internal/manager/service.go's
// NewService/Start/Close shape in the teacher.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/events"
	"github.com/wharfctl/wharf/internal/model"
	"github.com/wharfctl/wharf/internal/protocol"
	"github.com/wharfctl/wharf/internal/session"
	"github.com/wharfctl/wharf/internal/workqueue"
)

// Sender is the subset of *session.Manager the dispatcher needs, so tests
// can substitute a fake without standing up a real websocket transport.
type Sender interface {
	Connected(hostID string) bool
	Send(hostID string, typ protocol.Type, payload any) error
}

var _ Sender = (*session.Manager)(nil)

// Service runs the dispatcher tick loop.
type Service struct {
	logger *slog.Logger
	store  dsdb.Store
	queue  *workqueue.Queue
	sender Sender
	bus    *events.Bus

	tickInterval time.Duration
	ticker       *time.Ticker
	done         chan struct{}

	mu     sync.Mutex
	closed bool
}

func New(logger *slog.Logger, store dsdb.Store, queue *workqueue.Queue, sender Sender, bus *events.Bus, tickInterval time.Duration) *Service {
	return &Service{
		logger:       logger,
		store:        store,
		queue:        queue,
		sender:       sender,
		bus:          bus,
		tickInterval: tickInterval,
		done:         make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.tickInterval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.ticker.C:
				if err := s.tick(ctx); err != nil {
					s.logger.Error("dispatcher: tick failed", "error", err)
				}
			}
		}
	}()
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.done)
}

// tick reclaims stuck work, then attempts one claim-and-send per host with
// a live session. A host with no live session is left alone — its work
// stays pending until it reconnects and the next tick claims for it.
func (s *Service) tick(ctx context.Context) error {
	reclaimed, err := s.queue.ReclaimStuck(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: reclaim: %w", err)
	}
	for _, w := range reclaimed {
		s.logger.Warn("dispatcher: reclaimed stuck work item", "work_item_id", w.ID, "host_id", w.HostID, "attempts", w.Attempts, "status", w.Status)
		if w.Status == model.WorkFailed {
			s.handleExhaustedWorkItem(ctx, w)
		}
	}

	hosts, err := s.store.ListHealthyHosts(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: list hosts: %w", err)
	}

	connected := lo.Filter(hosts, func(h *model.Host, _ int) bool { return s.sender.Connected(h.ID) })
	for _, h := range connected {
		if err := s.dispatchOne(ctx, h.ID); err != nil {
			s.logger.Error("dispatcher: dispatch failed", "host_id", h.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) dispatchOne(ctx context.Context, hostID string) error {
	w, err := s.queue.ClaimNext(ctx, hostID)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}

	var payload map[string]any
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return fmt.Errorf("dispatcher: decode payload: %w", err)
		}
	}

	dispatch := protocol.WorkDispatch{
		WorkItemID: w.ID,
		Type:       string(w.Type),
		Payload:    payload,
	}

	if err := s.sender.Send(hostID, protocol.TypeWorkDispatch, dispatch); err != nil {
		// The host's session dropped between the Connected check and the
		// send; revert the claim to pending so the next tick retries it,
		// rather than marking it failed outright (§9 design notes:
		// "revert-on-drop") — the host never actually saw this attempt.
		if revErr := s.queue.Revert(ctx, w); revErr != nil {
			s.logger.Error("dispatcher: revert-on-drop failed", "work_item_id", w.ID, "error", revErr)
		}
		return fmt.Errorf("dispatcher: send to %s: %w", hostID, err)
	}
	return nil
}

// handleExhaustedWorkItem fires when the retry policy (§4.3) has given up
// on a stuck WorkItem entirely — MaxAttempts exhausted, status already set
// to WorkFailed by the reclaim sweep. A deploy work item carries the
// Deployment it was driving in its payload; that Deployment must be
// marked Failed so the owning rollout's health check (§4.5) sees it and
// rolls back instead of waiting forever on a dispatch that will never be
// retried.
func (s *Service) handleExhaustedWorkItem(ctx context.Context, w *model.WorkItem) {
	var payload struct {
		DeploymentID string `json:"deployment_id"`
	}
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			s.logger.Error("dispatcher: decode exhausted work item payload failed", "work_item_id", w.ID, "error", err)
		}
	}
	if payload.DeploymentID != "" {
		if err := s.store.UpdateDeploymentOutcome(ctx, payload.DeploymentID, model.DeploymentFailed, "stuck_timeout"); err != nil {
			s.logger.Error("dispatcher: mark deployment failed after stuck timeout failed", "deployment_id", payload.DeploymentID, "error", err)
		}
	}
	if s.bus != nil && w.RolloutID != "" {
		if err := s.bus.Publish(events.SubjectWorkCompleted, events.WorkCompletedEvent{
			WorkItemID: w.ID,
			HostID:     w.HostID,
			Succeeded:  false,
		}); err != nil {
			s.logger.Error("dispatcher: publish stuck-timeout work completed failed", "error", err)
		}
	}
}

// OnWorkResult is wired as the session Manager's envelope callback for
// protocol.TypeWorkResult messages: it marks the WorkItem complete and
// publishes a WorkCompletedEvent so the rollout owning the item (C5) can
// be advanced without waiting for a poll.
func (s *Service) OnWorkResult(ctx context.Context, hostID string, result protocol.WorkResult) {
	w, err := s.store.GetWorkItem(ctx, result.WorkItemID)
	if err != nil {
		s.logger.Error("dispatcher: unknown work result", "work_item_id", result.WorkItemID, "error", err)
		return
	}
	if err := s.queue.Complete(ctx, w, result.Succeeded); err != nil {
		s.logger.Error("dispatcher: complete failed", "work_item_id", w.ID, "error", err)
		return
	}
	if s.bus != nil {
		if err := s.bus.Publish(events.SubjectWorkCompleted, events.WorkCompletedEvent{
			WorkItemID: w.ID,
			HostID:     hostID,
			Succeeded:  result.Succeeded,
		}); err != nil {
			s.logger.Error("dispatcher: publish work completed failed", "error", err)
		}
	}
}
