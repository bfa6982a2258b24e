// Package placement implements C7 (§4.7): spread placement across healthy
// hosts for auto-placed services, the stale-host sweep, and triggering
// rescheduling of a stale host's replicas. The round-robin-by-load
// distribution and lo-heavy style follow
// internal/manager/orchestration/deployment.go's region-distribution logic
// in the teacher, generalized from "region" to "host".
package placement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/wharfctl/wharf/internal/apierrors"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/events"
	"github.com/wharfctl/wharf/internal/metrics"
	"github.com/wharfctl/wharf/internal/model"
)

// Controller runs spread placement decisions and the stale-host sweep.
type Controller struct {
	logger         *slog.Logger
	store          dsdb.Store
	bus            *events.Bus
	staleThreshold time.Duration
}

func New(logger *slog.Logger, store dsdb.Store, bus *events.Bus, staleThreshold time.Duration) *Controller {
	return &Controller{logger: logger, store: store, bus: bus, staleThreshold: staleThreshold}
}

// SelectHosts picks `count` hosts for a new batch of replicas of service,
// spreading load by always preferring the healthy host with the fewest
// existing deployments of ANY service (L4: spread placement fairness is
// a property of the whole fleet's load, not per-service round robin).
// A locked stateful service bypasses selection entirely: all its
// replicas belong on LockedHostID (§4.6 invariant).
func (c *Controller) SelectHosts(ctx context.Context, svc *model.Service, count int) ([]string, error) {
	if svc.Stateful && svc.LockedHostID != "" {
		out := make([]string, count)
		for i := range out {
			out[i] = svc.LockedHostID
		}
		return out, nil
	}

	healthy, err := c.store.ListHealthyHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("placement: list healthy hosts: %w", err)
	}
	if len(healthy) == 0 {
		return nil, apierrors.NewUnavailable("no healthy hosts available for placement")
	}

	load := make(map[string]int, len(healthy))
	for _, h := range healthy {
		deployments, err := c.store.ListDeploymentsForHost(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("placement: list deployments for host %s: %w", h.ID, err)
		}
		load[h.ID] = lo.CountBy(deployments, func(d *model.Deployment) bool {
			return d.Status != model.DeploymentStopped && d.Status != model.DeploymentFailed
		})
	}

	ids := lo.Map(healthy, func(h *model.Host, _ int) string { return h.ID })

	chosen := make([]string, 0, count)
	for i := 0; i < count; i++ {
		sort.SliceStable(ids, func(a, b int) bool { return load[ids[a]] < load[ids[b]] })
		pick := ids[0]
		chosen = append(chosen, pick)
		load[pick]++
	}
	return chosen, nil
}

// SweepStaleHosts marks every host whose last heartbeat predates
// StaleThreshold as offline and publishes a HostStaleEvent for each, so
// C5's rollout controller (or a dedicated recovery trigger) can
// reschedule their replicas onto other hosts (§4.7).
func (c *Controller) SweepStaleHosts(ctx context.Context) error {
	threshold := time.Now().Add(-c.staleThreshold).UnixNano()
	stale, err := c.store.MarkHostsStaleBefore(ctx, threshold)
	if err != nil {
		return fmt.Errorf("placement: sweep stale hosts: %w", err)
	}
	for _, h := range stale {
		c.logger.Warn("placement: host marked stale", "host_id", h.ID, "last_heartbeat", h.LastHeartbeat)
		metrics.HostsStale.WithLabelValues().Inc()
		if c.bus != nil {
			if err := c.bus.Publish(events.SubjectHostStale, events.HostStaleEvent{HostID: h.ID}); err != nil {
				c.logger.Error("placement: publish host stale failed", "error", err)
			}
		}
	}
	return nil
}

// RescheduleReplicasFor finds every non-stopped deployment on a now-stale
// host and returns the services that need a new rollout to replace them;
// the actual rollout creation is the caller's responsibility (control
// plane wiring triggers rollout.Controller.TriggerRollout for each),
// keeping this package focused on placement decisions rather than owning
// the rollout state machine.
func (c *Controller) RescheduleReplicasFor(ctx context.Context, hostID string) ([]string, error) {
	deployments, err := c.store.ListDeploymentsForHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("placement: list deployments for stale host: %w", err)
	}
	affected := lo.FilterMap(deployments, func(d *model.Deployment, _ int) (string, bool) {
		if d.Status == model.DeploymentStopped || d.Status == model.DeploymentFailed {
			return "", false
		}
		return d.ServiceID, true
	})
	return lo.Uniq(affected), nil
}
