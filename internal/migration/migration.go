// Package migration implements C6 (§4.6): moving a stateful service's
// single locked deployment to a new host via stop -> backup -> restore ->
// start, recorded on model.Service.MigrationStatus rather than a separate
// table (mirroring how the teacher tracks in-progress operations directly
// on the owning row rather than a side table of "jobs"). Like rollout, a
// single Advance function drives every stage under the same per-service
// lock rollout.Controller uses, satisfying §5's "no concurrent rollout
// and migration for the same service" requirement — the two controllers
// are given the same *sync.Mutex instance by internal/control's wiring.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wharfctl/wharf/internal/apierrors"
	"github.com/wharfctl/wharf/internal/dsdb"
	"github.com/wharfctl/wharf/internal/events"
	"github.com/wharfctl/wharf/internal/ids"
	"github.com/wharfctl/wharf/internal/model"
	"github.com/wharfctl/wharf/internal/placement"
	"github.com/wharfctl/wharf/internal/workqueue"
)

// Locker matches rollout.Controller's internal per-service mutex
// accessor, shared across both controllers so a service can never have a
// rollout and a migration advancing at the same time.
type Locker interface {
	LockService(serviceID string) func()
}

// Controller drives stateful-service migrations.
type Controller struct {
	logger    *slog.Logger
	store     dsdb.Store
	queue     *workqueue.Queue
	placement *placement.Controller
	bus       *events.Bus
	locker    Locker
}

func New(logger *slog.Logger, store dsdb.Store, queue *workqueue.Queue, placementCtl *placement.Controller, bus *events.Bus, locker Locker) *Controller {
	return &Controller{logger: logger, store: store, queue: queue, placement: placementCtl, bus: bus, locker: locker}
}

// TriggerMigration moves svc's locked deployment to targetHostID.
// Rejected with apierrors.NewValidation if svc is not stateful, has no
// current host lock, or targetHostID is its current host, and with
// apierrors.NewConflict if a migration is already in progress (§7).
func (c *Controller) TriggerMigration(ctx context.Context, serviceID, targetHostID string) error {
	unlock := c.locker.LockService(serviceID)
	defer unlock()

	svc, err := c.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("migration: get service: %w", err)
	}
	if !svc.Stateful {
		return apierrors.NewValidation("service is not stateful", nil)
	}
	if svc.LockedHostID == "" {
		return apierrors.NewValidation("service has no current host to migrate from", nil)
	}
	if svc.MigrationStatus != model.MigrationNone {
		return apierrors.NewConflict("migration already in progress", map[string]interface{}{"service_id": serviceID})
	}
	if svc.LockedHostID == targetHostID {
		return apierrors.NewValidation("target host is the same as the current host", nil)
	}

	svc.MigrationStatus = model.MigrationStopping
	svc.MigrationTargetHostID = targetHostID
	if err := c.store.UpdateService(ctx, svc); err != nil {
		return fmt.Errorf("migration: persist start: %w", err)
	}
	c.advance(ctx, svc)
	return nil
}

// Advance progresses serviceID's migration through every stage that is
// ready, stopping at the first one still waiting (TriggerMigration runs the
// same loop synchronously). internal/control calls it on a
// MigrationAdvanceEvent; completions of the stop/backup/restore/start
// WorkItems it enqueues do not call it, and nothing in the engine
// publishes that event.
func (c *Controller) Advance(ctx context.Context, serviceID string) error {
	unlock := c.locker.LockService(serviceID)
	defer unlock()

	svc, err := c.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("migration: get service: %w", err)
	}
	if svc.MigrationStatus == model.MigrationNone {
		return nil
	}
	c.advance(ctx, svc)
	return nil
}

func (c *Controller) advance(ctx context.Context, svc *model.Service) {
	for {
		before := svc.MigrationStatus
		var err error
		switch svc.MigrationStatus {
		case model.MigrationStopping:
			err = c.doStop(ctx, svc)
		case model.MigrationBackingUp:
			err = c.checkBackup(ctx, svc)
		case model.MigrationRestoring:
			err = c.checkRestore(ctx, svc)
		case model.MigrationStarting:
			err = c.checkStart(ctx, svc)
		default:
			return
		}
		if err != nil {
			c.logger.Error("migration: stage failed", "service_id", svc.ID, "stage", svc.MigrationStatus, "error", err)
			svc.MigrationStatus = model.MigrationFailed
			_ = c.store.UpdateService(ctx, svc)
			return
		}
		if svc.MigrationStatus == before {
			return
		}
	}
}

func (c *Controller) doStop(ctx context.Context, svc *model.Service) error {
	deployments, err := c.store.ListDeploymentsForService(ctx, svc.ID)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	for _, d := range deployments {
		if d.HostID != svc.LockedHostID || d.Status == model.DeploymentStopped {
			continue
		}
		payload, _ := json.Marshal(map[string]any{"deployment_id": d.ID})
		if _, err := c.queue.Enqueue(ctx, d.HostID, model.WorkStop, payload, ""); err != nil {
			return fmt.Errorf("enqueue stop: %w", err)
		}
	}

	volumes, err := c.store.ListServiceVolumes(ctx, svc.ID)
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}
	for _, v := range volumes {
		backup := &model.VolumeBackup{
			ID:                ids.New(),
			ServiceID:         svc.ID,
			VolumeName:        v.Name,
			HostID:            svc.LockedHostID,
			Status:            model.BackupPending,
			IsMigrationBackup: true,
			CreatedAt:         time.Now(),
		}
		if err := c.store.CreateVolumeBackup(ctx, backup); err != nil {
			return fmt.Errorf("create backup record: %w", err)
		}
		svc.MigrationBackupID = backup.ID // last volume wins for single-volume services; §3 names one volume per migration as the common case
		payload, _ := json.Marshal(map[string]any{"backup_id": backup.ID, "volume_name": v.Name})
		if _, err := c.queue.Enqueue(ctx, svc.LockedHostID, model.WorkBackupVolume, payload, ""); err != nil {
			return fmt.Errorf("enqueue backup: %w", err)
		}
	}

	svc.MigrationStatus = model.MigrationBackingUp
	return c.store.UpdateService(ctx, svc)
}

func (c *Controller) checkBackup(ctx context.Context, svc *model.Service) error {
	if svc.MigrationBackupID == "" {
		svc.MigrationStatus = model.MigrationRestoring
		return c.store.UpdateService(ctx, svc)
	}
	backup, err := c.store.GetVolumeBackup(ctx, svc.MigrationBackupID)
	if err != nil {
		return fmt.Errorf("get backup: %w", err)
	}
	switch backup.Status {
	case model.BackupFailed:
		return fmt.Errorf("backup %s failed", backup.ID)
	case model.BackupCompleted:
		payload, _ := json.Marshal(map[string]any{"backup_id": backup.ID, "volume_name": backup.VolumeName})
		if _, err := c.queue.Enqueue(ctx, svc.MigrationTargetHostID, model.WorkRestoreVolume, payload, ""); err != nil {
			return fmt.Errorf("enqueue restore: %w", err)
		}
		svc.MigrationStatus = model.MigrationRestoring
		return c.store.UpdateService(ctx, svc)
	default:
		return nil // still running or pending; stays in backing_up until the backup record's status is completed or failed
	}
}

func (c *Controller) checkRestore(ctx context.Context, svc *model.Service) error {
	// Enqueues the start (deploy) WorkItem on the target host right behind
	// the restore WorkItem and moves to starting without checking the
	// restore's outcome. The host's queue dispatches the deploy only once
	// the restore item is no longer in flight; a failed restore does not
	// stop the deploy.
	payload, _ := json.Marshal(map[string]any{
		"image":         svc.Image,
		"start_command": svc.StartCommand,
	})
	if _, err := c.queue.Enqueue(ctx, svc.MigrationTargetHostID, model.WorkDeploy, payload, ""); err != nil {
		return fmt.Errorf("enqueue start: %w", err)
	}
	svc.MigrationStatus = model.MigrationStarting
	return c.store.UpdateService(ctx, svc)
}

func (c *Controller) checkStart(ctx context.Context, svc *model.Service) error {
	deployments, err := c.store.ListDeploymentsForService(ctx, svc.ID)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	for _, d := range deployments {
		if d.HostID == svc.MigrationTargetHostID && d.HealthStatus == model.HealthHealthy {
			svc.LockedHostID = svc.MigrationTargetHostID
			svc.MigrationStatus = model.MigrationNone
			svc.MigrationTargetHostID = ""
			svc.MigrationBackupID = ""
			return c.store.UpdateService(ctx, svc)
		}
	}
	return nil // not healthy yet; stays in starting
}

// Cancel aborts an in-progress migration, leaving the service locked to
// its original host (§4.6 Scenario 3's cancel path) — the new host's
// partially-restored state, if any, is left for an operator to clean up
// rather than auto-deleted, since a partial restore may still hold useful
// data.
func (c *Controller) Cancel(ctx context.Context, serviceID string) error {
	unlock := c.locker.LockService(serviceID)
	defer unlock()

	svc, err := c.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("migration: get service: %w", err)
	}
	if svc.MigrationStatus == model.MigrationNone {
		return apierrors.NewConflict("no migration in progress", nil)
	}
	svc.MigrationStatus = model.MigrationNone
	svc.MigrationTargetHostID = ""
	svc.MigrationBackupID = ""
	return c.store.UpdateService(ctx, svc)
}
