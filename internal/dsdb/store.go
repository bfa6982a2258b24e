// Package dsdb fronts the desired-state database (C1, §4.1): the durable
// store of every §3 entity. Store is the interface every other component
// depends on; Postgres (postgres.go) is the real implementation and
// Memory (memory.go) is an in-memory fake used by every other package's
// tests, following the teacher's own split between a live `pgxpool`-backed
// `database.DB` (internal/database/conn.go) and ad hoc in-test fakes.
//
// The schema itself — table layout, column types, migration tooling
// choice — is an external concern per the spec's non-goals; Store's
// method set is what the rest of this engine actually depends on.
package dsdb

import (
	"context"
	"errors"

	"github.com/wharfctl/wharf/internal/model"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("dsdb: not found")

// ErrConflict marks a mutation whose precondition no longer holds. No Store
// method in this package returns it: ClaimNextWorkItem reports a host that
// already has work in flight as (nil, nil).
var ErrConflict = errors.New("dsdb: conflict")

// Store is the full set of reads and atomic mutations the orchestration
// engine issues against desired state. Every mutation that touches more
// than one row (e.g. CompleteWorkItem + advance the owning Rollout) must
// be atomic from the caller's point of view; both implementations honor
// that by running such calls inside a single transaction (Postgres) or a
// single mutex-held block (Memory).
type Store interface {
	// Hosts
	UpsertHost(ctx context.Context, h *model.Host) error
	GetHost(ctx context.Context, id string) (*model.Host, error)
	ListHosts(ctx context.Context) ([]*model.Host, error)
	ListHealthyHosts(ctx context.Context) ([]*model.Host, error)
	UpdateHostHeartbeat(ctx context.Context, id string, status model.HostStatus) error
	MarkHostsStaleBefore(ctx context.Context, threshold_unixnano int64) ([]*model.Host, error)

	// Services
	CreateService(ctx context.Context, s *model.Service) error
	GetService(ctx context.Context, id string) (*model.Service, error)
	ListServices(ctx context.Context) ([]*model.Service, error)
	UpdateService(ctx context.Context, s *model.Service) error
	DeleteService(ctx context.Context, id string) error
	ListServiceReplicas(ctx context.Context, serviceID string) ([]*model.ServiceReplica, error)
	// SetServiceReplicas replaces serviceID's entire explicit placement
	// (used when AutoPlace=false, including every stateful service — §4.5
	// Trigger precondition 3 reads this list back to check it resolves to
	// exactly one host).
	SetServiceReplicas(ctx context.Context, serviceID string, replicas []*model.ServiceReplica) error
	ListServicePorts(ctx context.Context, serviceID string) ([]*model.ServicePort, error)
	ListServiceVolumes(ctx context.Context, serviceID string) ([]*model.ServiceVolume, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeploymentsForService(ctx context.Context, serviceID string) ([]*model.Deployment, error)
	ListDeploymentsForHost(ctx context.Context, hostID string) ([]*model.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, id string, status model.DeploymentStatus, health model.HealthStatus) error
	UpdateDeploymentRuntime(ctx context.Context, id, containerID, ipAddress string) error
	// UpdateDeploymentOutcome records a terminal or near-terminal status
	// transition together with the stage it failed at (§4.5 rollback,
	// §4.3 stuck-timeout exhaustion), leaving HealthStatus untouched since
	// neither caller has a fresh health reading to report.
	UpdateDeploymentOutcome(ctx context.Context, id string, status model.DeploymentStatus, failedAt string) error
	DeleteDeployment(ctx context.Context, id string) error

	// Rollouts
	CreateRollout(ctx context.Context, r *model.Rollout) error
	GetRollout(ctx context.Context, id string) (*model.Rollout, error)
	GetActiveRolloutForService(ctx context.Context, serviceID string) (*model.Rollout, error)
	UpdateRollout(ctx context.Context, r *model.Rollout) error
	ListStuckRollouts(ctx context.Context, olderThanUnixNano int64) ([]*model.Rollout, error)

	// WorkItems
	EnqueueWorkItem(ctx context.Context, w *model.WorkItem) error
	ClaimNextWorkItem(ctx context.Context, hostID string) (*model.WorkItem, error)
	CompleteWorkItem(ctx context.Context, id string, succeeded bool) error
	// RevertWorkItem reverts a claimed-but-undelivered WorkItem back to
	// pending without counting it as an attempt (§4.4 revert-on-drop): the
	// host's session dropped before the dispatch was ever received, so
	// this was never really tried.
	RevertWorkItem(ctx context.Context, id string) error
	ReclaimStuckWorkItems(ctx context.Context, olderThanUnixNano int64, maxAttempts int) ([]*model.WorkItem, error)
	GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error)
	CountInFlightForHost(ctx context.Context, hostID string) (int, error)
	// DeletePendingWorkItemsForRollout purges never-dispatched WorkItems
	// created by rolloutID — used when an operator aborts a rollout
	// in-flight (§4.5 Abort) so stale work doesn't dispatch after the
	// rollout it belonged to is gone.
	DeletePendingWorkItemsForRollout(ctx context.Context, rolloutID string) error

	// VolumeBackups
	CreateVolumeBackup(ctx context.Context, b *model.VolumeBackup) error
	GetVolumeBackup(ctx context.Context, id string) (*model.VolumeBackup, error)
	UpdateVolumeBackupStatus(ctx context.Context, id string, status model.BackupStatus) error

	Close()
}
