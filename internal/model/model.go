// Package model defines the desired-state entities of §3: the types the
// DSDB gateway (C1) reads and writes, and that every other component in
// the orchestration engine operates on. IDs are opaque strings (UUIDv7,
// see internal/ids); attribute names follow the spec's PascalCase exactly
// so that a reviewer can check a struct field against §3 without a mental
// translation step.
package model

import "time"

// HostStatus is the lifecycle state of a registered host agent.
type HostStatus string

const (
	HostPending HostStatus = "pending"
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline"
	HostUnknown HostStatus = "unknown"
)

// Resources describes a host's advertised capacity. Unused by placement
// today (spread placement only counts healthy hosts) but recorded because
// the agent reports it on every StatusUpdate and an operator dashboard is
// a named consumer of the DSDB gateway.
type Resources struct {
	CPU      int
	MemoryMB int
	DiskGB   int
}

// Host is a remote machine running an agent (§3).
type Host struct {
	ID               string
	Name             string
	WireguardIP      string
	SigningPublicKey []byte // raw 32-byte Ed25519 public key
	Status           HostStatus
	LastHeartbeat    time.Time
	Resources        Resources
	IsProxy          bool
	CreatedAt        time.Time
}

// MigrationStatus tracks a stateful service's in-flight migration (§4.6).
type MigrationStatus string

const (
	MigrationNone       MigrationStatus = ""
	MigrationStopping   MigrationStatus = "stopping"
	MigrationBackingUp  MigrationStatus = "backing_up"
	MigrationRestoring  MigrationStatus = "restoring"
	MigrationStarting   MigrationStatus = "starting"
	MigrationFailed     MigrationStatus = "failed"
)

// HealthCheck mirrors the agent-side container health probe configuration.
// The core never runs it; it is opaque configuration forwarded to the
// agent as part of a deploy WorkItem payload.
type HealthCheck struct {
	Cmd         string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// Service is a user-declared unit of desired state (§3).
type Service struct {
	ID                     string
	Image                  string
	Stateful               bool
	Replicas               int
	AutoPlace              bool
	LockedHostID           string // empty if unset
	MigrationStatus        MigrationStatus
	MigrationTargetHostID  string
	MigrationBackupID      string
	HealthCheck            HealthCheck
	StartCommand           []string
	ResourceLimits         Resources
	DeployedConfigSnapshot []byte // opaque, serialized by the rollout controller
}

// ServiceReplica is an explicit placement row used when AutoPlace=false.
type ServiceReplica struct {
	ServiceID string
	HostID    string
	Count     int
}

// Protocol is the wire protocol of a published ServicePort.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
)

// ServicePort is one published container port (§3).
type ServicePort struct {
	ServiceID    string
	Port         int
	IsPublic     bool
	Domain       string // empty if not publicly routed by domain
	Protocol     Protocol
	ExternalPort int // 0 if unset
}

// ServiceVolume is a named persistent volume mount. A service with any
// volume is implicitly stateful (§3 invariant 1).
type ServiceVolume struct {
	ServiceID     string
	Name          string
	ContainerPath string
}

// DeploymentStatus is the lifecycle of one container instance (§3, §4.5).
type DeploymentStatus string

const (
	DeploymentPending      DeploymentStatus = "pending"
	DeploymentPulling      DeploymentStatus = "pulling"
	DeploymentStarting     DeploymentStatus = "starting"
	DeploymentHealthy      DeploymentStatus = "healthy"
	DeploymentDNSUpdating  DeploymentStatus = "dns_updating"
	DeploymentCaddyUpdating DeploymentStatus = "caddy_updating"
	DeploymentStoppingOld  DeploymentStatus = "stopping_old"
	DeploymentRunning      DeploymentStatus = "running"
	DeploymentDraining     DeploymentStatus = "draining"
	DeploymentStopping     DeploymentStatus = "stopping"
	DeploymentStopped      DeploymentStatus = "stopped"
	DeploymentFailed       DeploymentStatus = "failed"
	DeploymentRolledBack   DeploymentStatus = "rolled_back"
	DeploymentUnknown      DeploymentStatus = "unknown"
)

// HealthStatus is the agent-reported container health (§3).
type HealthStatus string

const (
	HealthNone      HealthStatus = "none"
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Deployment is one container instance of a service on a host (§3).
type Deployment struct {
	ID                   string
	ServiceID            string
	HostID               string
	ContainerID          string // assigned by the agent, empty until pulling completes
	IPAddress            string // assigned by the agent once started
	Status               DeploymentStatus
	HealthStatus         HealthStatus
	RolloutID            string // empty if not created by a rollout
	PreviousDeploymentID string
	FailedAt             string // stage tag, e.g. "deploy", "stuck_timeout"
	CreatedAt            time.Time
}

// RolloutStatus is the terminal/non-terminal status of a Rollout (§3).
type RolloutStatus string

const (
	RolloutInProgress RolloutStatus = "in_progress"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutFailed     RolloutStatus = "failed"
	RolloutRolledBack RolloutStatus = "rolled_back"
)

// RolloutStage is the current position in the state machine of §4.5.
type RolloutStage string

const (
	StageQueued        RolloutStage = "queued"
	StageDeploying     RolloutStage = "deploying"
	StageHealthCheck   RolloutStage = "health_check"
	StageDNSUpdating   RolloutStage = "dns_updating"
	StageCaddyUpdating RolloutStage = "caddy_updating"
	StageStoppingOld   RolloutStage = "stopping_old"
	StageCompleted     RolloutStage = "completed"
	StageAborted       RolloutStage = "aborted"
)

// StuckStage returns the observability "stuck_<stage>" tag for a stage.
func StuckStage(s RolloutStage) RolloutStage {
	return RolloutStage("stuck_" + string(s))
}

// Rollout is one attempt to converge a Service to its desired state (§3).
type Rollout struct {
	ID          string
	ServiceID   string
	Status      RolloutStatus
	CurrentStage RolloutStage
	CreatedAt   time.Time
	CompletedAt time.Time

	// Observability only (§9 design notes): set when the DNS or routing
	// fan-out for this rollout advanced on the fallback timer rather than
	// a clean ack from every connected agent.
	DNSUpdatedByTimeout   bool
	CaddyUpdatedByTimeout bool
}

// WorkType is the tagged variant discriminator for a WorkItem's payload
// (§9 design notes: "a sum type ... with explicit fields is required").
type WorkType string

const (
	WorkDeploy          WorkType = "deploy"
	WorkStop            WorkType = "stop"
	WorkRestart         WorkType = "restart"
	WorkBackupVolume    WorkType = "backup_volume"
	WorkRestoreVolume   WorkType = "restore_volume"
	WorkCleanupVolumes  WorkType = "cleanup_volumes"
	WorkCreateManifest  WorkType = "create_manifest"
	WorkForceCleanup    WorkType = "force_cleanup"
	WorkUpdateWireguard WorkType = "update_wireguard"
	WorkSyncCaddy       WorkType = "sync_caddy"
	WorkSyncDNS         WorkType = "sync_dns"
)

// WorkStatus is the lifecycle of a queued WorkItem (§3, §4.3).
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkProcessing WorkStatus = "processing"
	WorkCompleted  WorkStatus = "completed"
	WorkFailed     WorkStatus = "failed"
)

// WorkItem is an imperative command queued for a specific host (§3).
type WorkItem struct {
	ID         string
	HostID     string
	Type       WorkType
	Payload    []byte // opaque to the queue; a JSON object the dispatcher forwards as protocol.WorkDispatch.Payload
	Status     WorkStatus
	Attempts   int
	StartedAt  time.Time // zero value if not currently processing
	CreatedAt  time.Time
	RolloutID  string // empty if not tied to a rollout; used by the stuck-work failure path (§4.3)
}

// BackupStatus is the lifecycle of a VolumeBackup (§3).
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// VolumeBackup records one volume snapshot, either a routine backup or a
// migration transfer (§3, §4.6).
type VolumeBackup struct {
	ID              string
	ServiceID       string
	VolumeName      string
	HostID          string
	StoragePath     string
	Checksum        string
	Status          BackupStatus
	IsMigrationBackup bool
	CreatedAt       time.Time
}
