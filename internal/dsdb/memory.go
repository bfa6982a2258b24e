package dsdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wharfctl/wharf/internal/model"
)

// Memory is an in-memory Store used by every other package's unit tests,
// in place of a live Postgres (§10.4: "no live Postgres in CI here").
// A single mutex guards all state; every exported method that mutates
// more than one logical table does so while holding it, giving the same
// atomicity guarantee the Postgres implementation gets from a transaction.
type Memory struct {
	mu sync.Mutex

	hosts       map[string]*model.Host
	services    map[string]*model.Service
	replicas    map[string][]*model.ServiceReplica
	ports       map[string][]*model.ServicePort
	volumes     map[string][]*model.ServiceVolume
	deployments map[string]*model.Deployment
	rollouts    map[string]*model.Rollout
	workItems   map[string]*model.WorkItem
	backups     map[string]*model.VolumeBackup
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		hosts:       make(map[string]*model.Host),
		services:    make(map[string]*model.Service),
		replicas:    make(map[string][]*model.ServiceReplica),
		ports:       make(map[string][]*model.ServicePort),
		volumes:     make(map[string][]*model.ServiceVolume),
		deployments: make(map[string]*model.Deployment),
		rollouts:    make(map[string]*model.Rollout),
		workItems:   make(map[string]*model.WorkItem),
		backups:     make(map[string]*model.VolumeBackup),
	}
}

func (m *Memory) Close() {}

// --- Hosts ---

func (m *Memory) UpsertHost(ctx context.Context, h *model.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.hosts[h.ID] = &cp
	return nil
}

func (m *Memory) GetHost(ctx context.Context, id string) (*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *Memory) ListHosts(ctx context.Context) ([]*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListHealthyHosts(ctx context.Context) ([]*model.Host, error) {
	all, _ := m.ListHosts(ctx)
	out := make([]*model.Host, 0, len(all))
	for _, h := range all {
		if h.Status == model.HostOnline {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Memory) UpdateHostHeartbeat(ctx context.Context, id string, status model.HostStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return ErrNotFound
	}
	h.LastHeartbeat = time.Now()
	h.Status = status
	return nil
}

func (m *Memory) MarkHostsStaleBefore(ctx context.Context, thresholdUnixNano int64) ([]*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*model.Host
	for _, h := range m.hosts {
		if h.Status == model.HostOnline && h.LastHeartbeat.UnixNano() < thresholdUnixNano {
			h.Status = model.HostOffline
			cp := *h
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

// --- Services ---

func (m *Memory) CreateService(ctx context.Context, s *model.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.services[s.ID] = &cp
	return nil
}

func (m *Memory) GetService(ctx context.Context, id string) (*model.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListServices(ctx context.Context) ([]*model.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Service, 0, len(m.services))
	for _, s := range m.services {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateService(ctx context.Context, s *model.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.services[s.ID] = &cp
	return nil
}

func (m *Memory) DeleteService(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[id]; !ok {
		return ErrNotFound
	}
	// Cascading delete: the Postgres schema does this via FK ON DELETE
	// CASCADE (§9 design notes); the memory fake does it by hand here.
	delete(m.services, id)
	delete(m.replicas, id)
	delete(m.ports, id)
	delete(m.volumes, id)
	for did, d := range m.deployments {
		if d.ServiceID == id {
			delete(m.deployments, did)
		}
	}
	return nil
}

func (m *Memory) ListServiceReplicas(ctx context.Context, serviceID string) ([]*model.ServiceReplica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.ServiceReplica(nil), m.replicas[serviceID]...), nil
}

func (m *Memory) SetServiceReplicas(ctx context.Context, serviceID string, replicas []*model.ServiceReplica) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*model.ServiceReplica, len(replicas))
	for i, r := range replicas {
		rcp := *r
		cp[i] = &rcp
	}
	m.replicas[serviceID] = cp
	return nil
}

func (m *Memory) ListServicePorts(ctx context.Context, serviceID string) ([]*model.ServicePort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.ServicePort(nil), m.ports[serviceID]...), nil
}

func (m *Memory) ListServiceVolumes(ctx context.Context, serviceID string) ([]*model.ServiceVolume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.ServiceVolume(nil), m.volumes[serviceID]...), nil
}

// --- Deployments ---

func (m *Memory) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDeploymentsForService(ctx context.Context, serviceID string) ([]*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Deployment
	for _, d := range m.deployments {
		if d.ServiceID == serviceID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListDeploymentsForHost(ctx context.Context, hostID string) ([]*model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Deployment
	for _, d := range m.deployments {
		if d.HostID == hostID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateDeploymentStatus(ctx context.Context, id string, status model.DeploymentStatus, health model.HealthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.HealthStatus = health
	return nil
}

func (m *Memory) UpdateDeploymentOutcome(ctx context.Context, id string, status model.DeploymentStatus, failedAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.FailedAt = failedAt
	return nil
}

func (m *Memory) UpdateDeploymentRuntime(ctx context.Context, id, containerID, ipAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.ContainerID = containerID
	d.IPAddress = ipAddress
	return nil
}

func (m *Memory) DeleteDeployment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[id]; !ok {
		return ErrNotFound
	}
	delete(m.deployments, id)
	return nil
}

// --- Rollouts ---

func (m *Memory) CreateRollout(ctx context.Context, r *model.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rollouts[r.ID] = &cp
	return nil
}

func (m *Memory) GetRollout(ctx context.Context, id string) (*model.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// GetActiveRolloutForService grounds §5's per-service serialization
// requirement: at most one in_progress Rollout per ServiceID may exist.
func (m *Memory) GetActiveRolloutForService(ctx context.Context, serviceID string) (*model.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rollouts {
		if r.ServiceID == serviceID && r.Status == model.RolloutInProgress {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateRollout(ctx context.Context, r *model.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rollouts[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.rollouts[r.ID] = &cp
	return nil
}

func (m *Memory) ListStuckRollouts(ctx context.Context, olderThanUnixNano int64) ([]*model.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Rollout
	for _, r := range m.rollouts {
		if r.Status == model.RolloutInProgress && r.CreatedAt.UnixNano() < olderThanUnixNano {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- WorkItems ---

func (m *Memory) EnqueueWorkItem(ctx context.Context, w *model.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	cp.Status = model.WorkPending
	m.workItems[w.ID] = &cp
	return nil
}

// ClaimNextWorkItem atomically claims the oldest pending WorkItem for
// hostID, enforcing invariant I3 (at most one WorkItem in flight per
// host): if hostID already has a WorkItem in WorkProcessing, no claim is
// made and (nil, nil) is returned.
func (m *Memory) ClaimNextWorkItem(ctx context.Context, hostID string) (*model.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workItems {
		if w.HostID == hostID && w.Status == model.WorkProcessing {
			return nil, nil
		}
	}

	var best *model.WorkItem
	for _, w := range m.workItems {
		if w.HostID != hostID || w.Status != model.WorkPending {
			continue
		}
		if best == nil || w.CreatedAt.Before(best.CreatedAt) {
			best = w
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = model.WorkProcessing
	best.Attempts++
	best.StartedAt = time.Now()
	cp := *best
	return &cp, nil
}

func (m *Memory) CompleteWorkItem(ctx context.Context, id string, succeeded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workItems[id]
	if !ok {
		return ErrNotFound
	}
	if succeeded {
		w.Status = model.WorkCompleted
	} else {
		w.Status = model.WorkFailed
	}
	return nil
}

// RevertWorkItem puts a claimed WorkItem back to pending without counting
// an attempt — used when the claim was never actually delivered to the
// host (§4.4 revert-on-drop).
func (m *Memory) RevertWorkItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workItems[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = model.WorkPending
	w.StartedAt = time.Time{}
	if w.Attempts > 0 {
		w.Attempts--
	}
	return nil
}

func (m *Memory) DeletePendingWorkItemsForRollout(ctx context.Context, rolloutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.workItems {
		if w.RolloutID == rolloutID && w.Status == model.WorkPending {
			delete(m.workItems, id)
		}
	}
	return nil
}

func (m *Memory) ReclaimStuckWorkItems(ctx context.Context, olderThanUnixNano int64, maxAttempts int) ([]*model.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []*model.WorkItem
	for _, w := range m.workItems {
		if w.Status != model.WorkProcessing || w.StartedAt.UnixNano() >= olderThanUnixNano {
			continue
		}
		if w.Attempts >= maxAttempts {
			w.Status = model.WorkFailed
		} else {
			w.Status = model.WorkPending
		}
		cp := *w
		changed = append(changed, &cp)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return changed, nil
}

func (m *Memory) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) CountInFlightForHost(ctx context.Context, hostID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.workItems {
		if w.HostID == hostID && w.Status == model.WorkProcessing {
			n++
		}
	}
	return n, nil
}

// --- VolumeBackups ---

func (m *Memory) CreateVolumeBackup(ctx context.Context, b *model.VolumeBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.backups[b.ID] = &cp
	return nil
}

func (m *Memory) GetVolumeBackup(ctx context.Context, id string) (*model.VolumeBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) UpdateVolumeBackupStatus(ctx context.Context, id string, status model.BackupStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	return nil
}

var _ Store = (*Memory)(nil)
