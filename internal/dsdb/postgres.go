package dsdb

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wharfctl/wharf/internal/model"
)

// Postgres is the real Store implementation, grounded on
// internal/database/conn.go's pool-construction pattern: otelpgx tracing
// on every query, a thin WithTx helper, and hand-written typed methods in
// place of the teacher's sqlc-generated Queries type (sqlc codegen output
// is not something this exercise runs; every query below is hand-authored
// in the same spirit as the teacher's own hand-written custom.go queries
// that sit alongside its generated ones).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool against connString.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("dsdb: parse connection string: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dsdb: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dsdb: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// withTx runs fn inside a transaction, committing on success and rolling
// back otherwise, the way database.DB.WithTx does for the teacher.
func (p *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dsdb: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dsdb: commit tx: %w", err)
	}
	return nil
}

// --- Hosts ---

func (p *Postgres) UpsertHost(ctx context.Context, h *model.Host) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO hosts (id, name, wireguard_ip, signing_public_key, status, last_heartbeat, cpu, memory_mb, disk_gb, is_proxy, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			wireguard_ip = EXCLUDED.wireguard_ip,
			signing_public_key = EXCLUDED.signing_public_key,
			status = EXCLUDED.status,
			is_proxy = EXCLUDED.is_proxy
	`, h.ID, h.Name, h.WireguardIP, h.SigningPublicKey, h.Status, h.LastHeartbeat,
		h.Resources.CPU, h.Resources.MemoryMB, h.Resources.DiskGB, h.IsProxy, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("dsdb: upsert host: %w", err)
	}
	return nil
}

func (p *Postgres) scanHost(row pgx.Row) (*model.Host, error) {
	var h model.Host
	err := row.Scan(&h.ID, &h.Name, &h.WireguardIP, &h.SigningPublicKey, &h.Status, &h.LastHeartbeat,
		&h.Resources.CPU, &h.Resources.MemoryMB, &h.Resources.DiskGB, &h.IsProxy, &h.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

const hostColumns = `id, name, wireguard_ip, signing_public_key, status, last_heartbeat, cpu, memory_mb, disk_gb, is_proxy, created_at`

func (p *Postgres) GetHost(ctx context.Context, id string) (*model.Host, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id)
	h, err := p.scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("dsdb: get host: %w", err)
	}
	return h, nil
}

func (p *Postgres) ListHosts(ctx context.Context) ([]*model.Host, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list hosts: %w", err)
	}
	defer rows.Close()
	var out []*model.Host
	for rows.Next() {
		h, err := p.scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) ListHealthyHosts(ctx context.Context) ([]*model.Host, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+hostColumns+` FROM hosts WHERE status = $1 ORDER BY id`, model.HostOnline)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list healthy hosts: %w", err)
	}
	defer rows.Close()
	var out []*model.Host
	for rows.Next() {
		h, err := p.scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateHostHeartbeat(ctx context.Context, id string, status model.HostStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE hosts SET last_heartbeat = now(), status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("dsdb: update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkHostsStaleBefore implements the stale-host sweep of §4.7: any host
// still marked online whose last heartbeat precedes threshold transitions
// to offline, in one statement, and the changed rows are returned so C7
// can trigger rescheduling for their replicas.
func (p *Postgres) MarkHostsStaleBefore(ctx context.Context, thresholdUnixNano int64) ([]*model.Host, error) {
	threshold := time.Unix(0, thresholdUnixNano)
	rows, err := p.pool.Query(ctx, `
		UPDATE hosts SET status = $2
		WHERE status = $3 AND last_heartbeat < $1
		RETURNING `+hostColumns, threshold, model.HostOffline, model.HostOnline)
	if err != nil {
		return nil, fmt.Errorf("dsdb: mark stale hosts: %w", err)
	}
	defer rows.Close()
	var out []*model.Host
	for rows.Next() {
		h, err := p.scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Services ---

func (p *Postgres) CreateService(ctx context.Context, s *model.Service) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO services (id, image, stateful, replicas, auto_place, locked_host_id, health_check_cmd,
			health_check_interval_ms, health_check_timeout_ms, health_check_retries, health_check_start_period_ms,
			start_command, cpu_limit, memory_mb_limit, disk_gb_limit, deployed_config_snapshot)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, s.ID, s.Image, s.Stateful, s.Replicas, s.AutoPlace, s.LockedHostID, s.HealthCheck.Cmd,
		s.HealthCheck.Interval.Milliseconds(), s.HealthCheck.Timeout.Milliseconds(), s.HealthCheck.Retries,
		s.HealthCheck.StartPeriod.Milliseconds(), s.StartCommand, s.ResourceLimits.CPU, s.ResourceLimits.MemoryMB,
		s.ResourceLimits.DiskGB, s.DeployedConfigSnapshot)
	if err != nil {
		return fmt.Errorf("dsdb: create service: %w", err)
	}
	return nil
}

const serviceColumns = `id, image, stateful, replicas, auto_place, coalesce(locked_host_id,''), migration_status,
	coalesce(migration_target_host_id,''), coalesce(migration_backup_id,''), health_check_cmd,
	health_check_interval_ms, health_check_timeout_ms, health_check_retries, health_check_start_period_ms,
	start_command, cpu_limit, memory_mb_limit, disk_gb_limit, deployed_config_snapshot`

func (p *Postgres) scanService(row pgx.Row) (*model.Service, error) {
	var s model.Service
	var interval, timeout, startPeriod int64
	err := row.Scan(&s.ID, &s.Image, &s.Stateful, &s.Replicas, &s.AutoPlace, &s.LockedHostID, &s.MigrationStatus,
		&s.MigrationTargetHostID, &s.MigrationBackupID, &s.HealthCheck.Cmd, &interval, &timeout,
		&s.HealthCheck.Retries, &startPeriod, &s.StartCommand, &s.ResourceLimits.CPU, &s.ResourceLimits.MemoryMB,
		&s.ResourceLimits.DiskGB, &s.DeployedConfigSnapshot)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.HealthCheck.Interval = time.Duration(interval) * time.Millisecond
	s.HealthCheck.Timeout = time.Duration(timeout) * time.Millisecond
	s.HealthCheck.StartPeriod = time.Duration(startPeriod) * time.Millisecond
	return &s, nil
}

func (p *Postgres) GetService(ctx context.Context, id string) (*model.Service, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	s, err := p.scanService(row)
	if err != nil {
		return nil, fmt.Errorf("dsdb: get service: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListServices(ctx context.Context) ([]*model.Service, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list services: %w", err)
	}
	defer rows.Close()
	var out []*model.Service
	for rows.Next() {
		s, err := p.scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateService(ctx context.Context, s *model.Service) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE services SET image=$2, stateful=$3, replicas=$4, auto_place=$5, locked_host_id=NULLIF($6,''),
			migration_status=$7, migration_target_host_id=NULLIF($8,''), migration_backup_id=NULLIF($9,''),
			deployed_config_snapshot=$10
		WHERE id = $1
	`, s.ID, s.Image, s.Stateful, s.Replicas, s.AutoPlace, s.LockedHostID, s.MigrationStatus,
		s.MigrationTargetHostID, s.MigrationBackupID, s.DeployedConfigSnapshot)
	if err != nil {
		return fmt.Errorf("dsdb: update service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteService relies on the schema's ON DELETE CASCADE foreign keys to
// remove the service's ports/volumes/replicas/deployments in one
// statement, per §9's design note ("cascading delete via schema, not
// application-level loops").
func (p *Postgres) DeleteService(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dsdb: delete service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListServiceReplicas(ctx context.Context, serviceID string) ([]*model.ServiceReplica, error) {
	rows, err := p.pool.Query(ctx, `SELECT service_id, host_id, count FROM service_replicas WHERE service_id = $1`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list service replicas: %w", err)
	}
	defer rows.Close()
	var out []*model.ServiceReplica
	for rows.Next() {
		var r model.ServiceReplica
		if err := rows.Scan(&r.ServiceID, &r.HostID, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) SetServiceReplicas(ctx context.Context, serviceID string, replicas []*model.ServiceReplica) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM service_replicas WHERE service_id = $1`, serviceID); err != nil {
			return fmt.Errorf("dsdb: clear service replicas: %w", err)
		}
		for _, r := range replicas {
			if _, err := tx.Exec(ctx,
				`INSERT INTO service_replicas (service_id, host_id, count) VALUES ($1, $2, $3)`,
				serviceID, r.HostID, r.Count); err != nil {
				return fmt.Errorf("dsdb: insert service replica: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) ListServicePorts(ctx context.Context, serviceID string) ([]*model.ServicePort, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT service_id, port, is_public, coalesce(domain,''), protocol, coalesce(external_port,0)
		FROM service_ports WHERE service_id = $1`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list service ports: %w", err)
	}
	defer rows.Close()
	var out []*model.ServicePort
	for rows.Next() {
		var sp model.ServicePort
		if err := rows.Scan(&sp.ServiceID, &sp.Port, &sp.IsPublic, &sp.Domain, &sp.Protocol, &sp.ExternalPort); err != nil {
			return nil, err
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

func (p *Postgres) ListServiceVolumes(ctx context.Context, serviceID string) ([]*model.ServiceVolume, error) {
	rows, err := p.pool.Query(ctx, `SELECT service_id, name, container_path FROM service_volumes WHERE service_id = $1`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list service volumes: %w", err)
	}
	defer rows.Close()
	var out []*model.ServiceVolume
	for rows.Next() {
		var v model.ServiceVolume
		if err := rows.Scan(&v.ServiceID, &v.Name, &v.ContainerPath); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- Deployments ---

const deploymentColumns = `id, service_id, host_id, coalesce(container_id,''), coalesce(ip_address,''), status,
	health_status, coalesce(rollout_id,''), coalesce(previous_deployment_id,''), coalesce(failed_at,''), created_at`

func (p *Postgres) scanDeployment(row pgx.Row) (*model.Deployment, error) {
	var d model.Deployment
	err := row.Scan(&d.ID, &d.ServiceID, &d.HostID, &d.ContainerID, &d.IPAddress, &d.Status, &d.HealthStatus,
		&d.RolloutID, &d.PreviousDeploymentID, &d.FailedAt, &d.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO deployments (id, service_id, host_id, status, health_status, rollout_id, previous_deployment_id, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8)
	`, d.ID, d.ServiceID, d.HostID, d.Status, d.HealthStatus, d.RolloutID, d.PreviousDeploymentID, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("dsdb: create deployment: %w", err)
	}
	return nil
}

func (p *Postgres) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	d, err := p.scanDeployment(row)
	if err != nil {
		return nil, fmt.Errorf("dsdb: get deployment: %w", err)
	}
	return d, nil
}

func (p *Postgres) ListDeploymentsForService(ctx context.Context, serviceID string) ([]*model.Deployment, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE service_id = $1 ORDER BY created_at`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list deployments for service: %w", err)
	}
	defer rows.Close()
	var out []*model.Deployment
	for rows.Next() {
		d, err := p.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) ListDeploymentsForHost(ctx context.Context, hostID string) ([]*model.Deployment, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE host_id = $1 ORDER BY created_at`, hostID)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list deployments for host: %w", err)
	}
	defer rows.Close()
	var out []*model.Deployment
	for rows.Next() {
		d, err := p.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateDeploymentStatus(ctx context.Context, id string, status model.DeploymentStatus, health model.HealthStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE deployments SET status=$2, health_status=$3 WHERE id=$1`, id, status, health)
	if err != nil {
		return fmt.Errorf("dsdb: update deployment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateDeploymentOutcome(ctx context.Context, id string, status model.DeploymentStatus, failedAt string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE deployments SET status=$2, failed_at=$3 WHERE id=$1`, id, status, failedAt)
	if err != nil {
		return fmt.Errorf("dsdb: update deployment outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateDeploymentRuntime(ctx context.Context, id, containerID, ipAddress string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE deployments SET container_id=$2, ip_address=$3 WHERE id=$1`, id, containerID, ipAddress)
	if err != nil {
		return fmt.Errorf("dsdb: update deployment runtime: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteDeployment(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM deployments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("dsdb: delete deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Rollouts ---

const rolloutColumns = `id, service_id, status, current_stage, created_at, completed_at, dns_updated_by_timeout, caddy_updated_by_timeout`

func (p *Postgres) scanRollout(row pgx.Row) (*model.Rollout, error) {
	var r model.Rollout
	var completedAt *time.Time
	err := row.Scan(&r.ID, &r.ServiceID, &r.Status, &r.CurrentStage, &r.CreatedAt, &completedAt,
		&r.DNSUpdatedByTimeout, &r.CaddyUpdatedByTimeout)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	return &r, nil
}

func (p *Postgres) CreateRollout(ctx context.Context, r *model.Rollout) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rollouts (id, service_id, status, current_stage, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, r.ID, r.ServiceID, r.Status, r.CurrentStage, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("dsdb: create rollout: %w", err)
	}
	return nil
}

func (p *Postgres) GetRollout(ctx context.Context, id string) (*model.Rollout, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1`, id)
	r, err := p.scanRollout(row)
	if err != nil {
		return nil, fmt.Errorf("dsdb: get rollout: %w", err)
	}
	return r, nil
}

// GetActiveRolloutForService enforces §5's single-writer-per-service
// expectation at the read side: callers use this to decide whether a new
// rollout may be created.
func (p *Postgres) GetActiveRolloutForService(ctx context.Context, serviceID string) (*model.Rollout, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE service_id = $1 AND status = $2`, serviceID, model.RolloutInProgress)
	r, err := p.scanRollout(row)
	if err != nil {
		return nil, fmt.Errorf("dsdb: get active rollout: %w", err)
	}
	return r, nil
}

func (p *Postgres) UpdateRollout(ctx context.Context, r *model.Rollout) error {
	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE rollouts SET status=$2, current_stage=$3, completed_at=$4,
			dns_updated_by_timeout=$5, caddy_updated_by_timeout=$6
		WHERE id = $1
	`, r.ID, r.Status, r.CurrentStage, completedAt, r.DNSUpdatedByTimeout, r.CaddyUpdatedByTimeout)
	if err != nil {
		return fmt.Errorf("dsdb: update rollout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListStuckRollouts(ctx context.Context, olderThanUnixNano int64) ([]*model.Rollout, error) {
	threshold := time.Unix(0, olderThanUnixNano)
	rows, err := p.pool.Query(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE status = $1 AND created_at < $2`, model.RolloutInProgress, threshold)
	if err != nil {
		return nil, fmt.Errorf("dsdb: list stuck rollouts: %w", err)
	}
	defer rows.Close()
	var out []*model.Rollout
	for rows.Next() {
		r, err := p.scanRollout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- WorkItems ---

const workItemColumns = `id, host_id, type, payload, status, attempts, started_at, created_at, coalesce(rollout_id,'')`

func (p *Postgres) scanWorkItem(row pgx.Row) (*model.WorkItem, error) {
	var w model.WorkItem
	var startedAt *time.Time
	err := row.Scan(&w.ID, &w.HostID, &w.Type, &w.Payload, &w.Status, &w.Attempts, &startedAt, &w.CreatedAt, &w.RolloutID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if startedAt != nil {
		w.StartedAt = *startedAt
	}
	return &w, nil
}

func (p *Postgres) EnqueueWorkItem(ctx context.Context, w *model.WorkItem) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO work_items (id, host_id, type, payload, status, attempts, created_at, rollout_id)
		VALUES ($1,$2,$3,$4,$5,0,$6,NULLIF($7,''))
	`, w.ID, w.HostID, w.Type, w.Payload, model.WorkPending, w.CreatedAt, w.RolloutID)
	if err != nil {
		return fmt.Errorf("dsdb: enqueue work item: %w", err)
	}
	return nil
}

// ClaimNextWorkItem enforces invariant I3 (at most one WorkItem in flight
// per host) by locking the host's row with `SELECT ... FOR UPDATE` before
// counting its processing items, so two concurrent dispatcher ticks for the
// same host serialize and can never both claim work (§5 concurrency model).
// The pending row itself is picked with `FOR UPDATE SKIP LOCKED`.
func (p *Postgres) ClaimNextWorkItem(ctx context.Context, hostID string) (*model.WorkItem, error) {
	var claimed *model.WorkItem
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM hosts WHERE id=$1 FOR UPDATE`, hostID); err != nil {
			return err
		}
		var inFlight int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM work_items WHERE host_id=$1 AND status=$2`, hostID, model.WorkProcessing).Scan(&inFlight); err != nil {
			return err
		}
		if inFlight > 0 {
			return nil
		}

		row := tx.QueryRow(ctx, `
			SELECT `+workItemColumns+` FROM work_items
			WHERE host_id = $1 AND status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, hostID, model.WorkPending)
		w, err := p.scanWorkItem(row)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE work_items SET status=$2, attempts=attempts+1, started_at=now() WHERE id=$1`,
			w.ID, model.WorkProcessing); err != nil {
			return err
		}
		w.Status = model.WorkProcessing
		w.Attempts++
		claimed = w
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dsdb: claim work item: %w", err)
	}
	return claimed, nil
}

func (p *Postgres) CompleteWorkItem(ctx context.Context, id string, succeeded bool) error {
	status := model.WorkCompleted
	if !succeeded {
		status = model.WorkFailed
	}
	tag, err := p.pool.Exec(ctx, `UPDATE work_items SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("dsdb: complete work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevertWorkItem reverts a claimed WorkItem back to pending without
// counting an attempt against it (§4.4 revert-on-drop: the send never
// actually reached the host).
func (p *Postgres) RevertWorkItem(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE work_items SET status=$2, started_at=NULL, attempts=GREATEST(attempts-1, 0) WHERE id=$1`, id, model.WorkPending)
	if err != nil {
		return fmt.Errorf("dsdb: revert work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingWorkItemsForRollout purges never-dispatched WorkItems
// belonging to rolloutID (§4.5 Abort).
func (p *Postgres) DeletePendingWorkItemsForRollout(ctx context.Context, rolloutID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM work_items WHERE rollout_id=$1 AND status=$2`, rolloutID, model.WorkPending)
	if err != nil {
		return fmt.Errorf("dsdb: delete pending work items for rollout: %w", err)
	}
	return nil
}

// ReclaimStuckWorkItems implements §4.3's retry policy: work stuck in
// "processing" past WORK_TIMEOUT goes back to "pending" unless it has hit
// MAX_ATTEMPTS, in which case it is marked "failed" for good.
func (p *Postgres) ReclaimStuckWorkItems(ctx context.Context, olderThanUnixNano int64, maxAttempts int) ([]*model.WorkItem, error) {
	threshold := time.Unix(0, olderThanUnixNano)
	rows, err := p.pool.Query(ctx, `
		UPDATE work_items SET
			status = CASE WHEN attempts >= $2 THEN $3 ELSE $4 END
		WHERE status = $5 AND started_at < $1
		RETURNING `+workItemColumns, threshold, maxAttempts, model.WorkFailed, model.WorkPending, model.WorkProcessing)
	if err != nil {
		return nil, fmt.Errorf("dsdb: reclaim stuck work items: %w", err)
	}
	defer rows.Close()
	var out []*model.WorkItem
	for rows.Next() {
		w, err := p.scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	w, err := p.scanWorkItem(row)
	if err != nil {
		return nil, fmt.Errorf("dsdb: get work item: %w", err)
	}
	return w, nil
}

func (p *Postgres) CountInFlightForHost(ctx context.Context, hostID string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM work_items WHERE host_id=$1 AND status=$2`, hostID, model.WorkProcessing).Scan(&n); err != nil {
		return 0, fmt.Errorf("dsdb: count in flight: %w", err)
	}
	return n, nil
}

// --- VolumeBackups ---

func (p *Postgres) CreateVolumeBackup(ctx context.Context, b *model.VolumeBackup) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO volume_backups (id, service_id, volume_name, host_id, storage_path, checksum, status, is_migration_backup, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, b.ID, b.ServiceID, b.VolumeName, b.HostID, b.StoragePath, b.Checksum, b.Status, b.IsMigrationBackup, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("dsdb: create volume backup: %w", err)
	}
	return nil
}

func (p *Postgres) GetVolumeBackup(ctx context.Context, id string) (*model.VolumeBackup, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, service_id, volume_name, host_id, storage_path, coalesce(checksum,''), status, is_migration_backup, created_at
		FROM volume_backups WHERE id = $1`, id)
	var b model.VolumeBackup
	err := row.Scan(&b.ID, &b.ServiceID, &b.VolumeName, &b.HostID, &b.StoragePath, &b.Checksum, &b.Status, &b.IsMigrationBackup, &b.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dsdb: get volume backup: %w", err)
	}
	return &b, nil
}

func (p *Postgres) UpdateVolumeBackupStatus(ctx context.Context, id string, status model.BackupStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE volume_backups SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("dsdb: update volume backup status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*Postgres)(nil)
