package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ModuleRepository = (*Repository)(nil)
	_ repository.PortRepository   = (*Repository)(nil)
	_ repository.AuditRepository  = (*Repository)(nil)
	_ repository.Store            = (*Repository)(nil)
)

// Ping verifies database connectivity.
func (r *Repository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

// Close releases the underlying pool.
func (r *Repository) Close() { r.pool.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const moduleColumns = `id, name, display_name, image, image_tag, image_digest,
	cpu_limit, memory_limit_bytes, pids_limit, ports, writable_paths,
	health_check_path, env_sealed, license_key_enc, license_mode,
	status, health, error_message, principal_id, container_id,
	installed_at, updated_at, last_health_at, deleted_at`

// CreateModule inserts a module registry row.
func (r *Repository) CreateModule(ctx context.Context, m *domain.ModuleRecord) error {
	ports, err := json.Marshal(m.Ports)
	if err != nil {
		return err
	}
	paths, err := json.Marshal(m.WritablePaths)
	if err != nil {
		return err
	}
	const query = `INSERT INTO modules (id, name, display_name, image, image_tag, image_digest,
		cpu_limit, memory_limit_bytes, pids_limit, ports, writable_paths,
		health_check_path, env_sealed, license_key_enc, license_mode,
		status, health, error_message, principal_id, container_id,
		installed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = r.pool.Exec(ctx, query,
		m.ID, m.Name, m.DisplayName, m.Image, m.ImageTag, m.ImageDigest,
		m.Limits.CPUCores, m.Limits.MemoryBytes, m.Limits.PidsLimit, ports, paths,
		m.HealthCheckPath, m.EnvSealed, m.LicenseKeyEnc, m.LicenseMode,
		m.Status, m.Health, m.ErrorMessage, m.PrincipalID, m.ContainerID,
		m.InstalledAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

func scanModule(row pgx.Row) (*domain.ModuleRecord, error) {
	var m domain.ModuleRecord
	var ports, paths []byte
	if err := row.Scan(&m.ID, &m.Name, &m.DisplayName, &m.Image, &m.ImageTag, &m.ImageDigest,
		&m.Limits.CPUCores, &m.Limits.MemoryBytes, &m.Limits.PidsLimit, &ports, &paths,
		&m.HealthCheckPath, &m.EnvSealed, &m.LicenseKeyEnc, &m.LicenseMode,
		&m.Status, &m.Health, &m.ErrorMessage, &m.PrincipalID, &m.ContainerID,
		&m.InstalledAt, &m.UpdatedAt, &m.LastHealthAt, &m.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &m.Ports); err != nil {
			return nil, err
		}
	}
	if len(paths) > 0 {
		if err := json.Unmarshal(paths, &m.WritablePaths); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// GetModuleByName fetches the live (not soft-deleted) module with the given name.
func (r *Repository) GetModuleByName(ctx context.Context, name string) (*domain.ModuleRecord, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE name = $1 AND deleted_at IS NULL`
	return scanModule(r.pool.QueryRow(ctx, query, name))
}

// GetModuleByID fetches a module by identifier.
func (r *Repository) GetModuleByID(ctx context.Context, id string) (*domain.ModuleRecord, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE id = $1 AND deleted_at IS NULL`
	return scanModule(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) queryModules(ctx context.Context, query string, args ...any) ([]domain.ModuleRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	modules := make([]domain.ModuleRecord, 0)
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, *m)
	}
	return modules, rows.Err()
}

// ListModules returns live modules ordered by install time, newest first.
func (r *Repository) ListModules(ctx context.Context, limit, offset int) ([]domain.ModuleRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE deleted_at IS NULL
		ORDER BY installed_at DESC LIMIT $1 OFFSET $2`
	return r.queryModules(ctx, query, limit, offset)
}

// ListRunningModules returns live modules in RUNNING status for the monitor.
func (r *Repository) ListRunningModules(ctx context.Context) ([]domain.ModuleRecord, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules
		WHERE deleted_at IS NULL AND status = $1
		ORDER BY installed_at`
	return r.queryModules(ctx, query, domain.StatusRunning)
}

// UpdateModule rewrites the mutable columns of a module row. The sealed
// license key is write-once and deliberately absent here.
func (r *Repository) UpdateModule(ctx context.Context, m *domain.ModuleRecord) error {
	ports, err := json.Marshal(m.Ports)
	if err != nil {
		return err
	}
	const query = `UPDATE modules SET image_digest = $2, ports = $3, status = $4,
		health = $5, error_message = $6, container_id = $7, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, m.ID, m.ImageDigest, ports,
		m.Status, m.Health, m.ErrorMessage, m.ContainerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CompareAndSetStatus transitions a module between states atomically.
func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.ModuleStatus) error {
	const query = `UPDATE modules SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, expected, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		const probe = `SELECT 1 FROM modules WHERE id = $1 AND deleted_at IS NULL`
		var one int
		if err := r.pool.QueryRow(ctx, probe, id).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return err
		}
		return repository.ErrConcurrentModification
	}
	return nil
}

// SetModuleHealth records the latest health observation.
func (r *Repository) SetModuleHealth(ctx context.Context, id string, health domain.ModuleHealth) error {
	const query = `UPDATE modules SET health = $2, last_health_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, health)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SoftDeleteModule marks a module removed while keeping the row for history.
func (r *Repository) SoftDeleteModule(ctx context.Context, id string) error {
	const query = `UPDATE modules SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ReservePort claims a host port for a module.
func (r *Repository) ReservePort(ctx context.Context, res domain.PortReservation) error {
	const query = `INSERT INTO port_reservations (host_port, container_port, module_id, created_at)
		VALUES ($1, $2, $3, NOW())`
	_, err := r.pool.Exec(ctx, query, res.HostPort, res.ContainerPort, res.ModuleID)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// PortOwner returns the module id holding a host port.
func (r *Repository) PortOwner(ctx context.Context, hostPort int) (string, error) {
	const query = `SELECT module_id FROM port_reservations WHERE host_port = $1`
	var moduleID string
	if err := r.pool.QueryRow(ctx, query, hostPort).Scan(&moduleID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return moduleID, nil
}

// ListModulePorts returns all reservations held by one module.
func (r *Repository) ListModulePorts(ctx context.Context, moduleID string) ([]domain.PortReservation, error) {
	const query = `SELECT host_port, container_port, module_id, created_at
		FROM port_reservations WHERE module_id = $1 ORDER BY host_port`
	rows, err := r.pool.Query(ctx, query, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PortReservation, 0)
	for rows.Next() {
		var res domain.PortReservation
		if err := rows.Scan(&res.HostPort, &res.ContainerPort, &res.ModuleID, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReleaseModulePorts frees every port a module holds.
func (r *Repository) ReleaseModulePorts(ctx context.Context, moduleID string) error {
	const query = `DELETE FROM port_reservations WHERE module_id = $1`
	_, err := r.pool.Exec(ctx, query, moduleID)
	return err
}

// InsertAudit appends one audit entry. The audit log is append-only; no update
// or delete paths exist for it.
func (r *Repository) InsertAudit(ctx context.Context, e *domain.AuditLogEntry) error {
	const query = `INSERT INTO audit_log (operation, module_name, principal_id, outcome, detail, origin, caller_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query, e.Operation, e.ModuleName, e.PrincipalID,
		e.Outcome, e.Detail, e.Origin, e.CallerAddr).Scan(&e.ID, &e.CreatedAt)
}

// ListAudit returns audit entries newest first, honoring the filter.
func (r *Repository) ListAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditLogEntry, error) {
	const query = `SELECT id, operation, module_name, principal_id, outcome, detail, origin, caller_addr, created_at
		FROM audit_log
		WHERE ($1 = '' OR module_name = $1)
		  AND ($2 = '' OR operation = $2)
		  AND ($3 = '' OR outcome = $3)
		  AND ($4 = '' OR principal_id = $4)
		ORDER BY id DESC LIMIT $5 OFFSET $6`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, f.ModuleName, string(f.Operation), string(f.Outcome), f.PrincipalID, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditLogEntry, 0)
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Operation, &e.ModuleName, &e.PrincipalID, &e.Outcome, &e.Detail, &e.Origin, &e.CallerAddr, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
