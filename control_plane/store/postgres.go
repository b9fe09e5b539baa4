package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema files in name order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func insertAudit(ctx context.Context, tx pgx.Tx, entry *AuditLog) error {
	if entry == nil {
		return nil
	}
	ensureID(&entry.ID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_type, actor_id, action, target_type, target_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ActorType, entry.ActorID, entry.Action,
		entry.TargetType, entry.TargetID, entry.Message, entry.CreatedAt,
	)
	return err
}

// --- Server Operations ---

const serverColumns = `id, hostname, ip, os_name, os_version, kernel_version, package_manager,
	last_update_time, last_seen, agent_token, created_at, updated_at`

func scanServer(row scanner) (*Server, error) {
	var srv Server
	err := row.Scan(
		&srv.ID, &srv.Hostname, &srv.IP, &srv.OSName, &srv.OSVersion, &srv.KernelVersion,
		&srv.PackageManager, &srv.LastUpdateTime, &srv.LastSeen, &srv.AgentToken,
		&srv.CreatedAt, &srv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *PostgresStore) CreateServer(ctx context.Context, srv *Server, entry *AuditLog) error {
	ensureID(&srv.ID)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO servers (`+serverColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			srv.ID, srv.Hostname, srv.IP, srv.OSName, srv.OSVersion, srv.KernelVersion,
			srv.PackageManager, srv.LastUpdateTime, srv.LastSeen, srv.AgentToken,
			srv.CreatedAt, srv.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) ReRegisterServer(ctx context.Context, srv *Server, entry *AuditLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE servers SET agent_token = $2, os_name = $3, os_version = $4,
				kernel_version = $5, package_manager = $6, updated_at = $7
			WHERE id = $1`,
			srv.ID, srv.AgentToken, srv.OSName, srv.OSVersion, srv.KernelVersion,
			srv.PackageManager, srv.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*Server, error) {
	return scanServer(s.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
}

func (s *PostgresStore) GetServerByToken(ctx context.Context, token string) (*Server, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return scanServer(s.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE agent_token = $1`, token))
}

func (s *PostgresStore) FindServerByHost(ctx context.Context, hostname, ip string) (*Server, error) {
	return scanServer(s.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE hostname = $1 AND ip = $2 ORDER BY created_at LIMIT 1`,
		hostname, ip))
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

func (s *PostgresStore) RotateServerToken(ctx context.Context, id, oldToken, newToken string, at time.Time, entry *AuditLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE servers SET agent_token = $3, updated_at = $4
			WHERE id = $1 AND ($2 = '' OR agent_token = $2)`,
			id, oldToken, newToken, at,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM servers WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) TouchServer(ctx context.Context, id string, seen time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE servers SET last_seen = $2 WHERE id = $1`, id, seen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Inventory Operations ---

func insertInventory(ctx context.Context, tx pgx.Tx, inv *Inventory, seen *time.Time) error {
	ensureID(&inv.ID)
	_, err := tx.Exec(ctx, `
		INSERT INTO inventories (id, server_id, collected_at, hostname, ip, os_name, os_version,
			kernel_version, package_manager, last_update_time, reboot_required,
			security_updates_count, updates_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inv.ID, inv.ServerID, inv.CollectedAt, inv.Hostname, inv.IP, inv.OSName, inv.OSVersion,
		inv.KernelVersion, inv.PackageManager, inv.LastUpdateTime, inv.RebootRequired,
		inv.SecurityUpdatesCount, inv.UpdatesCount,
	)
	if err != nil {
		return err
	}

	if len(inv.Updates) > 0 {
		batch := &pgx.Batch{}
		for i := range inv.Updates {
			u := &inv.Updates[i]
			ensureID(&u.ID)
			u.InventoryID = inv.ID
			batch.Queue(`
				INSERT INTO updates (id, inventory_id, position, name, current_version, candidate_version, is_security)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				u.ID, u.InventoryID, i, u.Name, u.CurrentVersion, u.CandidateVersion, u.IsSecurity,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE servers SET hostname = $2, ip = $3, os_name = $4, os_version = $5,
			kernel_version = $6, package_manager = $7, last_update_time = $8,
			updated_at = $9, last_seen = COALESCE($10, last_seen)
		WHERE id = $1`,
		inv.ServerID, inv.Hostname, inv.IP, inv.OSName, inv.OSVersion, inv.KernelVersion,
		inv.PackageManager, inv.LastUpdateTime, inv.CollectedAt, seen,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveInventory(ctx context.Context, inv *Inventory, seen *time.Time, entry *AuditLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertInventory(ctx, tx, inv, seen); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

const inventoryColumns = `id, server_id, collected_at, hostname, ip, os_name, os_version,
	kernel_version, package_manager, last_update_time, reboot_required,
	security_updates_count, updates_count`

func scanInventory(row scanner) (*Inventory, error) {
	var inv Inventory
	err := row.Scan(
		&inv.ID, &inv.ServerID, &inv.CollectedAt, &inv.Hostname, &inv.IP, &inv.OSName,
		&inv.OSVersion, &inv.KernelVersion, &inv.PackageManager, &inv.LastUpdateTime,
		&inv.RebootRequired, &inv.SecurityUpdatesCount, &inv.UpdatesCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *PostgresStore) LatestInventory(ctx context.Context, serverID string) (*Inventory, error) {
	inv, err := scanInventory(s.pool.QueryRow(ctx, `
		SELECT `+inventoryColumns+` FROM inventories
		WHERE server_id = $1 ORDER BY collected_at DESC LIMIT 1`, serverID))
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, inventory_id, name, current_version, candidate_version, is_security
		FROM updates WHERE inventory_id = $1 ORDER BY position`, inv.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inv.Updates = []Update{}
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.ID, &u.InventoryID, &u.Name, &u.CurrentVersion, &u.CandidateVersion, &u.IsSecurity); err != nil {
			return nil, err
		}
		inv.Updates = append(inv.Updates, u)
	}
	return inv, rows.Err()
}

func (s *PostgresStore) LatestInventories(ctx context.Context) (map[string]*Inventory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (server_id) `+inventoryColumns+`
		FROM inventories ORDER BY server_id, collected_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*Inventory)
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		result[inv.ServerID] = inv
	}
	return result, rows.Err()
}

// --- Job Operations ---

const jobColumns = `id, server_id, job_type, status, scheduled_at, requires_approval,
	approved_by, approved_at, approval_reason, created_by, created_at, updated_at`

func scanJob(row scanner) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.ServerID, &j.JobType, &j.Status, &j.ScheduledAt, &j.RequiresApproval,
		&j.ApprovedBy, &j.ApprovedAt, &j.ApprovalReason, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job, entry *AuditLog) error {
	ensureID(&job.ID)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
			WHERE EXISTS (SELECT 1 FROM servers WHERE id = $2)`,
			job.ID, job.ServerID, job.JobType, job.Status, job.ScheduledAt, job.RequiresApproval,
			job.ApprovedBy, job.ApprovedAt, job.ApprovalReason, job.CreatedBy, job.CreatedAt, job.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE ($1 = '' OR server_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`
	args := []any{filter.ServerID, string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from JobStatus, mutate func(*Job), entry *AuditLog) (*Job, error) {
	var out *Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if j.Status != from {
			return ErrConflict
		}
		mutate(j)

		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $3, approved_by = $4, approved_at = $5,
				approval_reason = $6, updated_at = $7
			WHERE id = $1 AND status = $2`,
			j.ID, from, j.Status, j.ApprovedBy, j.ApprovedAt, j.ApprovalReason, j.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		out = j
		return insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) QueueDueJobs(ctx context.Context, now time.Time, audit AuditFunc) ([]*Job, error) {
	var queued []*Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE jobs SET status = $1, updated_at = $3
			WHERE status = $2 AND (scheduled_at IS NULL OR scheduled_at <= $3)
			RETURNING `+jobColumns,
			JobQueued, JobApproved, now,
		)
		if err != nil {
			return err
		}
		queued, err = collectJobs(rows)
		if err != nil {
			return err
		}
		if audit == nil {
			return nil
		}
		for _, j := range queued {
			if err := insertAudit(ctx, tx, audit(j)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queued, nil
}

func (s *PostgresStore) ClaimNextJob(ctx context.Context, serverID string, now time.Time, audit AuditFunc) (*Job, error) {
	var claimed *Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, updated_at = $4
			WHERE id = (
				SELECT id FROM jobs
				WHERE server_id = $1 AND status = $3
				ORDER BY created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			) AND status = $3
			RETURNING `+jobColumns,
			serverID, JobRunning, JobQueued, now,
		))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = j
		if audit == nil {
			return nil
		}
		return insertAudit(ctx, tx, audit(j))
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, c JobCompletion) (*Job, error) {
	var out *Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND server_id = $2 FOR UPDATE`,
			c.JobID, c.ServerID))
		if err != nil {
			return err
		}
		if j.Status != JobRunning {
			return ErrConflict
		}

		if c.Inventory != nil {
			if err := insertInventory(ctx, tx, c.Inventory, &c.SeenAt); err != nil {
				return err
			}
		} else if _, err := tx.Exec(ctx, `UPDATE servers SET last_seen = $2 WHERE id = $1`, c.ServerID, c.SeenAt); err != nil {
			return err
		}

		res := c.Result
		ensureID(&res.ID)
		res.JobID = j.ID
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_results (id, job_id, started_at, finished_at, exit_code, stdout, stderr, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			res.ID, res.JobID, res.StartedAt, res.FinishedAt, res.ExitCode, res.Stdout, res.Stderr, res.Status,
		); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			j.ID, JobRunning, res.Status, c.SeenAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		j.Status = res.Status
		j.UpdatedAt = c.SeenAt
		out = j
		return insertAudit(ctx, tx, c.Audit)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListJobResults(ctx context.Context, jobID string) ([]*JobResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, started_at, finished_at, exit_code, stdout, stderr, status
		FROM job_results WHERE job_id = $1 ORDER BY seq DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []*JobResult{}
	for rows.Next() {
		var r JobResult
		if err := rows.Scan(&r.ID, &r.JobID, &r.StartedAt, &r.FinishedAt, &r.ExitCode, &r.Stdout, &r.Stderr, &r.Status); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// --- Audit Operations ---

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]*AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_type, actor_id, action, target_type, target_id, message, created_at
		FROM audit_logs ORDER BY created_at DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*AuditLog{}
	for rows.Next() {
		var e AuditLog
		if err := rows.Scan(&e.ID, &e.ActorType, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- User Operations ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *User, entry *AuditLog) error {
	ensureID(&u.ID)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, password_hash, role, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			u.ID, u.Email, u.PasswordHash, u.Role, u.IsActive, u.CreatedAt,
		)
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const userColumns = `id, email, password_hash, role, is_active, created_at`

func scanUser(row scanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
