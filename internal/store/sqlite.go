// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides agent/job/task persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writes anyway; a single pooled connection also keeps
	// :memory: databases from fragmenting across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			hostname   TEXT NOT NULL DEFAULT '',
			os         TEXT NOT NULL DEFAULT '',
			version    TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'offline',
			last_seen  DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,

			CHECK (status IN ('online', 'offline', 'error', 'maintenance'))
		);

		CREATE TABLE IF NOT EXISTS installation_jobs (
			id                 TEXT PRIMARY KEY,
			agent_id           TEXT NOT NULL,
			package_ref        TEXT NOT NULL,
			status             TEXT NOT NULL,
			progress           INTEGER NOT NULL DEFAULT 0,
			current_step       TEXT NOT NULL DEFAULT '',
			retry_count        INTEGER NOT NULL DEFAULT 0,
			max_retries        INTEGER NOT NULL DEFAULT 3,
			rollback_performed INTEGER NOT NULL DEFAULT 0,
			error              TEXT NOT NULL DEFAULT '',
			created_at         DATETIME NOT NULL,
			started_at         DATETIME,
			completed_at       DATETIME,

			CHECK (status IN ('pending', 'downloading', 'installing',
				'completed', 'failed', 'cancelled', 'rollback'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_agent_id
			ON installation_jobs(agent_id);

		CREATE INDEX IF NOT EXISTS idx_jobs_status
			ON installation_jobs(status);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			type        TEXT NOT NULL DEFAULT 'command',
			command     TEXT NOT NULL DEFAULT '',
			package_ref TEXT NOT NULL DEFAULT '',
			expression  TEXT NOT NULL,
			last_run    DATETIME,
			next_run    DATETIME,
			active      INTEGER NOT NULL DEFAULT 1,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL,

			CHECK (type IN ('command', 'install'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_active_next
			ON scheduled_tasks(active, next_run);

		CREATE TABLE IF NOT EXISTS command_history (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			command        TEXT NOT NULL,
			success        INTEGER NOT NULL DEFAULT 0,
			output         TEXT NOT NULL DEFAULT '',
			error          TEXT NOT NULL DEFAULT '',
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_agent_created
			ON command_history(agent_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertAgent inserts or updates the durable agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, rec *AgentRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = "offline"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, hostname, os, version, status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			os = excluded.os,
			version = excluded.version,
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Hostname, rec.OS, rec.Version, rec.Status,
		nullTime(rec.LastSeen), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", rec.ID, err)
	}
	return nil
}

// GetAgent loads an agent record by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, os, version, status, last_seen, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns all known agent records ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, os, version, status, last_seen, created_at, updated_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, rec)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus records a liveness status change for the agent.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		status, lastSeen.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating agent %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveInstallationJob inserts or updates the job record.
func (s *SQLiteStore) SaveInstallationJob(ctx context.Context, job *InstallationJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installation_jobs
			(id, agent_id, package_ref, status, progress, current_step,
			 retry_count, max_retries, rollback_performed, error,
			 created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			current_step = excluded.current_step,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			rollback_performed = excluded.rollback_performed,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		job.ID, job.AgentID, job.PackageRef, job.Status, job.Progress, job.CurrentStep,
		job.RetryCount, job.MaxRetries, boolToInt(job.RollbackPerformed), job.Error,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving installation job %s: %w", job.ID, err)
	}
	return nil
}

// GetInstallationJob loads a job by ID.
func (s *SQLiteStore) GetInstallationJob(ctx context.Context, id string) (*InstallationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, package_ref, status, progress, current_step,
		       retry_count, max_retries, rollback_performed, error,
		       created_at, started_at, completed_at
		FROM installation_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListInstallationJobs returns jobs, optionally filtered to one agent,
// newest first.
func (s *SQLiteStore) ListInstallationJobs(ctx context.Context, agentID string) ([]*InstallationJob, error) {
	query := `
		SELECT id, agent_id, package_ref, status, progress, current_step,
		       retry_count, max_retries, rollback_performed, error,
		       created_at, started_at, completed_at
		FROM installation_jobs`
	var args []any
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing installation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*InstallationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpsertScheduledTask inserts or updates a scheduled task definition.
func (s *SQLiteStore) UpsertScheduledTask(ctx context.Context, task *ScheduledTask) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, name, agent_id, type, command, package_ref, expression,
			 last_run, next_run, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			agent_id = excluded.agent_id,
			type = excluded.type,
			command = excluded.command,
			package_ref = excluded.package_ref,
			expression = excluded.expression,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		task.ID, task.Name, task.AgentID, task.Type, task.Command, task.PackageRef,
		task.Expression, nullTime(task.LastRun), nullTime(task.NextRun),
		boolToInt(task.Active), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting scheduled task %s: %w", task.ID, err)
	}
	return nil
}

// GetScheduledTask loads a task by ID.
func (s *SQLiteStore) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, agent_id, type, command, package_ref, expression,
		       last_run, next_run, active, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListScheduledTasks returns task definitions, optionally only active ones.
func (s *SQLiteStore) ListScheduledTasks(ctx context.Context, activeOnly bool) ([]*ScheduledTask, error) {
	query := `
		SELECT id, name, agent_id, type, command, package_ref, expression,
		       last_run, next_run, active, created_at, updated_at
		FROM scheduled_tasks`
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AppendCommandHistory records one resolved dispatch for audit.
func (s *SQLiteStore) AppendCommandHistory(ctx context.Context, rec *CommandRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history
			(id, agent_id, correlation_id, command, success, output, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.CorrelationID, rec.Command,
		boolToInt(rec.Success), rec.Output, rec.Error, rec.DurationMS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending command history: %w", err)
	}
	return nil
}

// ListCommandHistory returns the most recent dispatch records for an agent.
func (s *SQLiteStore) ListCommandHistory(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, correlation_id, command, success, output, error, duration_ms, created_at
		FROM command_history
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing command history: %w", err)
	}
	defer rows.Close()

	var recs []*CommandRecord
	for rows.Next() {
		rec := &CommandRecord{}
		var success int
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.CorrelationID, &rec.Command,
			&success, &rec.Output, &rec.Error, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}
		rec.Success = success != 0
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*AgentRecord, error) {
	rec := &AgentRecord{}
	var lastSeen sql.NullTime
	err := row.Scan(&rec.ID, &rec.Hostname, &rec.OS, &rec.Version, &rec.Status,
		&lastSeen, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	if lastSeen.Valid {
		rec.LastSeen = &lastSeen.Time
	}
	return rec, nil
}

func scanJob(row scanner) (*InstallationJob, error) {
	job := &InstallationJob{}
	var rollback int
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.AgentID, &job.PackageRef, &job.Status, &job.Progress,
		&job.CurrentStep, &job.RetryCount, &job.MaxRetries, &rollback, &job.Error,
		&job.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning installation job: %w", err)
	}
	job.RollbackPerformed = rollback != 0
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func scanTask(row scanner) (*ScheduledTask, error) {
	task := &ScheduledTask{}
	var active int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&task.ID, &task.Name, &task.AgentID, &task.Type, &task.Command,
		&task.PackageRef, &task.Expression, &lastRun, &nextRun, &active,
		&task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning scheduled task: %w", err)
	}
	task.Active = active != 0
	if lastRun.Valid {
		task.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		task.NextRun = &nextRun.Time
	}
	return task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
