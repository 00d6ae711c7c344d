package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docforge/engine/internal/model"
)

// SQLiteStore implements the repository interfaces over a single SQLite
// database. The row-level update is the engine's only serialization point.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS generation_jobs (
		id TEXT PRIMARY KEY,
		parent_job_id TEXT REFERENCES generation_jobs(id),
		prerequisite_job_id TEXT,
		target_contribution_id TEXT,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		stage_slug TEXT NOT NULL,
		iteration_number INTEGER NOT NULL DEFAULT 1,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		payload TEXT NOT NULL,
		results TEXT,
		error_details TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_parent ON generation_jobs(parent_job_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_session ON generation_jobs(session_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON generation_jobs(status);

	CREATE TABLE IF NOT EXISTS recipes (
		id TEXT PRIMARY KEY,
		stage_slug TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		cloned_from TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_recipes_stage ON recipes(stage_slug, is_active);

	CREATE TABLE IF NOT EXISTS recipe_steps (
		id TEXT PRIMARY KEY,
		recipe_id TEXT NOT NULL REFERENCES recipes(id),
		execution_order INTEGER NOT NULL,
		definition TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_steps_recipe ON recipe_steps(recipe_id);

	CREATE TABLE IF NOT EXISTS prompt_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt_text TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recipe_edges (
		recipe_id TEXT NOT NULL REFERENCES recipes(id),
		from_step_id TEXT NOT NULL,
		to_step_id TEXT NOT NULL,
		PRIMARY KEY (recipe_id, from_step_id, to_step_id)
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contributions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		stage_slug TEXT NOT NULL,
		iteration_number INTEGER NOT NULL,
		model_id TEXT,
		document_key TEXT,
		contribution_type TEXT NOT NULL,
		file_name TEXT NOT NULL,
		storage_bucket TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT 'text/markdown',
		tokens_used_input INTEGER NOT NULL DEFAULT 0,
		tokens_used_output INTEGER NOT NULL DEFAULT 0,
		is_latest_edit INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contrib_session ON contributions(session_id, iteration_number, stage_slug);

	CREATE TABLE IF NOT EXISTS project_resources (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		session_id TEXT,
		stage_slug TEXT,
		iteration_number INTEGER,
		document_key TEXT,
		resource_type TEXT NOT NULL,
		file_name TEXT NOT NULL,
		storage_bucket TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_resources_project ON project_resources(project_id, resource_type);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		stage_slug TEXT,
		iteration_number INTEGER NOT NULL,
		document_key TEXT,
		file_name TEXT NOT NULL,
		storage_bucket TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_session ON feedback(session_id, iteration_number);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- JobRepository ---

const jobColumns = `id, parent_job_id, prerequisite_job_id, target_contribution_id,
	job_type, status, user_id, session_id, stage_slug, iteration_number,
	attempt_count, max_retries, payload, results, error_details,
	created_at, started_at, completed_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) InsertJobs(ctx context.Context, jobs []*model.GenerationJob) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		var errDetails sql.NullString
		if j.ErrorDetails != nil {
			b, err := json.Marshal(j.ErrorDetails)
			if err != nil {
				return fmt.Errorf("failed to marshal error details: %w", err)
			}
			errDetails = sql.NullString{String: string(b), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			j.ID, j.ParentJobID, j.PrerequisiteJobID, j.TargetContributionID,
			string(j.JobType), string(j.Status), j.UserID, j.SessionID,
			j.StageSlug, j.IterationNumber, j.AttemptCount, j.MaxRetries,
			string(j.Payload), nullRaw(j.Results), errDetails,
			j.CreatedAt.Unix(), nullTime(j.StartedAt), nullTime(j.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, results json.RawMessage, jobErr *model.JobError) error {
	var errDetails sql.NullString
	if jobErr != nil {
		b, err := json.Marshal(jobErr)
		if err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
		errDetails = sql.NullString{String: string(b), Valid: true}
	}

	var completedAt sql.NullInt64
	if status.IsTerminal() {
		completedAt = sql.NullInt64{Int64: time.Now().Unix(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?,
		    results = COALESCE(?, results),
		    error_details = COALESCE(?, error_details),
		    completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		string(status), nullRaw(results), errDetails, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
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

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) (*model.GenerationJob, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, attempt_count = attempt_count + 1,
		    started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(model.JobStatusProcessing), now, id,
		string(model.JobStatusCompleted), string(model.JobStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parentJobID string) ([]*model.GenerationJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE parent_job_id = ? ORDER BY created_at, id`,
		parentJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentJobID, err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]*model.GenerationJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE session_id = ? ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.GenerationJob, error) {
	var (
		j          model.GenerationJob
		jobType    string
		status     string
		payload    string
		results    sql.NullString
		errDetails sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		complete   sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.ParentJobID, &j.PrerequisiteJobID, &j.TargetContributionID,
		&jobType, &status, &j.UserID, &j.SessionID, &j.StageSlug, &j.IterationNumber,
		&j.AttemptCount, &j.MaxRetries, &payload, &results, &errDetails,
		&createdAt, &startedAt, &complete)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job row: %w", err)
	}

	j.JobType = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if results.Valid {
		j.Results = json.RawMessage(results.String)
	}
	if errDetails.Valid {
		var je model.JobError
		if err := json.Unmarshal([]byte(errDetails.String), &je); err == nil {
			j.ErrorDetails = &je
		}
	}
	j.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		j.StartedAt = &t
	}
	if complete.Valid {
		t := time.Unix(complete.Int64, 0)
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
