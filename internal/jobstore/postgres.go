package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yourorg/eylo/internal/db"
	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/migrate"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := migrate.Run(ctx, pool, slog.Default()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{Pool: pool}, nil
}

func (s *PostgresStore) Close() { s.Pool.Close() }

const jobColumns = `
    import_jobs.id, import_jobs.user_id, import_jobs.source_url, import_jobs.status,
    import_jobs.result_id, import_jobs.error_message, import_jobs.notify_token,
    import_jobs.created_at, import_jobs.claimed_at, import_jobs.completed_at,
    import_jobs.execution_id`

// pgClaimSQL atomically selects and locks the oldest queued job and marks it
// processing. FOR UPDATE SKIP LOCKED lets concurrent claimers move on to the
// next row instead of blocking on, or double-claiming, a locked one.
const pgClaimSQL = `
WITH candidate AS (
    SELECT id FROM import_jobs
    WHERE status = 'queued'
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE import_jobs
SET
    status        = 'processing',
    claimed_at    = NOW(),
    execution_id  = $1,
    error_message = NULL,
    result_id     = NULL,
    completed_at  = NULL
FROM candidate
WHERE import_jobs.id = candidate.id
RETURNING` + jobColumns

func (s *PostgresStore) ClaimQueued(ctx context.Context) (*domain.Job, error) {
	job, err := scanPGJob(s.Pool.QueryRow(ctx, pgClaimSQL, uuid.NewString()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM import_jobs WHERE status = 'queued'`).Scan(&n)
	return n, err
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) (bool, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = domain.StatusQueued

	var id string
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO import_jobs (id, user_id, source_url, status, notify_token, created_at)
		VALUES ($1, $2, $3, 'queued', NULLIF($4, ''), $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING id`,
		job.ID, job.UserID, job.SourceURL, job.NotifyToken, job.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanPGJob(s.Pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM import_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	rows, err := s.Pool.Query(ctx, `SELECT`+jobColumns+`
		FROM import_jobs
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, env domain.Envelope) (string, error) {
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	execID := uuid.NewString()
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO import_jobs
			(id, user_id, source_url, status, notify_token, created_at, claimed_at, execution_id)
		VALUES ($1, $2, $3, 'processing', NULLIF($4, ''), $5, NOW(), $6)
		ON CONFLICT (id) DO UPDATE SET
			status        = 'processing',
			error_message = NULL,
			result_id     = NULL,
			completed_at  = NULL,
			claimed_at    = NOW(),
			execution_id  = EXCLUDED.execution_id`,
		env.JobID, env.UserID, env.SourceURL, env.NotifyToken, createdAt, execID)
	if err != nil {
		return "", fmt.Errorf("mark job processing: %w", err)
	}
	return execID, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, execID string, recipe *domain.Recipe) (bool, error) {
	prepareRecipe(recipe, jobID)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO recipes
			(id, user_id, job_id, title, source_url, platform, source_type,
			 description, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
		recipe.ID, recipe.UserID, recipe.JobID, recipe.Title, recipe.SourceURL,
		recipe.Platform, recipe.SourceType, recipe.Description, []byte(recipe.Data),
		recipe.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert recipe: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE import_jobs SET
			status        = 'completed',
			result_id     = $1,
			error_message = NULL,
			completed_at  = NOW(),
			execution_id  = NULL
		WHERE id = $2
		  AND status = 'processing'
		  AND execution_id = $3`, recipe.ID, jobID, execID)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit complete: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, execID, msg string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE import_jobs SET
			status        = 'failed',
			error_message = $1,
			result_id     = NULL,
			completed_at  = NOW(),
			execution_id  = NULL
		WHERE id = $2
		  AND status = 'processing'
		  AND execution_id = $3`, failureMessage(msg), jobID, execID)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FailQueued(ctx context.Context, jobID, msg string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE import_jobs SET
			status        = 'failed',
			error_message = $1,
			completed_at  = NOW()
		WHERE id = $2
		  AND status = 'queued'`, failureMessage(msg), jobID)
	if err != nil {
		return false, fmt.Errorf("fail queued job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Requeue(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE import_jobs SET
			status        = 'queued',
			error_message = NULL,
			claimed_at    = NULL,
			completed_at  = NULL,
			execution_id  = NULL
		WHERE id = $1
		  AND status = 'failed'`, jobID)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailStale bounds work per call to 500 rows; SKIP LOCKED keeps it from
// waiting on rows a worker is finalizing.
func (s *PostgresStore) FailStale(ctx context.Context, olderThan time.Time, msg string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		WITH stale AS (
			SELECT id FROM import_jobs
			WHERE status = 'processing' AND claimed_at < $1
			ORDER BY claimed_at ASC
			LIMIT 500
			FOR UPDATE SKIP LOCKED
		)
		UPDATE import_jobs SET
			status        = 'failed',
			error_message = $2,
			result_id     = NULL,
			completed_at  = NOW(),
			execution_id  = NULL
		FROM stale
		WHERE import_jobs.id = stale.id
		RETURNING import_jobs.id`, olderThan, failureMessage(msg))
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	return ids, nil
}

const recipeColumns = `id, user_id, job_id, title, source_url, platform, source_type,
    COALESCE(description, ''), data, created_at`

func (s *PostgresStore) GetRecipe(ctx context.Context, id string) (*domain.Recipe, error) {
	r, err := scanPGRecipe(s.Pool.QueryRow(ctx,
		`SELECT `+recipeColumns+` FROM recipes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) ListRecipes(ctx context.Context, userID string, limit, offset int) ([]domain.Recipe, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+recipeColumns+`
		FROM recipes
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, clampLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipe
	for rows.Next() {
		r, err := scanPGRecipe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// scanPGJob populates a Job from jobColumns. The column order must match.
func scanPGJob(row pgx.Row) (*domain.Job, error) {
	var (
		job                           domain.Job
		status                        string
		resultID, errMsg, notifyToken *string
		execID                        *string
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.SourceURL,
		&status,
		&resultID,
		&errMsg,
		&notifyToken,
		&job.CreatedAt,
		&job.ClaimedAt,
		&job.CompletedAt,
		&execID,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.ResultID = deref(resultID)
	job.ErrorMessage = deref(errMsg)
	job.NotifyToken = deref(notifyToken)
	job.ExecutionID = deref(execID)
	return &job, nil
}

func scanPGRecipe(row pgx.Row) (*domain.Recipe, error) {
	var (
		r    domain.Recipe
		data []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &r.JobID, &r.Title, &r.SourceURL,
		&r.Platform, &r.SourceType, &r.Description, &data, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Data = data
	return &r, nil
}

func prepareRecipe(recipe *domain.Recipe, jobID string) {
	if recipe.ID == "" {
		recipe.ID = uuid.NewString()
	}
	if recipe.CreatedAt.IsZero() {
		recipe.CreatedAt = time.Now().UTC()
	}
	if len(recipe.Data) == 0 {
		recipe.Data = []byte("{}")
	}
	recipe.JobID = jobID
}

// failureMessage keeps the failed ⇔ error_message invariant when a caller
// passes an empty message.
func failureMessage(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	return msg
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
