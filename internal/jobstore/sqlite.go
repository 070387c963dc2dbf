package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/yourorg/eylo/internal/domain"
)

// SQLiteStore implements Store on a local SQLite file. Timestamps are kept
// as unix nanoseconds so ordering and RETURNING scans stay exact.
type SQLiteStore struct {
	DB *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recipes (
    id          TEXT    PRIMARY KEY,
    user_id     TEXT    NOT NULL,
    job_id      TEXT    NOT NULL,
    title       TEXT    NOT NULL,
    source_url  TEXT    NOT NULL,
    platform    TEXT    NOT NULL,
    source_type TEXT    NOT NULL,
    description TEXT    NOT NULL DEFAULT '',
    data        TEXT    NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS recipes_user_created_idx ON recipes (user_id, created_at);

CREATE TABLE IF NOT EXISTS import_jobs (
    id            TEXT    PRIMARY KEY,
    user_id       TEXT    NOT NULL,
    source_url    TEXT    NOT NULL,
    status        TEXT    NOT NULL
                  CHECK (status IN ('queued', 'processing', 'completed', 'failed')),
    result_id     TEXT    REFERENCES recipes (id),
    error_message TEXT,
    notify_token  TEXT,
    created_at    INTEGER NOT NULL,
    claimed_at    INTEGER,
    completed_at  INTEGER,
    execution_id  TEXT,
    CHECK ((status = 'completed') = (result_id IS NOT NULL)),
    CHECK ((status = 'failed') = (error_message IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS import_jobs_status_created_idx ON import_jobs (status, created_at, id);
`

// OpenSQLite opens (creating if needed) the database at path. A single
// connection serialises writers so claims never see SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if err := addSQLiteColumn(ctx, db, "import_jobs", "execution_id", "TEXT"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{DB: db}, nil
}

// addSQLiteColumn upgrades database files created before column existed.
func addSQLiteColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLiteStore) Close() { s.DB.Close() }

const sqliteJobColumns = `id, user_id, source_url, status, result_id, error_message,
    notify_token, created_at, claimed_at, completed_at, execution_id`

// sqliteClaimSQL selects and marks in one statement; SQLite runs a single
// statement under the database write lock, so no second claimer can see the
// row as queued in between. The outer status check is the fence.
const sqliteClaimSQL = `
UPDATE import_jobs
SET
    status        = 'processing',
    claimed_at    = ?,
    execution_id  = ?,
    error_message = NULL,
    result_id     = NULL,
    completed_at  = NULL
WHERE id = (
        SELECT id FROM import_jobs
        WHERE status = 'queued'
        ORDER BY created_at ASC, id ASC
        LIMIT 1
    )
  AND status = 'queued'
RETURNING ` + sqliteJobColumns

func (s *SQLiteStore) ClaimQueued(ctx context.Context) (*domain.Job, error) {
	job, err := scanSQLiteJob(s.DB.QueryRowContext(ctx, sqliteClaimSQL,
		nanos(time.Now()), uuid.NewString()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM import_jobs WHERE status = 'queued'`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) (bool, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = domain.StatusQueued

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO import_jobs (id, user_id, source_url, status, notify_token, created_at)
		VALUES (?, ?, ?, 'queued', NULLIF(?, ''), ?)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.UserID, job.SourceURL, job.NotifyToken, nanos(job.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanSQLiteJob(s.DB.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM import_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sqliteJobColumns+`
		FROM import_jobs
		WHERE (? = '' OR user_id = ?)
		ORDER BY created_at DESC
		LIMIT ?`, userID, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, env domain.Envelope) (string, error) {
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	execID := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO import_jobs
			(id, user_id, source_url, status, notify_token, created_at, claimed_at, execution_id)
		VALUES (?, ?, ?, 'processing', NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status        = 'processing',
			error_message = NULL,
			result_id     = NULL,
			completed_at  = NULL,
			claimed_at    = excluded.claimed_at,
			execution_id  = excluded.execution_id`,
		env.JobID, env.UserID, env.SourceURL, env.NotifyToken, nanos(createdAt),
		nanos(time.Now()), execID)
	if err != nil {
		return "", fmt.Errorf("mark job processing: %w", err)
	}
	return execID, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, jobID, execID string, recipe *domain.Recipe) (bool, error) {
	prepareRecipe(recipe, jobID)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recipes
			(id, user_id, job_id, title, source_url, platform, source_type,
			 description, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recipe.ID, recipe.UserID, recipe.JobID, recipe.Title, recipe.SourceURL,
		recipe.Platform, recipe.SourceType, recipe.Description, string(recipe.Data),
		nanos(recipe.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert recipe: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE import_jobs SET
			status        = 'completed',
			result_id     = ?,
			error_message = NULL,
			completed_at  = ?,
			execution_id  = NULL
		WHERE id = ?
		  AND status = 'processing'
		  AND execution_id = ?`, recipe.ID, nanos(time.Now()), jobID, execID)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Fail(ctx context.Context, jobID, execID, msg string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE import_jobs SET
			status        = 'failed',
			error_message = ?,
			result_id     = NULL,
			completed_at  = ?,
			execution_id  = NULL
		WHERE id = ?
		  AND status = 'processing'
		  AND execution_id = ?`, failureMessage(msg), nanos(time.Now()), jobID, execID)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) FailQueued(ctx context.Context, jobID, msg string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE import_jobs SET
			status        = 'failed',
			error_message = ?,
			completed_at  = ?
		WHERE id = ?
		  AND status = 'queued'`, failureMessage(msg), nanos(time.Now()), jobID)
	if err != nil {
		return false, fmt.Errorf("fail queued job: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) Requeue(ctx context.Context, jobID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE import_jobs SET
			status        = 'queued',
			error_message = NULL,
			claimed_at    = NULL,
			completed_at  = NULL,
			execution_id  = NULL
		WHERE id = ?
		  AND status = 'failed'`, jobID)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) FailStale(ctx context.Context, olderThan time.Time, msg string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		UPDATE import_jobs SET
			status        = 'failed',
			error_message = ?,
			result_id     = NULL,
			completed_at  = ?,
			execution_id  = NULL
		WHERE status = 'processing'
		  AND claimed_at < ?
		RETURNING id`, failureMessage(msg), nanos(time.Now()), nanos(olderThan))
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const sqliteRecipeColumns = `id, user_id, job_id, title, source_url, platform,
    source_type, description, data, created_at`

func (s *SQLiteStore) GetRecipe(ctx context.Context, id string) (*domain.Recipe, error) {
	r, err := scanSQLiteRecipe(s.DB.QueryRowContext(ctx,
		`SELECT `+sqliteRecipeColumns+` FROM recipes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListRecipes(ctx context.Context, userID string, limit, offset int) ([]domain.Recipe, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sqliteRecipeColumns+`
		FROM recipes
		WHERE (? = '' OR user_id = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, userID, userID, clampLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipe
	for rows.Next() {
		r, err := scanSQLiteRecipe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job                           domain.Job
		status                        string
		resultID, errMsg, notifyToken sql.NullString
		execID                        sql.NullString
		createdAt                     int64
		claimedAt, completedAt        sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.SourceURL,
		&status,
		&resultID,
		&errMsg,
		&notifyToken,
		&createdAt,
		&claimedAt,
		&completedAt,
		&execID,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.ResultID = resultID.String
	job.ErrorMessage = errMsg.String
	job.NotifyToken = notifyToken.String
	job.ExecutionID = execID.String
	job.CreatedAt = fromNanos(createdAt)
	job.ClaimedAt = optionalTime(claimedAt)
	job.CompletedAt = optionalTime(completedAt)
	return &job, nil
}

func scanSQLiteRecipe(row rowScanner) (*domain.Recipe, error) {
	var (
		r         domain.Recipe
		data      string
		createdAt int64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.JobID, &r.Title, &r.SourceURL,
		&r.Platform, &r.SourceType, &r.Description, &data, &createdAt)
	if err != nil {
		return nil, err
	}
	r.Data = []byte(data)
	r.CreatedAt = fromNanos(createdAt)
	return &r, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func optionalTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
