// Package jobstore persists import jobs and their recipe results.
//
// Two drivers share the Store contract: PostgreSQL for deployed workers and
// SQLite for a single-host setup. In both, ClaimQueued is one atomic
// conditional statement; it is the only place a job moves from queued to
// processing on the store-backed queue.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/eylo/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the job and result persistence used by intake, the queue and
// the agent.
type Store interface {
	// CreateJob inserts job in queued status. When a job with the same id
	// already exists it is left untouched and inserted is false.
	CreateJob(ctx context.Context, job *domain.Job) (inserted bool, err error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]domain.Job, error)

	// ClaimQueued atomically marks the oldest queued job processing and
	// returns it. Returns nil, nil when nothing is queued.
	ClaimQueued(ctx context.Context) (*domain.Job, error)
	CountQueued(ctx context.Context) (int64, error)

	// MarkProcessing upserts the job named by env into processing and clears
	// error, result and completion fields regardless of its current status.
	// The returned execution id fences this run's Complete or Fail.
	MarkProcessing(ctx context.Context, env domain.Envelope) (execID string, err error)

	// Complete stores recipe and marks the job completed in one transaction.
	// It is fenced on status processing and execID: when the job is no
	// longer processing, or another run has claimed it since, nothing is
	// written and updated is false.
	Complete(ctx context.Context, jobID, execID string, recipe *domain.Recipe) (updated bool, err error)
	// Fail marks a processing job failed with msg. Fenced like Complete.
	Fail(ctx context.Context, jobID, execID, msg string) (updated bool, err error)
	// FailQueued fails a job that is still queued. Intake uses it when the
	// job's envelope could not be delivered, so the job can be resubmitted.
	FailQueued(ctx context.Context, jobID, msg string) (updated bool, err error)
	// Requeue moves a failed job back to queued for resubmission.
	Requeue(ctx context.Context, jobID string) (updated bool, err error)
	// FailStale fails processing jobs claimed before olderThan and returns
	// the affected ids.
	FailStale(ctx context.Context, olderThan time.Time, msg string) ([]string, error)

	GetRecipe(ctx context.Context, id string) (*domain.Recipe, error)
	ListRecipes(ctx context.Context, userID string, limit, offset int) ([]domain.Recipe, error)

	Close()
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects the configured driver and prepares its schema.
func Open(ctx context.Context, driver, databaseURL, sqlitePath string) (Store, error) {
	switch driver {
	case DriverPostgres:
		return OpenPostgres(ctx, databaseURL)
	case DriverSQLite:
		return OpenSQLite(ctx, sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
