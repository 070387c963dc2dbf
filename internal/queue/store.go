package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/jobstore"
)

// StoreQueue uses the job table itself as the queue. Claims go through
// jobstore.Store.ClaimQueued, so a job is handed to at most one worker and
// the oldest queued job always goes first.
type StoreQueue struct {
	store        jobstore.Store
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewStoreQueue(store jobstore.Store, pollInterval time.Duration, logger *slog.Logger) *StoreQueue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &StoreQueue{store: store, pollInterval: pollInterval, logger: logger}
}

// Enqueue makes sure a queued row exists for env. A row that already exists
// is left as it is.
func (q *StoreQueue) Enqueue(ctx context.Context, env domain.Envelope) error {
	_, err := q.store.CreateJob(ctx, &domain.Job{
		ID:          env.JobID,
		UserID:      env.UserID,
		SourceURL:   env.SourceURL,
		NotifyToken: env.NotifyToken,
		CreatedAt:   env.CreatedAt,
	})
	if err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

func (q *StoreQueue) ClaimNext(ctx context.Context, timeout time.Duration) (*domain.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := q.store.ClaimQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, unavailable("claim", err)
		}
		if job != nil {
			env := job.Envelope()
			return &env, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > q.pollInterval {
			wait = q.pollInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *StoreQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.CountQueued(ctx)
	if err != nil {
		return 0, fmt.Errorf("depth: %w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Close is a no-op; the store belongs to the caller.
func (q *StoreQueue) Close() error { return nil }
