// Package intake accepts import requests and hands them to the queue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/jobstore"
	"github.com/yourorg/eylo/internal/platform"
	"github.com/yourorg/eylo/internal/queue"
)

var (
	ErrUnsupportedURL   = errors.New("unsupported url")
	ErrNotResubmittable = errors.New("job is not resubmittable")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrNotFound         = jobstore.ErrNotFound
)

type SubmitRequest struct {
	UserID      string
	URL         string
	NotifyToken string
}

type Service struct {
	Store  jobstore.Store
	Queue  queue.Queue
	Logger *slog.Logger
}

func New(store jobstore.Store, q queue.Queue, logger *slog.Logger) *Service {
	return &Service{Store: store, Queue: q, Logger: logger}
}

// Submit records a queued job for req and enqueues its envelope. When the
// enqueue fails the job is failed with a queue_unavailable message, so it
// can be resubmitted, and returned alongside an ErrQueueUnavailable error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	url := strings.TrimSpace(req.URL)
	cls := platform.Classify(url)
	if !cls.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, url)
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		SourceURL:   url,
		NotifyToken: req.NotifyToken,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.Store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	log := s.Logger.With("job_id", job.ID, "user_id", job.UserID, "platform", cls.Platform)
	if err := s.Queue.Enqueue(ctx, job.Envelope()); err != nil {
		return s.undelivered(ctx, job, err, log)
	}
	log.Info("import submitted", "source_url", job.SourceURL)
	return job, nil
}

// Resubmit moves a failed job back to queued and enqueues it under the same
// id.
func (s *Service) Resubmit(ctx context.Context, jobID string) (*domain.Job, error) {
	updated, err := s.Store.Requeue(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	if !updated {
		return nil, fmt.Errorf("%w: %s", ErrNotResubmittable, jobID)
	}

	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, job.Envelope()); err != nil {
		return s.undelivered(ctx, job, err, s.Logger.With("job_id", jobID, "user_id", job.UserID))
	}
	s.Logger.Info("import resubmitted", "job_id", jobID, "user_id", job.UserID)
	return job, nil
}

// undelivered fails a job whose envelope never reached the queue. Nothing
// else would pick it up on the redis backend, and a failed job can be
// resubmitted. The returned job reflects the stored state.
func (s *Service) undelivered(ctx context.Context, job *domain.Job, cause error, log *slog.Logger) (*domain.Job, error) {
	msg := domain.Summary(domain.Transient(domain.KindQueueUnavailable, cause))
	failed, err := s.Store.FailQueued(ctx, job.ID, msg)
	switch {
	case err != nil:
		log.Error("enqueue failed and job could not be failed; left queued", "err", cause, "fail_err", err)
	case failed:
		log.Error("enqueue failed; job failed for resubmission", "err", cause)
	default:
		log.Warn("enqueue failed but job already left queued", "err", cause)
	}
	if stored, getErr := s.Store.GetJob(ctx, job.ID); getErr == nil {
		job = stored
	}
	return job, fmt.Errorf("%w: enqueue job %s: %w", ErrQueueUnavailable, job.ID, cause)
}

func (s *Service) Job(ctx context.Context, id string) (*domain.Job, error) {
	return s.Store.GetJob(ctx, id)
}

func (s *Service) Jobs(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	return s.Store.ListJobs(ctx, userID, limit)
}

func (s *Service) Recipe(ctx context.Context, id string) (*domain.Recipe, error) {
	return s.Store.GetRecipe(ctx, id)
}

func (s *Service) Recipes(ctx context.Context, userID string, limit, offset int) ([]domain.Recipe, error) {
	return s.Store.ListRecipes(ctx, userID, limit, offset)
}
