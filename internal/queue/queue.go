// Package queue hands job envelopes from intake to workers.
//
// Delivery is at-most-once per claim and envelopes may be lost or
// duplicated; the job store, not the queue, is the source of truth for job
// status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/jobstore"
)

// ErrUnavailable wraps every backend connectivity failure.
var ErrUnavailable = errors.New("queue unavailable")

const (
	BackendRedis = "redis"
	BackendStore = "store"
)

// Queue is implemented by the Redis list broker and the store-backed poller.
type Queue interface {
	Enqueue(ctx context.Context, env domain.Envelope) error
	// ClaimNext blocks for at most timeout. It returns nil, nil when nothing
	// became available.
	ClaimNext(ctx context.Context, timeout time.Duration) (*domain.Envelope, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// Config selects and parameterises a backend.
type Config struct {
	Backend      string
	RedisURL     string
	Name         string
	PollInterval time.Duration
}

// New returns the backend named by cfg.Backend. The store is only used by
// the store backend and is not closed by Queue.Close.
func New(ctx context.Context, cfg Config, store jobstore.Store, logger *slog.Logger) (Queue, error) {
	switch cfg.Backend {
	case BackendRedis:
		return NewRedis(ctx, cfg.RedisURL, cfg.Name, logger)
	case BackendStore:
		if store == nil {
			return nil, fmt.Errorf("store queue backend requires a job store")
		}
		return NewStoreQueue(store, cfg.PollInterval, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
