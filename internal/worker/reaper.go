package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourorg/eylo/internal/queue"
)

// AbandonedMessage is recorded on jobs the reaper fails.
const AbandonedMessage = "job abandoned by worker: processing exceeded stale threshold"

// StaleFailer is the subset of jobstore.Store the reaper needs.
type StaleFailer interface {
	FailStale(ctx context.Context, olderThan time.Time, msg string) ([]string, error)
}

// RunReaper ticks every interval and fails jobs that have been processing
// for longer than staleAfter. Those are jobs whose worker crashed or was
// shut down mid-job. FailStale is idempotent so several reapers may run.
// When q keeps an inflight record the reaped ids are released from it.
func RunReaper(ctx context.Context, store StaleFailer, q queue.Queue, interval, staleAfter time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := ReapOnce(ctx, store, staleAfter, logger)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("reaper: stale reap failed", "err", err)
				}
				continue
			}
			releaseInflight(ctx, q, ids, logger)
		}
	}
}

// ReapOnce runs a single reaper pass.
func ReapOnce(ctx context.Context, store StaleFailer, staleAfter time.Duration, logger *slog.Logger) ([]string, error) {
	ids, err := store.FailStale(ctx, time.Now().Add(-staleAfter), AbandonedMessage)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		logger.Warn("reaper: failed stale job", "job_id", id, "stale_after", staleAfter)
	}
	return ids, nil
}

func releaseInflight(ctx context.Context, q queue.Queue, ids []string, logger *slog.Logger) {
	tracker, ok := q.(queue.InflightTracker)
	if !ok {
		return
	}
	for _, id := range ids {
		if err := tracker.Release(ctx, id); err != nil {
			logger.Warn("reaper: inflight release failed", "job_id", id, "err", err)
		}
	}
}
