package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourorg/eylo/internal/queue"
)

// QueueComponent is the health component the heartbeat reports under.
const QueueComponent = "queue"

// RunHeartbeat probes the queue every interval and reports the result to
// health so the health endpoint tracks broker reachability even while
// workers are busy on long jobs. Must be run in a goroutine alongside
// Start().
func RunHeartbeat(ctx context.Context, q queue.Queue, health HealthReporter, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.Depth(ctx)
			if ctx.Err() != nil {
				return
			}
			ok := err == nil
			if ok != healthy {
				if ok {
					logger.Info("queue heartbeat recovered", "depth", depth)
				} else {
					logger.Error("queue heartbeat failed", "err", err)
				}
				healthy = ok
			}
			health.SetServing(QueueComponent, ok)
			if ok {
				logger.Debug("queue heartbeat", "depth", depth)
			}
		}
	}
}
