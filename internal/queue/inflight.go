package queue

import "context"

// InflightTracker is implemented by backends that remember which claimed
// jobs are still being worked on. The store backend does not need one: the
// job row's processing status already says so.
type InflightTracker interface {
	// Release forgets jobID. Safe to call multiple times.
	Release(ctx context.Context, jobID string) error
	Inflight(ctx context.Context) (int64, error)
}

// Release removes jobID from the inflight SET. SREM on a missing member is
// a no-op, so a double release from worker and reaper is harmless.
func (q *RedisQueue) Release(ctx context.Context, jobID string) error {
	if err := q.Client.SRem(ctx, q.inflightKey, jobID).Err(); err != nil {
		return unavailable("srem", err)
	}
	return nil
}

func (q *RedisQueue) Inflight(ctx context.Context) (int64, error) {
	n, err := q.Client.SCard(ctx, q.inflightKey).Result()
	if err != nil {
		return 0, unavailable("scard", err)
	}
	return n, nil
}
