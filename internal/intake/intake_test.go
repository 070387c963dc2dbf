package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/eylo/internal/domain"
	"github.com/yourorg/eylo/internal/jobstore"
	"github.com/yourorg/eylo/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) jobstore.Store {
	t.Helper()
	s, err := jobstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "eylo.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newRedisService(t *testing.T) (*Service, *queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", discardLogger())
	t.Cleanup(func() { q.Close() })
	return New(newStore(t), q, discardLogger()), q, mr
}

func TestSubmitCreatesQueuedJobAndEnqueues(t *testing.T) {
	ctx := context.Background()
	svc, q, _ := newRedisService(t)

	job, err := svc.Submit(ctx, SubmitRequest{
		UserID:      "u1",
		URL:         "  https://www.instagram.com/reel/abc123/  ",
		NotifyToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://www.instagram.com/reel/abc123/", job.SourceURL)

	stored, err := svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Equal(t, "u1", stored.UserID)

	env, err := q.ClaimNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, job.ID, env.JobID)
	assert.Equal(t, "tok", env.NotifyToken)
}

func TestSubmitRejectsUnsupportedURL(t *testing.T) {
	ctx := context.Background()
	svc, q, _ := newRedisService(t)

	_, err := svc.Submit(ctx, SubmitRequest{UserID: "u1", URL: "https://example.com/recipe"})
	assert.ErrorIs(t, err, ErrUnsupportedURL)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	jobs, err := svc.Jobs(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestUndeliveredSubmitCanBeResubmitted(t *testing.T) {
	ctx := context.Background()
	svc, q, mr := newRedisService(t)
	mr.SetError("ERR injected failure")

	job, err := svc.Submit(ctx, SubmitRequest{UserID: "u1", URL: "https://youtube.com/shorts/xyz"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.ErrorIs(t, err, queue.ErrUnavailable)
	require.NotNil(t, job)
	assert.Equal(t, domain.StatusFailed, job.Status)

	stored, err := svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.ErrorMessage, "queue_unavailable: "), stored.ErrorMessage)

	mr.SetError("")
	again, err := svc.Resubmit(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, again.Status)

	env, err := q.ClaimNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, job.ID, env.JobID)
}

func TestUndeliveredResubmitStaysResubmittable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := New(store, brokenQueue{}, discardLogger())

	job := &domain.Job{ID: "job-1", UserID: "u1", SourceURL: "https://youtu.be/abc"}
	_, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	_, err = store.FailQueued(ctx, job.ID, "scrape: blocked")
	require.NoError(t, err)

	got, err := svc.Resubmit(ctx, job.ID)
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusFailed, got.Status)

	_, err = svc.Resubmit(ctx, job.ID)
	assert.ErrorIs(t, err, ErrQueueUnavailable, "still failed, so still resubmittable")
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, domain.Envelope) error {
	return fmt.Errorf("enqueue: %w", queue.ErrUnavailable)
}
func (brokenQueue) ClaimNext(context.Context, time.Duration) (*domain.Envelope, error) {
	return nil, queue.ErrUnavailable
}
func (brokenQueue) Depth(context.Context) (int64, error) { return 0, queue.ErrUnavailable }
func (brokenQueue) Close() error                          { return nil }

func TestSubmitOnStoreQueueIsClaimable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	q := queue.NewStoreQueue(store, 10*time.Millisecond, discardLogger())
	svc := New(store, q, discardLogger())

	job, err := svc.Submit(ctx, SubmitRequest{UserID: "u1", URL: "https://www.tiktok.com/@chef/video/42"})
	require.NoError(t, err)

	env, err := q.ClaimNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, job.ID, env.JobID)
}

func TestResubmitFailedJob(t *testing.T) {
	ctx := context.Background()
	svc, q, _ := newRedisService(t)

	job, err := svc.Submit(ctx, SubmitRequest{UserID: "u1", URL: "https://www.instagram.com/p/xyz/", NotifyToken: "tok"})
	require.NoError(t, err)
	env, err := q.ClaimNext(ctx, time.Second)
	require.NoError(t, err)

	execID, err := svc.Store.MarkProcessing(ctx, *env)
	require.NoError(t, err)
	_, err = svc.Resubmit(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotResubmittable, "processing jobs cannot be resubmitted")

	updated, err := svc.Store.Fail(ctx, job.ID, execID, "scrape: timed out")
	require.NoError(t, err)
	require.True(t, updated)

	again, err := svc.Resubmit(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, domain.StatusQueued, again.Status)
	assert.Empty(t, again.ErrorMessage)

	env, err = q.ClaimNext(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, job.ID, env.JobID)
	assert.Equal(t, "tok", env.NotifyToken)
}

func TestResubmitMissingJob(t *testing.T) {
	svc, _, _ := newRedisService(t)
	_, err := svc.Resubmit(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotResubmittable))
}
