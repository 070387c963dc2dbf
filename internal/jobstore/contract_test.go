package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/eylo/internal/domain"
)

// runStoreContract exercises the behaviour every Store driver must share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateJobIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("user-1", time.Now())

		inserted, err := s.CreateJob(ctx, job)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.CreateJob(ctx, &domain.Job{ID: job.ID, UserID: "other", SourceURL: "x"})
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, got.Status)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, "token-abc", got.NotifyToken)
		assertInvariant(t, got)
	})

	t.Run("GetJobMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRecipe(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ClaimOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		newer := newJob("u", base.Add(2*time.Minute))
		older := newJob("u", base)
		middle := newJob("u", base.Add(time.Minute))
		for _, j := range []*domain.Job{newer, older, middle} {
			_, err := s.CreateJob(ctx, j)
			require.NoError(t, err)
		}

		n, err := s.CountQueued(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		var order []string
		for i := 0; i < 3; i++ {
			claimed, err := s.ClaimQueued(ctx)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, domain.StatusProcessing, claimed.Status)
			assert.NotNil(t, claimed.ClaimedAt)
			assert.NotEmpty(t, claimed.ExecutionID)
			order = append(order, claimed.ID)
		}
		assert.Equal(t, []string{older.ID, middle.ID, newer.ID}, order)

		claimed, err := s.ClaimQueued(ctx)
		require.NoError(t, err)
		assert.Nil(t, claimed)

		stored, err := s.GetJob(ctx, older.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, stored.Status)
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const jobs = 40
		base := time.Now().Add(-time.Hour)
		for i := 0; i < jobs; i++ {
			_, err := s.CreateJob(ctx, newJob("u", base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		var (
			mu     sync.Mutex
			counts = map[string]int{}
			wg     sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := s.ClaimQueued(ctx)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					counts[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, counts, jobs)
		for id, c := range counts {
			assert.Equal(t, 1, c, "job %s claimed %d times", id, c)
		}
	})

	t.Run("CompleteLinksRecipe", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("user-9", time.Now())
		execID, err := s.MarkProcessing(ctx, job.Envelope())
		require.NoError(t, err)
		require.NotEmpty(t, execID)

		recipe := &domain.Recipe{
			UserID:     job.UserID,
			Title:      "Shakshuka",
			SourceURL:  job.SourceURL,
			Platform:   "instagram",
			SourceType: "reel",
			Data:       mustJSON(t, domain.RecipeData{Title: "Shakshuka", Steps: []string{"cook"}}),
		}
		updated, err := s.Complete(ctx, job.ID, execID, recipe)
		require.NoError(t, err)
		require.True(t, updated)
		require.NotEmpty(t, recipe.ID)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, recipe.ID, got.ResultID)
		assert.NotNil(t, got.CompletedAt)
		assertInvariant(t, got)

		stored, err := s.GetRecipe(ctx, recipe.ID)
		require.NoError(t, err)
		assert.Equal(t, "Shakshuka", stored.Title)
		assert.Equal(t, job.ID, stored.JobID)
		var data domain.RecipeData
		require.NoError(t, json.Unmarshal(stored.Data, &data))
		assert.Equal(t, []string{"cook"}, data.Steps)

		list, err := s.ListRecipes(ctx, "user-9", 10, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, recipe.ID, list[0].ID)

		other, err := s.ListRecipes(ctx, "someone-else", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("CompleteIsFencedOnProcessing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("u", time.Now())
		_, err := s.CreateJob(ctx, job)
		require.NoError(t, err)

		recipe := &domain.Recipe{UserID: "u", Title: "t", SourceURL: job.SourceURL,
			Platform: "instagram", SourceType: "reel"}
		updated, err := s.Complete(ctx, job.ID, "", recipe)
		require.NoError(t, err)
		assert.False(t, updated)

		_, err = s.GetRecipe(ctx, recipe.ID)
		assert.ErrorIs(t, err, ErrNotFound, "fenced completion must not leave a recipe behind")

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, got.Status)
	})

	t.Run("FailThenResubmit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("u", time.Now())
		execID, err := s.MarkProcessing(ctx, job.Envelope())
		require.NoError(t, err)

		updated, err := s.Fail(ctx, job.ID, execID, "scrape: content removed")
		require.NoError(t, err)
		require.True(t, updated)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, "scrape: content removed", got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)
		assertInvariant(t, got)

		updated, err = s.Fail(ctx, job.ID, execID, "again")
		require.NoError(t, err)
		assert.False(t, updated, "failing a terminal job is fenced")

		updated, err = s.Requeue(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, updated)

		got, err = s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.CompletedAt)

		updated, err = s.Requeue(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, updated, "only failed jobs can be requeued")
	})

	t.Run("FailQueuedOnlyTouchesQueuedJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("u", time.Now())
		_, err := s.CreateJob(ctx, job)
		require.NoError(t, err)

		updated, err := s.FailQueued(ctx, job.ID, "queue_unavailable: connection refused")
		require.NoError(t, err)
		require.True(t, updated)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, "queue_unavailable: connection refused", got.ErrorMessage)
		assertInvariant(t, got)

		updated, err = s.FailQueued(ctx, job.ID, "again")
		require.NoError(t, err)
		assert.False(t, updated)

		updated, err = s.Requeue(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, updated)

		claimed, err := s.ClaimQueued(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		updated, err = s.FailQueued(ctx, job.ID, "too late")
		require.NoError(t, err)
		assert.False(t, updated, "a claimed job is not failed from intake")
	})

	t.Run("MarkProcessingClearsFailure", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("u", time.Now())
		execID, err := s.MarkProcessing(ctx, job.Envelope())
		require.NoError(t, err)
		_, err = s.Fail(ctx, job.ID, execID, "boom")
		require.NoError(t, err)

		_, err = s.MarkProcessing(ctx, job.Envelope())
		require.NoError(t, err)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.CompletedAt)
		assertInvariant(t, got)
	})

	t.Run("FailStale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := newJob("u", time.Now())
		_, err := s.MarkProcessing(ctx, stale.Envelope())
		require.NoError(t, err)

		cutoff := time.Now().Add(time.Second)
		ids, err := s.FailStale(ctx, cutoff, "job abandoned by worker")
		require.NoError(t, err)
		assert.Equal(t, []string{stale.ID}, ids)

		fresh := newJob("u", time.Now())
		_, err = s.MarkProcessing(ctx, fresh.Envelope())
		require.NoError(t, err)
		ids, err = s.FailStale(ctx, time.Now().Add(-time.Hour), "job abandoned by worker")
		require.NoError(t, err)
		assert.Empty(t, ids)

		got, err := s.GetJob(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, "job abandoned by worker", got.ErrorMessage)

		got, err = s.GetJob(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, got.Status)
	})

	t.Run("ReapedRunCannotFinishReclaimedJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("u", time.Now().Add(-time.Minute))
		_, err := s.CreateJob(ctx, job)
		require.NoError(t, err)

		first, err := s.ClaimQueued(ctx)
		require.NoError(t, err)
		require.NotNil(t, first)

		ids, err := s.FailStale(ctx, time.Now().Add(time.Second), "job abandoned by worker")
		require.NoError(t, err)
		require.Equal(t, []string{job.ID}, ids)

		updated, err := s.Requeue(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, updated)

		second, err := s.ClaimQueued(ctx)
		require.NoError(t, err)
		require.NotNil(t, second)
		require.NotEqual(t, first.ExecutionID, second.ExecutionID)

		recipe := &domain.Recipe{UserID: "u", Title: "late", SourceURL: job.SourceURL,
			Platform: "instagram", SourceType: "reel"}
		updated, err = s.Complete(ctx, job.ID, first.ExecutionID, recipe)
		require.NoError(t, err)
		assert.False(t, updated, "the reaped run must not complete the reclaimed job")
		_, err = s.GetRecipe(ctx, recipe.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		updated, err = s.Fail(ctx, job.ID, first.ExecutionID, "late failure")
		require.NoError(t, err)
		assert.False(t, updated)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, got.Status)
		assert.Equal(t, second.ExecutionID, got.ExecutionID)

		updated, err = s.Complete(ctx, job.ID, second.ExecutionID, &domain.Recipe{UserID: "u",
			Title: "fresh", SourceURL: job.SourceURL, Platform: "instagram", SourceType: "reel"})
		require.NoError(t, err)
		assert.True(t, updated)
	})

	t.Run("MarkProcessingIssuesNewExecution", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("u", time.Now())

		first, err := s.MarkProcessing(ctx, job.Envelope())
		require.NoError(t, err)
		second, err := s.MarkProcessing(ctx, job.Envelope())
		require.NoError(t, err)
		require.NotEqual(t, first, second)

		updated, err := s.Fail(ctx, job.ID, first, "superseded")
		require.NoError(t, err)
		assert.False(t, updated)

		updated, err = s.Fail(ctx, job.ID, second, "scrape: blocked")
		require.NoError(t, err)
		assert.True(t, updated)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ExecutionID, "terminal jobs hold no execution")
	})

	t.Run("ListJobsByUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.CreateJob(ctx, newJob("alice", time.Now().Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}
		_, err := s.CreateJob(ctx, newJob("bob", time.Now()))
		require.NoError(t, err)

		jobs, err := s.ListJobs(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.True(t, !jobs[0].CreatedAt.Before(jobs[1].CreatedAt), "newest first")

		all, err := s.ListJobs(ctx, "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func newJob(userID string, createdAt time.Time) *domain.Job {
	id := uuid.NewString()
	return &domain.Job{
		ID:          id,
		UserID:      userID,
		SourceURL:   fmt.Sprintf("https://www.instagram.com/reel/%s/", id[:8]),
		NotifyToken: "token-abc",
		CreatedAt:   createdAt.UTC(),
	}
}

func assertInvariant(t *testing.T, job *domain.Job) {
	t.Helper()
	assert.Equal(t, job.Status == domain.StatusCompleted, job.ResultID != "",
		"result_id set iff completed (status=%s)", job.Status)
	assert.Equal(t, job.Status == domain.StatusFailed, job.ErrorMessage != "",
		"error_message set iff failed (status=%s)", job.Status)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
