package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facemoji/internal/models"
	"facemoji/internal/store"
)

// RunContract exercises the JobStore semantics every implementation must
// share. newStore must return an empty store.
func RunContract(t *testing.T, newStore func(t *testing.T) store.JobStore) {
	ctx := context.Background()

	create := func(t *testing.T, s store.JobStore, maxAttempts int) models.Job {
		t.Helper()
		job, existed, err := s.CreateJob(ctx, store.CreateJobParams{
			ID:          uuid.NewString(),
			Emoji:       "auto",
			InputRef:    "inputs/x.jpg",
			ContentType: "image/jpeg",
			MaxAttempts: maxAttempts,
		})
		require.NoError(t, err)
		require.False(t, existed)
		return job
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		job := create(t, s, 3)
		assert.Equal(t, models.StatusPending, job.Status)
		assert.Zero(t, job.Attempts)
		assert.Nil(t, job.ResultRef)
		assert.Nil(t, job.ErrorDetail)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "inputs/x.jpg", got.InputRef)

		_, err = s.GetJob(ctx, uuid.NewString())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("idempotency key reuses job", func(t *testing.T) {
		s := newStore(t)
		p := store.CreateJobParams{ID: uuid.NewString(), InputRef: "inputs/a.png", MaxAttempts: 3, IdempotencyKey: "k1", IdempotencyTTL: time.Hour}
		first, existed, err := s.CreateJob(ctx, p)
		require.NoError(t, err)
		require.False(t, existed)

		p.ID = uuid.NewString()
		second, existed, err := s.CreateJob(ctx, p)
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, first.ID, second.ID)

		found, ok, err := s.FindByIdempotencyKey(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.ID, found.ID)
	})

	t.Run("concurrent claims grant one owner", func(t *testing.T) {
		s := newStore(t)
		job := create(t, s, 3)

		var wg sync.WaitGroup
		results := make([]bool, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, claimed, err := s.ClaimJob(ctx, job.ID, "w", time.Minute)
				assert.NoError(t, err)
				results[i] = claimed
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, ok := range results {
			if ok {
				winners++
			}
		}
		assert.Equal(t, 1, winners)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("claim unknown job", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.ClaimJob(ctx, uuid.NewString(), "w", time.Minute)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("terminal writes are fenced and final", func(t *testing.T) {
		s := newStore(t)
		job := create(t, s, 3)
		claimed, ok, err := s.ClaimJob(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		applied, err := s.CompleteJob(ctx, job.ID, claimed.Attempts+1, store.Completion{ResultRef: "results/x.jpg", ContentType: "image/jpeg"})
		require.NoError(t, err)
		assert.False(t, applied, "stale attempt must not apply")

		applied, err = s.CompleteJob(ctx, job.ID, claimed.Attempts, store.Completion{ResultRef: "results/x.jpg", ContentType: "image/jpeg", Faces: 2})
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.FailJob(ctx, job.ID, claimed.Attempts, "late failure")
		require.NoError(t, err)
		assert.False(t, applied)

		_, ok, err = s.ClaimJob(ctx, job.ID, "w2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, got.Status)
		require.NotNil(t, got.ResultRef)
		assert.Equal(t, "results/x.jpg", *got.ResultRef)
		require.NotNil(t, got.FacesDetected)
		assert.Equal(t, 2, *got.FacesDetected)
		assert.Nil(t, got.ErrorDetail)
	})

	t.Run("release then reclaim counts attempts", func(t *testing.T) {
		s := newStore(t)
		job := create(t, s, 2)
		claimed, ok, err := s.ClaimJob(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		applied, err := s.ReleaseJob(ctx, job.ID, claimed.Attempts, "timeout")
		require.NoError(t, err)
		require.True(t, applied)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "timeout", *got.LastError)
		assert.Nil(t, got.ErrorDetail)

		claimed, ok, err = s.ClaimJob(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, claimed.Attempts)

		applied, err = s.ReleaseJob(ctx, job.ID, claimed.Attempts, "timeout again")
		require.NoError(t, err)
		require.True(t, applied)

		_, ok, err = s.ClaimJob(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "attempts exhausted")
	})

	t.Run("lapsed lease is reclaimable and fences the old owner", func(t *testing.T) {
		s := newStore(t)
		job := create(t, s, 3)
		first, ok, err := s.ClaimJob(ctx, job.ID, "w1", 30*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = s.ClaimJob(ctx, job.ID, "w2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "lease still live")

		time.Sleep(120 * time.Millisecond)
		second, ok, err := s.ClaimJob(ctx, job.ID, "w2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, second.Attempts)

		applied, err := s.CompleteJob(ctx, job.ID, first.Attempts, store.Completion{ResultRef: "results/x.jpg"})
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("expire job after final lease lapses", func(t *testing.T) {
		s := newStore(t)
		job := create(t, s, 1)
		_, ok, err := s.ClaimJob(ctx, job.ID, "w", 30*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		applied, err := s.ExpireJob(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, applied, "lease still live")

		time.Sleep(120 * time.Millisecond)
		_, ok, err = s.ClaimJob(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		applied, err = s.ExpireJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorDetail)
		assert.Equal(t, store.ExpiredLeaseDetail, *got.ErrorDetail)
	})

	t.Run("expire exhausted pending job", func(t *testing.T) {
		s := newStore(t)
		spare := create(t, s, 3)
		applied, err := s.ExpireJob(ctx, spare.ID)
		require.NoError(t, err)
		assert.False(t, applied, "attempts remain")

		job := create(t, s, 1)
		claimed, ok, err := s.ClaimJob(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		released, err := s.ReleaseJob(ctx, job.ID, claimed.Attempts, "worker restarted")
		require.NoError(t, err)
		require.True(t, released)

		applied, err = s.ExpireJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorDetail)
		assert.Equal(t, "worker restarted", *got.ErrorDetail)
	})

	t.Run("sweep returns stale rows once per window", func(t *testing.T) {
		s := newStore(t)
		pending := create(t, s, 3)
		done := create(t, s, 3)
		claimed, _, err := s.ClaimJob(ctx, done.ID, "w", time.Minute)
		require.NoError(t, err)
		_, err = s.CompleteJob(ctx, done.ID, claimed.Attempts, store.Completion{ResultRef: "results/d.jpg"})
		require.NoError(t, err)

		cutoff := time.Now().Add(time.Second)
		ids, err := s.SweepStale(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{pending.ID}, ids)

		ids, err = s.SweepStale(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		s := newStore(t)
		created := make([]models.Job, 0, 5)
		for i := 0; i < 5; i++ {
			created = append(created, create(t, s, 3))
			time.Sleep(2 * time.Millisecond)
		}

		page, err := s.ListJobs(ctx, store.ListFilter{Limit: 3})
		require.NoError(t, err)
		require.Len(t, page.Jobs, 3)
		require.NotNil(t, page.Next)
		assert.Equal(t, created[4].ID, page.Jobs[0].ID)

		rest, err := s.ListJobs(ctx, store.ListFilter{Limit: 3, Cursor: page.Next})
		require.NoError(t, err)
		require.Len(t, rest.Jobs, 2)
		assert.Nil(t, rest.Next)
		assert.Equal(t, created[0].ID, rest.Jobs[1].ID)

		filtered, err := s.ListJobs(ctx, store.ListFilter{Status: models.StatusSucceeded})
		require.NoError(t, err)
		assert.Empty(t, filtered.Jobs)

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), counts[models.StatusPending])
	})

	t.Run("append event", func(t *testing.T) {
		s := newStore(t)
		job := create(t, s, 3)
		require.NoError(t, s.AppendEvent(ctx, models.JobEvent{JobID: job.ID, Event: models.EventSubmitted, Status: job.Status}))
	})
}
