package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facemoji/internal/config"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/store"
	"facemoji/internal/store/storetest"
	"facemoji/internal/vision"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, base)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*base)
	assert.LessOrEqual(t, b3, 4*base)

	b10 := backoffWithJitter(base, max, 10)
	assert.LessOrEqual(t, b10, max)
	assert.Equal(t, base, backoffWithJitter(base, max, 0))
}

func TestHandleSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rendered, nil)
	job := h.seed(t, 3)
	h.publish(t, job.ID)

	h.p.handle(ctx, h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "results/"+job.ID+"-1.png", *got.ResultRef)
	require.NotNil(t, got.FacesDetected)
	assert.Equal(t, 1, *got.FacesDetected)

	body, err := h.arts.Get(ctx, *got.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(body))

	view, ok := h.cache.get(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSucceeded, view.Status)

	assert.Equal(t, []string{models.EventClaimed, models.EventSucceeded}, h.eventNames(job.ID))
	assert.Equal(t, depth{}, h.depth(t))
}

func TestHandleDuplicateAfterTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rendered, nil)
	job := h.seed(t, 3)
	h.publish(t, job.ID)
	h.p.handle(ctx, h.receive(t))
	before := h.job(t, job.ID)

	h.publish(t, job.ID)
	h.p.handle(ctx, h.receive(t))

	assert.Equal(t, 1, h.det.Calls())
	assert.Equal(t, before, h.job(t, job.ID))
	assert.Equal(t, depth{}, h.depth(t))
}

func TestHandleUnknownJobIsDropped(t *testing.T) {
	h := newHarness(t, rendered, nil)
	h.publish(t, uuid.NewString())

	h.p.handle(context.Background(), h.receive(t))

	assert.Zero(t, h.det.Calls())
	assert.Equal(t, depth{}, h.depth(t))
}

func TestRunRetriesUntilAttemptsExhausted(t *testing.T) {
	h := newHarness(t, func(context.Context, int) (vision.Result, error) {
		return vision.Result{}, &vision.DetectionError{Reason: "landmark service status 503"}
	}, nil)
	job := h.seed(t, 3)
	h.publish(t, job.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == models.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got := h.job(t, job.ID)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.ErrorDetail)
	assert.Contains(t, *got.ErrorDetail, "503")
	assert.Equal(t, 3, h.det.Calls())

	retries := 0
	for _, ev := range h.eventNames(job.ID) {
		if ev == models.EventRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestHandlePermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t, func(context.Context, int) (vision.Result, error) {
		return vision.Result{}, &vision.DetectionError{Reason: "landmark service rejected image (status 422)", Permanent: true}
	}, nil)
	job := h.seed(t, 3)
	h.publish(t, job.ID)

	h.p.handle(context.Background(), h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ErrorDetail)
	assert.Contains(t, *got.ErrorDetail, "rejected image")
	assert.Equal(t, depth{}, h.depth(t))
}

func TestHandleMissingInputFailsPermanently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rendered, nil)
	job := h.seed(t, 3)
	require.NoError(t, h.arts.Delete(ctx, job.InputRef))
	h.publish(t, job.ID)

	h.p.handle(ctx, h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Zero(t, h.det.Calls())
}

func TestHandleCollaboratorTimeoutRetries(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ int) (vision.Result, error) {
		<-ctx.Done()
		return vision.Result{}, ctx.Err()
	}, func(c *config.Config) { c.CollaboratorTimeout = 30 * time.Millisecond })
	job := h.seed(t, 3)
	h.publish(t, job.ID)

	h.p.handle(context.Background(), h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "timed out")
	assert.Equal(t, depth{scheduled: 1}, h.depth(t))
}

func TestHandleStoreFaultDelaysDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, rendered, nil)
	job := h.seed(t, 3)
	h.publish(t, job.ID)

	h.st.FailOn("CompleteJob", errors.New("connection reset"))
	h.p.handle(ctx, h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, depth{scheduled: 1}, h.depth(t))

	// Once the lease lapses the redelivered reference reclaims the job.
	h.st.FailOn("CompleteJob", nil)
	h.st.Now = func() time.Time { return time.Now().Add(time.Hour) }
	h.p.handle(ctx, h.receive(t))

	got = h.job(t, job.ID)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestHandleLiveLeaseReschedules(t *testing.T) {
	h := newHarness(t, rendered, nil)
	owner := "other-worker"
	lease := time.Now().Add(time.Minute)
	job := models.Job{
		ID:             uuid.NewString(),
		Status:         models.StatusProcessing,
		Emoji:          "auto",
		InputRef:       "inputs/x.png",
		Attempts:       1,
		MaxAttempts:    3,
		WorkerID:       &owner,
		LeaseExpiresAt: &lease,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	h.st.Put(job)
	h.publish(t, job.ID)

	h.p.handle(context.Background(), h.receive(t))

	assert.Zero(t, h.det.Calls())
	assert.Equal(t, job, h.job(t, job.ID))
	assert.Equal(t, depth{scheduled: 1}, h.depth(t))
}

func TestHandleLapsedFinalAttemptExpires(t *testing.T) {
	h := newHarness(t, rendered, nil)
	lease := time.Now().Add(-time.Minute)
	lastErr := "landmark service status 503"
	job := models.Job{
		ID:             uuid.NewString(),
		Status:         models.StatusProcessing,
		Emoji:          "auto",
		InputRef:       "inputs/x.png",
		Attempts:       3,
		MaxAttempts:    3,
		LeaseExpiresAt: &lease,
		LastError:      &lastErr,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	h.st.Put(job)
	h.publish(t, job.ID)

	h.p.handle(context.Background(), h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, lastErr, *got.ErrorDetail)
	assert.Zero(t, h.det.Calls())
	assert.Equal(t, depth{}, h.depth(t))
	assert.Equal(t, []string{models.EventExpired}, h.eventNames(job.ID))
}

func TestHandleShutdownAbandonsAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(context.Context, int) (vision.Result, error) {
		cancel()
		return vision.Result{}, context.Canceled
	}, nil)
	job := h.seed(t, 3)
	h.publish(t, job.ID)

	h.p.handle(ctx, h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, depth{ready: 1}, h.depth(t))
}

func TestRunConcurrentDuplicatesProcessOnce(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, n int) (vision.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return rendered(ctx, n)
	}, func(c *config.Config) {
		c.LeaseDuration = 300 * time.Millisecond
		c.CollaboratorTimeout = 200 * time.Millisecond
	})
	job := h.seed(t, 3)
	h.publish(t, job.ID)
	h.publish(t, job.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == models.StatusSucceeded && h.depth(t) == depth{}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.det.Calls())
	assert.Equal(t, 1, h.job(t, job.ID).Attempts)
}

func TestHandleShutdownOnFinalAttemptFailsOnceLeaseLapses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, func(context.Context, int) (vision.Result, error) {
		cancel()
		return vision.Result{}, context.Canceled
	}, func(c *config.Config) {
		c.LeaseDuration = 50 * time.Millisecond
		c.CollaboratorTimeout = 20 * time.Millisecond
	})
	job := h.seed(t, 1)
	h.publish(t, job.ID)

	h.p.handle(ctx, h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusProcessing, got.Status, "the final attempt is not handed back as pending")
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, depth{scheduled: 1}, h.depth(t))

	// A restarted worker picks the reference up after the lease lapses.
	h.p.handle(context.Background(), h.receive(t))

	got = h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, store.ExpiredLeaseDetail, *got.ErrorDetail)
	assert.Equal(t, 1, h.det.Calls())
	assert.Equal(t, depth{}, h.depth(t))
}

func TestHandlePendingWithoutAttemptsFails(t *testing.T) {
	h := newHarness(t, rendered, nil)
	lastErr := "worker shut down during attempt"
	job := models.Job{
		ID:          uuid.NewString(),
		Status:      models.StatusPending,
		Emoji:       "auto",
		InputRef:    "inputs/x.png",
		Attempts:    3,
		MaxAttempts: 3,
		LastError:   &lastErr,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	h.st.Put(job)
	h.publish(t, job.ID)

	h.p.handle(context.Background(), h.receive(t))

	got := h.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, lastErr, *got.ErrorDetail)
	assert.Zero(t, h.det.Calls())
	assert.Equal(t, depth{}, h.depth(t))
}

func TestRunSurvivesCollaboratorPanic(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, call int) (vision.Result, error) {
		if call == 1 {
			panic("landmark decoder: nil mesh")
		}
		return rendered(ctx, call)
	}, nil)
	job := h.seed(t, 3)
	h.publish(t, job.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == models.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	got := h.job(t, job.ID)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "collaborator panic")
	assert.Contains(t, h.eventNames(job.ID), models.EventRetry)
}

type countingStore struct {
	*storetest.Memory
	claims atomic.Int64
}

func (c *countingStore) ClaimJob(ctx context.Context, id, workerID string, lease time.Duration) (models.Job, bool, error) {
	c.claims.Add(1)
	return c.Memory.ClaimJob(ctx, id, workerID, lease)
}

func TestRunBacksOffWhileStoreIsDown(t *testing.T) {
	h := newHarness(t, rendered, func(c *config.Config) {
		c.BackoffInitial = 20 * time.Millisecond
		c.BackoffMax = 80 * time.Millisecond
	})
	st := &countingStore{Memory: h.st}
	log := logger.Nop()
	p := NewProcessor(h.cfg, h.b, st, h.arts, h.det, NewMaterializer(st, h.arts, nil, nil, log), nil, log)

	job := h.seed(t, 3)
	h.publish(t, job.ID)
	h.st.FailOn("ClaimJob", fmt.Errorf("claim job: %w", models.ErrStoreUnavailable))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(300 * time.Millisecond)
	calls := st.claims.Load()
	assert.GreaterOrEqual(t, calls, int64(1))
	assert.Less(t, calls, int64(20), "claims are spaced by backoff during an outage")

	h.st.FailOn("ClaimJob", nil)
	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == models.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleUnclaimableByClockReschedules(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		workerAt func(lease time.Time) time.Time
	}{
		{name: "lease ends exactly now", attempts: 1, workerAt: func(lease time.Time) time.Time { return lease }},
		{name: "worker clock ahead of store", attempts: 1, workerAt: func(lease time.Time) time.Time { return lease.Add(time.Minute) }},
		{name: "final attempt, worker clock ahead", attempts: 3, workerAt: func(lease time.Time) time.Time { return lease.Add(time.Minute) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, rendered, nil)
			lease := time.Now().Add(time.Minute)
			h.st.Now = func() time.Time { return lease }
			h.p.now = func() time.Time { return tt.workerAt(lease) }
			owner := "other-worker"
			job := models.Job{
				ID:             uuid.NewString(),
				Status:         models.StatusProcessing,
				Emoji:          "auto",
				InputRef:       "inputs/x.png",
				Attempts:       tt.attempts,
				MaxAttempts:    3,
				WorkerID:       &owner,
				LeaseExpiresAt: &lease,
				CreatedAt:      time.Now(),
				UpdatedAt:      time.Now(),
			}
			h.st.Put(job)
			h.publish(t, job.ID)

			h.p.handle(context.Background(), h.receive(t))

			assert.Zero(t, h.det.Calls())
			assert.Equal(t, job, h.job(t, job.ID))
			assert.Equal(t, depth{scheduled: 1}, h.depth(t), "rescheduled, not redelivered immediately")
		})
	}
}
