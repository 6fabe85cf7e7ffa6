package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facemoji/internal/artifact"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/store/storetest"
	"facemoji/internal/vision"
)

type brokenArtifacts struct{ artifact.Store }

func (brokenArtifacts) Put(context.Context, string, []byte, string) error {
	return errors.New("bucket unreachable")
}

type recordingEvents struct{ got []models.JobEvent }

func (r *recordingEvents) Publish(_ context.Context, ev models.JobEvent) error {
	r.got = append(r.got, ev)
	return nil
}

func claimed(t *testing.T, st *storetest.Memory, arts artifact.Store) models.Job {
	t.Helper()
	h := &harness{st: st, arts: arts}
	job := h.seed(t, 3)
	job, ok, err := st.ClaimJob(context.Background(), job.ID, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func result() *vision.Result {
	return &vision.Result{Image: []byte("out"), ContentType: "image/jpeg", Ext: "jpg", Faces: []vision.FaceResult{{}, {}}}
}

func TestPersistSuccess(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	arts := artifact.NewLocal(t.TempDir())
	events := &recordingEvents{}
	cache := &recordingCache{views: map[string]models.StatusView{}}
	m := NewMaterializer(st, arts, cache, events, logger.Nop())
	job := claimed(t, st, arts)

	applied, err := m.Persist(ctx, job, Outcome{Result: result()})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, 2, *got.FacesDetected)
	assert.Equal(t, "image/jpeg", *got.ResultContentType)

	body, err := arts.Get(ctx, artifact.ResultKey(job.ID, job.Attempts, "jpg"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(body))

	require.Len(t, events.got, 1)
	assert.Equal(t, models.EventSucceeded, events.got[0].Event)
	view, ok := cache.get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "results/"+job.ID+"-1.jpg", view.ResultRef)
}

func TestPersistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	arts := artifact.NewLocal(t.TempDir())
	m := NewMaterializer(st, arts, nil, nil, logger.Nop())
	job := claimed(t, st, arts)

	applied, err := m.Persist(ctx, job, Outcome{Result: result()})
	require.NoError(t, err)
	require.True(t, applied)
	first, _ := st.GetJob(ctx, job.ID)

	applied, err = m.Persist(ctx, job, Outcome{Detail: "late failure"})
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = m.Persist(ctx, job, Outcome{Result: result()})
	require.NoError(t, err)
	assert.False(t, applied)

	after, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, first, after)
}

func TestPersistLostFenceIsNoop(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	arts := artifact.NewLocal(t.TempDir())
	m := NewMaterializer(st, arts, nil, nil, logger.Nop())
	job := claimed(t, st, arts)

	// The lease lapses and another worker claims attempt 2.
	st.Now = func() time.Time { return time.Now().Add(time.Hour) }
	_, ok, err := st.ClaimJob(ctx, job.ID, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	applied, err := m.Persist(ctx, job, Outcome{Detail: "stale owner"})
	require.NoError(t, err)
	assert.False(t, applied)

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "w2", *got.WorkerID)
}

func TestPersistArtifactFailureLeavesJob(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	arts := artifact.NewLocal(t.TempDir())
	job := claimed(t, st, arts)
	m := NewMaterializer(st, brokenArtifacts{arts}, nil, nil, logger.Nop())

	applied, err := m.Persist(ctx, job, Outcome{Result: result()})
	require.Error(t, err)
	assert.False(t, applied)

	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Nil(t, got.ResultRef)
}

func TestPersistStaleAttemptKeepsWinnerArtifact(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	arts := artifact.NewLocal(t.TempDir())
	m := NewMaterializer(st, arts, nil, nil, logger.Nop())
	first := claimed(t, st, arts)

	st.Now = func() time.Time { return time.Now().Add(time.Hour) }
	second, ok, err := st.ClaimJob(ctx, first.ID, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	winner := &vision.Result{Image: []byte("second attempt"), ContentType: "image/png", Ext: "png"}
	applied, err := m.Persist(ctx, second, Outcome{Result: winner})
	require.NoError(t, err)
	require.True(t, applied)

	late := &vision.Result{Image: []byte("first attempt"), ContentType: "image/png", Ext: "png"}
	applied, err = m.Persist(ctx, first, Outcome{Result: late})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := st.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, artifact.ResultKey(first.ID, 2, "png"), *got.ResultRef)

	body, err := arts.Get(ctx, *got.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, "second attempt", string(body))

	_, err = arts.Get(ctx, artifact.ResultKey(first.ID, 1, "png"))
	assert.ErrorIs(t, err, artifact.ErrNotFound, "the stale attempt's object is removed")
}
