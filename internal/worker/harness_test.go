package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"facemoji/internal/artifact"
	"facemoji/internal/broker"
	"facemoji/internal/config"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/store"
	"facemoji/internal/store/storetest"
	"facemoji/internal/vision"
)

type fakeDetector struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) (vision.Result, error)
}

func (f *fakeDetector) DetectAndOverlay(ctx context.Context, _ vision.Request) (vision.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(ctx, n)
}

func (f *fakeDetector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rendered(context.Context, int) (vision.Result, error) {
	return vision.Result{
		Image:       []byte("rendered"),
		ContentType: "image/png",
		Ext:         "png",
		Faces:       []vision.FaceResult{{EmojiID: "happy_001"}},
	}, nil
}

type recordingCache struct {
	mu    sync.Mutex
	views map[string]models.StatusView
}

func (c *recordingCache) Put(_ context.Context, v models.StatusView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[v.JobID] = v
	return nil
}

func (c *recordingCache) get(id string) (models.StatusView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[id]
	return v, ok
}

type harness struct {
	cfg   config.Config
	p     *Processor
	st    *storetest.Memory
	b     *broker.Redis
	arts  artifact.Store
	cache *recordingCache
	det   *fakeDetector
}

func newHarness(t *testing.T, fn func(context.Context, int) (vision.Result, error), mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.WorkerID = "worker-test"
	cfg.WorkerConcurrency = 2
	cfg.WorkerPollInterval = 5 * time.Millisecond
	cfg.LeaseDuration = 2 * time.Second
	cfg.CollaboratorTimeout = time.Second
	cfg.VisibilityTimeout = 5 * time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 4 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewRedis(client, broker.RedisOptions{
		Queue:             "test",
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.WorkerPollInterval,
	})
	t.Cleanup(func() { _ = b.Close() })

	h := &harness{
		cfg:   cfg,
		st:    storetest.NewMemory(),
		b:     b,
		arts:  artifact.NewLocal(t.TempDir()),
		cache: &recordingCache{views: map[string]models.StatusView{}},
		det:   &fakeDetector{fn: fn},
	}
	log := logger.Nop()
	m := NewMaterializer(h.st, h.arts, h.cache, nil, log)
	h.p = NewProcessor(cfg, b, h.st, h.arts, h.det, m, nil, log)
	return h
}

func (h *harness) seed(t *testing.T, maxAttempts int) models.Job {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	ref := artifact.InputKey(id, "png")
	require.NoError(t, h.arts.Put(ctx, ref, []byte("input"), "image/png"))
	job, _, err := h.st.CreateJob(ctx, store.CreateJobParams{
		ID:          id,
		Emoji:       "auto",
		InputRef:    ref,
		ContentType: "image/png",
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) publish(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.b.Publish(context.Background(), id))
}

func (h *harness) receive(t *testing.T) broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := h.b.Receive(ctx)
	require.NoError(t, err)
	return d
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

type depth struct{ ready, scheduled, inflight int64 }

func (h *harness) depth(t *testing.T) depth {
	t.Helper()
	r, s, f, err := h.b.Depth(context.Background())
	require.NoError(t, err)
	return depth{r, s, f}
}

func (h *harness) eventNames(id string) []string {
	var out []string
	for _, ev := range h.st.Events() {
		if ev.JobID == id {
			out = append(out, ev.Event)
		}
	}
	return out
}
