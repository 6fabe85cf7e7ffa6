package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facemoji/internal/logger"
	"facemoji/internal/models"
)

func newNotifier(t *testing.T) *Notifier {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewNotifier(client, logger.Nop())
}

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n := newNotifier(t)

	sub, err := n.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, n.Publish(ctx, models.JobEvent{JobID: "job-2", Event: models.EventClaimed}))
	require.NoError(t, n.Publish(ctx, models.JobEvent{JobID: "job-1", Event: models.EventSucceeded, Status: models.StatusSucceeded}))

	select {
	case ev := <-sub.C:
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, models.EventSucceeded, ev.Event)
		assert.Equal(t, models.StatusSucceeded, ev.Status)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestSubscriptionCloses(t *testing.T) {
	ctx := context.Background()
	n := newNotifier(t)

	sub, err := n.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
