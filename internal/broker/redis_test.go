package broker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facemoji/internal/models"
)

func newTestRedis(t *testing.T, visibility time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisOptions{
		Queue:             "test",
		VisibilityTimeout: visibility,
		PollInterval:      5 * time.Millisecond,
	}), mr
}

func receiveWithin(t *testing.T, b Broker, d time.Duration) (Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.Receive(ctx)
}

func TestRedisPublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t, time.Minute)
	id := uuid.NewString()

	require.NoError(t, q.Publish(ctx, id))
	d, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, d.JobID())

	_, _, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, d.Ack(ctx))
	ready, scheduled, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready+scheduled+inflight)
}

func TestRedisReceiveHonorsContext(t *testing.T) {
	q, _ := newTestRedis(t, time.Minute)
	_, err := receiveWithin(t, q, 30*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisUnackedDeliveryIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t, 20*time.Millisecond)
	id := uuid.NewString()
	require.NoError(t, q.Publish(ctx, id))

	first, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	second, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, second.JobID())

	// The late ack of the first delivery must not disturb the second.
	require.NoError(t, first.Ack(ctx))
	_, _, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)
	require.NoError(t, second.Ack(ctx))
}

func TestRedisDuplicatePublishesAreIndependent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t, time.Minute)
	id := uuid.NewString()
	require.NoError(t, q.Publish(ctx, id))
	require.NoError(t, q.Publish(ctx, id))

	a, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	b, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Ack(ctx))

	_, _, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)
	require.NoError(t, b.Ack(ctx))
}

func TestRedisRetryDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t, time.Minute)
	id := uuid.NewString()
	require.NoError(t, q.Publish(ctx, id))

	d, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	require.NoError(t, d.Retry(ctx, 50*time.Millisecond))

	_, scheduled, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), scheduled)
	assert.Zero(t, inflight)

	_, err = receiveWithin(t, q, 10*time.Millisecond)
	assert.Error(t, err, "not due yet")

	again, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, again.JobID())
}

func TestRedisRelease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t, time.Minute)
	id := uuid.NewString()
	require.NoError(t, q.Publish(ctx, id))

	d, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx))

	again, err := receiveWithin(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, again.JobID())
}

func TestRedisPublishAtPast(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t, time.Minute)
	require.NoError(t, q.PublishAt(ctx, uuid.NewString(), time.Now().Add(-time.Second)))
	ready, _, _, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
}

func TestRedisUnavailable(t *testing.T) {
	q, mr := newTestRedis(t, time.Minute)
	mr.Close()
	err := q.Publish(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, models.ErrBrokerUnavailable)
}

func TestMessageCodec(t *testing.T) {
	id := uuid.NewString()
	body, err := encodeMessage(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"`+id+`"}`, string(body))

	got, err := decodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = decodeMessage([]byte(`{"job_id":"nope"}`))
	assert.Error(t, err)
	_, err = decodeMessage([]byte(`not json`))
	assert.Error(t, err)
}
