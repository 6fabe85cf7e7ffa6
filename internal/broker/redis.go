package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the Redis broker.
type RedisOptions struct {
	Queue             string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
}

// Redis coordinates ready, in-flight, and scheduled references in Redis.
// In-flight entries carry a per-delivery token so duplicate deliveries of the
// same job are tracked independently.
type Redis struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	pollInterval  time.Duration
	batch         int64
}

var _ Broker = (*Redis)(nil)

// NewRedis builds a broker on an existing client.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	queue := opts.Queue
	if queue == "" {
		queue = "facemoji"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	poll := opts.PollInterval
	if poll == 0 {
		poll = time.Second
	}
	batch := opts.BatchSize
	if batch == 0 {
		batch = 100
	}
	return &Redis{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", queue),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", queue),
		scheduledKey:  fmt.Sprintf("queue:%s:scheduled", queue),
		visibilityTTL: visibility,
		pollInterval:  poll,
		batch:         batch,
	}
}

// Publish appends a reference to the ready list.
func (q *Redis) Publish(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// PublishAt defers a reference until at.
func (q *Redis) PublishAt(ctx context.Context, jobID string, at time.Time) error {
	if !at.After(time.Now()) {
		return q.Publish(ctx, jobID)
	}
	if err := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(at.UnixMilli()), Member: jobID}).Err(); err != nil {
		return unavailable("schedule", err)
	}
	return nil
}

// Receive polls until a reference is leased or ctx ends. Every poll first
// promotes due scheduled references and returns expired leases to the list.
func (q *Redis) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if _, err := q.PromoteScheduled(ctx, now); err != nil {
			return nil, err
		}
		if _, err := q.RequeueExpired(ctx, now); err != nil {
			return nil, err
		}
		d, err := q.dequeue(ctx, now)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Redis) dequeue(ctx context.Context, now time.Time) (*redisDelivery, error) {
	token := uuid.NewString()
	deadline := now.Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline, token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return &redisDelivery{q: q, jobID: jobID, member: inflightMember(jobID, token)}, nil
}

// PromoteScheduled moves due scheduled references into the ready list.
func (q *Redis) PromoteScheduled(ctx context.Context, now time.Time) (int64, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), q.batch).Int64()
	if err != nil {
		return 0, unavailable("promote scheduled", err)
	}
	return n, nil
}

// RequeueExpired returns references whose visibility timeout passed
// without an ack.
func (q *Redis) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, now.UnixMilli(), q.batch).Int64()
	if err != nil {
		return 0, unavailable("requeue expired", err)
	}
	return n, nil
}

// Depth reports the ready, scheduled and in-flight counts.
func (q *Redis) Depth(ctx context.Context) (ready, scheduled, inflight int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey)
	s := pipe.ZCard(ctx, q.scheduledKey)
	f := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, unavailable("depth", err)
	}
	return r.Val(), s.Val(), f.Val(), nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}

type redisDelivery struct {
	q      *Redis
	jobID  string
	member string
}

func (d *redisDelivery) JobID() string { return d.jobID }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.q.client.ZRem(ctx, d.q.inflightKey, d.member).Err(); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (d *redisDelivery) Retry(ctx context.Context, delay time.Duration) error {
	at := time.Now().Add(delay)
	pipe := d.q.client.TxPipeline()
	pipe.ZRem(ctx, d.q.inflightKey, d.member)
	pipe.ZAdd(ctx, d.q.scheduledKey, redis.Z{Score: float64(at.UnixMilli()), Member: d.jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("retry", err)
	}
	return nil
}

func (d *redisDelivery) Release(ctx context.Context) error {
	pipe := d.q.client.TxPipeline()
	pipe.ZRem(ctx, d.q.inflightKey, d.member)
	pipe.RPush(ctx, d.q.readyKey, d.jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("release", err)
	}
	return nil
}

func inflightMember(jobID, token string) string {
	return jobID + "|" + token
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job .. '|' .. ARGV[2])
return job
`)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, job in ipairs(due) do
  if redis.call('ZREM', KEYS[1], job) == 1 then
    redis.call('RPUSH', KEYS[2], job)
    moved = moved + 1
  end
end
return moved
`)

var requeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, member in ipairs(expired) do
  if redis.call('ZREM', KEYS[1], member) == 1 then
    local sep = string.find(member, '|', 1, true)
    local job = member
    if sep then
      job = string.sub(member, 1, sep - 1)
    end
    redis.call('RPUSH', KEYS[2], job)
    moved = moved + 1
  end
end
return moved
`)
