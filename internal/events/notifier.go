// Package events fans job transitions out to push subscribers over Redis
// pub/sub. Delivery is best effort; the Job Store remains the record.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"facemoji/internal/models"
)

func channel(jobID string) string { return "jobs:events:" + jobID }

// Notifier publishes and subscribes to per-job event channels.
type Notifier struct {
	client *redis.Client
	logger *slog.Logger
}

func NewNotifier(client *redis.Client, logger *slog.Logger) *Notifier {
	return &Notifier{client: client, logger: logger}
}

// Publish sends ev to the job's channel.
func (n *Notifier) Publish(ctx context.Context, ev models.JobEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.client.Publish(ctx, channel(ev.JobID), raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscription streams events for one job until closed.
type Subscription struct {
	C      <-chan models.JobEvent
	pubsub *redis.PubSub
}

func (s *Subscription) Close() error { return s.pubsub.Close() }

// Subscribe returns once the subscription is active, so no event published
// afterwards is missed.
func (n *Notifier) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	ps := n.client.Subscribe(ctx, channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}

	out := make(chan models.JobEvent, 8)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev models.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				n.logger.Warn("dropping malformed event", slog.String("job_id", jobID), slog.String("error", err.Error()))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{C: out, pubsub: ps}, nil
}
