// Package broker carries job references from the gateway to workers.
// Delivery is at-least-once: a message that is not acknowledged is
// delivered again, and consumers must tolerate duplicates.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"facemoji/internal/models"
)

// Broker publishes and receives job references.
type Broker interface {
	Publish(ctx context.Context, jobID string) error
	// PublishAt makes the reference visible no earlier than at.
	PublishAt(ctx context.Context, jobID string, at time.Time) error
	// Receive blocks until a delivery is available or ctx ends.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is one received message.
type Delivery interface {
	JobID() string
	// Ack drops the message for good.
	Ack(ctx context.Context) error
	// Retry acknowledges this delivery and republishes the reference after delay.
	Retry(ctx context.Context, delay time.Duration) error
	// Release hands the message back for prompt redelivery.
	Release(ctx context.Context) error
}

// Message is the wire body. It carries only the job reference.
type Message struct {
	JobID string `json:"job_id"`
}

func encodeMessage(jobID string) ([]byte, error) {
	return json.Marshal(Message{JobID: jobID})
}

func decodeMessage(body []byte) (string, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("parse message: %w", err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return "", fmt.Errorf("invalid job_id %q: %w", msg.JobID, err)
	}
	return msg.JobID, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrBrokerUnavailable, err)
}
