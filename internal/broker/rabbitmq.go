package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQOptions holds connection and topology settings.
type RabbitMQOptions struct {
	URL               string
	Exchange          string
	Queue             string
	Prefetch          int
	ConsumerTag       string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	PublishRetries    int
	PublishRetryDelay time.Duration
}

// RabbitMQ is a broker on a durable direct exchange. Delayed references go
// through a companion retry queue whose expired messages dead-letter back
// into the main queue.
type RabbitMQ struct {
	opts    RabbitMQOptions
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

var _ Broker = (*RabbitMQ)(nil)

// DialRabbitMQ connects with retry and declares the topology.
func DialRabbitMQ(opts RabbitMQOptions, logger *slog.Logger) (*RabbitMQ, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.PublishRetries == 0 {
		opts.PublishRetries = 3
	}
	if opts.PublishRetryDelay == 0 {
		opts.PublishRetryDelay = 100 * time.Millisecond
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}

	b := &RabbitMQ{opts: opts, logger: logger}

	var err error
	for attempt := 1; attempt <= opts.RetryAttempts; attempt++ {
		logger.Info("connecting to rabbitmq",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", opts.RetryAttempts),
		)
		b.conn, err = amqp.DialConfig(opts.URL, amqp.Config{Heartbeat: opts.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}
		logger.Error("rabbitmq connect failed", slog.Any("error", err), slog.Int("attempt", attempt))
		if attempt < opts.RetryAttempts {
			time.Sleep(opts.RetryInterval)
		}
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("connect after %d attempts", opts.RetryAttempts), err)
	}

	b.channel, err = b.conn.Channel()
	if err != nil {
		b.conn.Close()
		return nil, unavailable("open channel", err)
	}
	if err := b.setup(); err != nil {
		b.channel.Close()
		b.conn.Close()
		return nil, unavailable("declare topology", err)
	}

	logger.Info("rabbitmq broker ready",
		slog.String("exchange", opts.Exchange),
		slog.String("queue", opts.Queue),
	)
	return b, nil
}

func (b *RabbitMQ) retryQueue() string {
	return b.opts.Queue + ".retry"
}

// setup declares the exchange, the work queue and the retry queue.
func (b *RabbitMQ) setup() error {
	if err := b.channel.ExchangeDeclare(b.opts.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := b.channel.QueueDeclare(b.opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := b.channel.QueueBind(b.opts.Queue, b.opts.Queue, b.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if _, err := b.channel.QueueDeclare(b.retryQueue(), true, false, false, false, retryQueueArgs(b.opts.Exchange, b.opts.Queue)); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	return nil
}

func retryQueueArgs(exchange, routingKey string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": routingKey,
	}
}

// Publish sends a reference to the work queue.
func (b *RabbitMQ) Publish(ctx context.Context, jobID string) error {
	return b.publish(ctx, b.opts.Exchange, b.opts.Queue, jobID, 0)
}

// PublishAt parks the reference in the retry queue until at. Expiry is
// evaluated at the head of the retry queue, so a long delay can hold back
// shorter ones queued behind it.
func (b *RabbitMQ) PublishAt(ctx context.Context, jobID string, at time.Time) error {
	delay := time.Until(at)
	if delay <= 0 {
		return b.Publish(ctx, jobID)
	}
	return b.publish(ctx, "", b.retryQueue(), jobID, delay)
}

func (b *RabbitMQ) publish(ctx context.Context, exchange, key, jobID string, delay time.Duration) error {
	body, err := encodeMessage(jobID)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		msg.Expiration = expiration(delay)
	}

	var lastErr error
	for attempt := 0; attempt <= b.opts.PublishRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = b.channel.PublishWithContext(ctx, exchange, key, false, false, msg)
		if lastErr == nil {
			return nil
		}
		if attempt < b.opts.PublishRetries {
			backoff := b.opts.PublishRetryDelay * time.Duration(1<<uint(attempt))
			b.logger.Warn("rabbitmq publish failed, retrying",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoff),
				slog.Any("error", lastErr),
			)
			time.Sleep(backoff)
		}
	}
	return unavailable(fmt.Sprintf("publish after %d attempts", b.opts.PublishRetries+1), lastErr)
}

func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func (b *RabbitMQ) consume() (<-chan amqp.Delivery, error) {
	b.consumeOnce.Do(func() {
		if err := b.channel.Qos(b.opts.Prefetch, 0, false); err != nil {
			b.consumeErr = unavailable("set qos", err)
			return
		}
		b.deliveries, b.consumeErr = b.channel.Consume(b.opts.Queue, b.opts.ConsumerTag, false, false, false, false, nil)
		if b.consumeErr != nil {
			b.consumeErr = unavailable("consume", b.consumeErr)
			return
		}
		b.logger.Info("rabbitmq consumer started",
			slog.String("queue", b.opts.Queue),
			slog.Int("prefetch", b.opts.Prefetch),
		)
	})
	return b.deliveries, b.consumeErr
}

// Receive waits for the next well-formed delivery. Malformed bodies are
// rejected without requeue.
func (b *RabbitMQ) Receive(ctx context.Context) (Delivery, error) {
	deliveries, err := b.consume()
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil, unavailable("receive", errors.New("delivery channel closed"))
			}
			jobID, err := decodeMessage(d.Body)
			if err != nil {
				b.logger.Error("dropping malformed message", slog.Any("error", err))
				if nackErr := d.Nack(false, false); nackErr != nil {
					b.logger.Error("nack malformed message", slog.Any("error", nackErr))
				}
				continue
			}
			return &amqpDelivery{b: b, d: d, jobID: jobID}, nil
		}
	}
}

// Close closes the channel and connection.
func (b *RabbitMQ) Close() error {
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			b.logger.Error("close rabbitmq channel", slog.Any("error", err))
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type amqpDelivery struct {
	b     *RabbitMQ
	d     amqp.Delivery
	jobID string
}

func (d *amqpDelivery) JobID() string { return d.jobID }

func (d *amqpDelivery) Ack(context.Context) error {
	if err := d.d.Ack(false); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (d *amqpDelivery) Retry(ctx context.Context, delay time.Duration) error {
	if err := d.b.PublishAt(ctx, d.jobID, time.Now().Add(delay)); err != nil {
		return err
	}
	return d.Ack(ctx)
}

func (d *amqpDelivery) Release(context.Context) error {
	if err := d.d.Nack(false, true); err != nil {
		return unavailable("nack", err)
	}
	return nil
}
