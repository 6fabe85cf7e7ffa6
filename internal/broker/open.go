package broker

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"facemoji/internal/config"
)

// Open returns the broker selected by cfg.BrokerDriver. client is only used
// by the redis driver.
func Open(cfg config.Config, client *redis.Client, logger *slog.Logger) (Broker, error) {
	switch cfg.BrokerDriver {
	case "redis":
		return NewRedis(client, RedisOptions{
			Queue:             cfg.QueueName,
			VisibilityTimeout: cfg.VisibilityTimeout,
			PollInterval:      cfg.WorkerPollInterval,
		}), nil
	case "rabbitmq":
		return DialRabbitMQ(RabbitMQOptions{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.RabbitMQExchange,
			Queue:    cfg.RabbitMQQueue,
			Prefetch: cfg.RabbitMQPrefetch,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.BrokerDriver)
	}
}
