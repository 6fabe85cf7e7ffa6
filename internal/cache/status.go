// Package cache keeps terminal job views in Redis so status polling
// does not reach the Job Store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"facemoji/internal/models"
)

const keyPrefix = "jobs:status:"

// StatusCache stores terminal status views. Terminal states never change,
// so entries are never stale; the TTL only bounds memory.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StatusCache{client: client, ttl: ttl}
}

// Get returns the cached view of a job, ok=false on a miss.
func (c *StatusCache) Get(ctx context.Context, jobID string) (models.StatusView, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.StatusView{}, false, nil
	}
	if err != nil {
		return models.StatusView{}, false, fmt.Errorf("status cache get: %w", err)
	}
	var v models.StatusView
	if err := json.Unmarshal(raw, &v); err != nil {
		return models.StatusView{}, false, fmt.Errorf("status cache decode: %w", err)
	}
	return v, true, nil
}

// Put stores v if it is terminal; other states are ignored.
func (c *StatusCache) Put(ctx context.Context, v models.StatusView) error {
	if !models.IsTerminal(v.Status) {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("status cache encode: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+v.JobID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("status cache set: %w", err)
	}
	return nil
}
