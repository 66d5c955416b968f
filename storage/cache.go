package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync-api/domain"
)

const taskCachePrefix = "task:"

// Cache keeps per-task snapshots in Redis with a TTL. It is never the
// system of record: every Redis or codec failure is logged and collapses
// into a miss or a no-op, so callers have a single code path with no
// per-operation error handling.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a task cache using the provided Redis client and TTL.
// A nil client or non-positive TTL yields a cache that always misses.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{redis: client, ttl: ttl}
}

// GetTask returns the cached snapshot for the id, or nil on miss or any
// cache failure.
func (c *Cache) GetTask(ctx context.Context, id string) *domain.Task {
	if c == nil || c.redis == nil {
		return nil
	}
	data, err := c.redis.Get(ctx, taskCacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).WithField("task", id).Warn("cache read failed")
		}
		return nil
	}
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		// Unreadable entries are evicted so they cannot keep resurfacing.
		log.WithError(err).WithField("task", id).Warn("cache entry corrupt, evicting")
		_ = c.redis.Del(ctx, taskCacheKey(id)).Err()
		return nil
	}
	return &t
}

// SetTask stores the snapshot under the task's id, best-effort.
func (c *Cache) SetTask(ctx context.Context, t domain.Task) {
	if c == nil || c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		log.WithError(err).WithField("task", t.ID).Warn("cache encode failed")
		return
	}
	if err := c.redis.Set(ctx, taskCacheKey(t.ID), data, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("task", t.ID).Warn("cache write failed")
	}
}

// DeleteTask evicts the snapshot, best-effort. A surviving entry is bounded
// by the TTL.
func (c *Cache) DeleteTask(ctx context.Context, id string) {
	if c == nil || c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, taskCacheKey(id)).Err(); err != nil {
		log.WithError(err).WithField("task", id).Warn("cache delete failed")
	}
}

// ExistsTask reports whether a snapshot is cached. Failures read as absent.
func (c *Cache) ExistsTask(ctx context.Context, id string) bool {
	if c == nil || c.redis == nil {
		return false
	}
	n, err := c.redis.Exists(ctx, taskCacheKey(id)).Result()
	if err != nil {
		log.WithError(err).WithField("task", id).Warn("cache exists check failed")
		return false
	}
	return n == 1
}

func taskCacheKey(id string) string {
	return taskCachePrefix + id
}
