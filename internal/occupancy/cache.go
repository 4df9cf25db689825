package occupancy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKey = "occupancy:snapshot"

// Cache holds a short-lived occupancy snapshot in Redis so dashboard
// polling does not hit the database on every request.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a Cache with the given snapshot TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached snapshot, or ok=false on a miss.
func (c *Cache) Get(ctx context.Context) (Snapshot, bool, error) {
	payload, err := c.client.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Set stores the snapshot for the configured TTL.
func (c *Cache) Set(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey, payload, c.ttl).Err()
}

// Invalidate drops the cached snapshot after a counter mutation.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, snapshotKey).Err()
}
