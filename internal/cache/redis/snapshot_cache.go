package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// defaultSnapshotTTL bounds how long a mirrored snapshot outlives the engine.
const defaultSnapshotTTL = time.Minute

// SnapshotCache implements domain.SnapshotCache. Each pool's latest
// snapshot is stored as JSON under snap:{poolID} with a TTL, so dashboards
// see nothing rather than stale state once the engine stops.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache. A non-positive ttl uses one
// minute.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &SnapshotCache{rdb: c.Underlying(), ttl: ttl}
}

func snapshotKey(pool string) string { return "snap:" + pool }

// Put writes every snapshot in one pipeline.
func (sc *SnapshotCache) Put(ctx context.Context, snaps []domain.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pipe := sc.rdb.Pipeline()
	for _, s := range snaps {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("redis: marshal snapshot %s: %w", s.Pool, err)
		}
		pipe.Set(ctx, snapshotKey(s.Pool), data, sc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put snapshots: %w", err)
	}
	return nil
}

// Get returns the mirrored snapshot for pool, or domain.ErrNotFound.
func (sc *SnapshotCache) Get(ctx context.Context, pool string) (domain.PriceSnapshot, error) {
	data, err := sc.rdb.Get(ctx, snapshotKey(pool)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PriceSnapshot{}, fmt.Errorf("redis: snapshot %s: %w", pool, domain.ErrNotFound)
		}
		return domain.PriceSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", pool, err)
	}
	var snap domain.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", pool, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
