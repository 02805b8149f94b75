package domain

import (
	"context"
	"time"
)

// SnapshotCache mirrors the monitor's snapshot table for out-of-process
// readers such as dashboards.
type SnapshotCache interface {
	Put(ctx context.Context, snaps []PriceSnapshot) error
	Get(ctx context.Context, pool string) (PriceSnapshot, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	// Hold acquires key and keeps renewing it until ctx is cancelled or
	// release is called. lost is closed if renewal fails.
	Hold(ctx context.Context, key string, ttl time.Duration) (release func(), lost <-chan struct{}, err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// OutcomePublisher forwards ledger entries to an external stream.
type OutcomePublisher interface {
	PublishEntry(ctx context.Context, entry LedgerEntry) error
	Close() error
}
