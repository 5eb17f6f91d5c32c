package domain

import (
	"context"
	"time"
)

// SnapshotCache holds the last committed public view of each auction so UI
// polling never touches an auction's section.
type SnapshotCache interface {
	Set(ctx context.Context, view AuctionView) error
	Get(ctx context.Context, id string) (AuctionView, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Message is a pub/sub delivery along with the concrete channel it was
// published on (relevant for pattern subscriptions).
type Message struct {
	Channel string
	Payload []byte
}
