package domain

import (
	"context"
	"time"
)

// PositionCache provides fast read access to position records for the query
// surface. It is invalidated on every mutation; the store remains the
// authority.
type PositionCache interface {
	Set(ctx context.Context, pos Position) error
	Get(ctx context.Context, id int64) (Position, error)
	Invalidate(ctx context.Context, id int64) error
}

// LockManager provides distributed locking. The engine holds one lock per
// position id across the external venue call so a reentrant fill or close
// can never observe a half-applied transition.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for lifecycle events and a durable, ordered
// stream for the fill journal.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream, lastID string, count int64) ([]StreamMessage, error)
}

// RateLimiter bounds request rates per key using a sliding window.
type RateLimiter interface {
	// Allow reports whether a request for key is permitted and counts it.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request for key is permitted or ctx is cancelled.
	Wait(ctx context.Context, key string) error
}
