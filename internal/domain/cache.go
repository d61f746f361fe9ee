package domain

import (
	"context"
	"time"
)

// RoundCache keeps recently read rounds close to the API. Status is derived
// at read time, so a cached round never goes stale by the clock alone; the
// broadcaster invalidates an entry whenever an event for its round commits.
//
// Every Invalidate bumps the round's generation. A reader takes the
// generation before loading the round from the ledger and hands it to Set,
// which stores nothing if the round was invalidated in between.
type RoundCache interface {
	Get(ctx context.Context, id uint64) (Round, error)
	Generation(ctx context.Context, id uint64) (uint64, error)
	Set(ctx context.Context, round Round, gen uint64) error
	Invalidate(ctx context.Context, id uint64) error
}

// RateLimiter counts API requests per caller across replicas.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out short leases so only one keeper replica drives a
// round at a time. Acquire fails with ErrLockHeld when another holder owns
// key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// ReplayGuard records signed requests so each is accepted once. Seen marks
// key and reports whether it was already marked within ttl.
type ReplayGuard interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// StreamMessage is one entry of the durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus fans committed events out to live subscribers and keeps a
// durable copy for replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
