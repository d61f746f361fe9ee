package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard implements domain.ReplayGuard with SET NX PX, so every API
// replica shares one record of accepted signed requests.
type ReplayGuard struct {
	rdb *redis.Client
}

// NewReplayGuard creates a ReplayGuard backed by the given Client.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{rdb: c.Underlying()}
}

func replayKey(key string) string { return "replay:" + key }

// Seen marks key for ttl and reports whether it was already marked.
func (g *ReplayGuard) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh, err := g.rdb.SetNX(ctx, replayKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: replay guard %s: %w", key, err)
	}
	return !fresh, nil
}
