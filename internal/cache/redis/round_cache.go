package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// DefaultRoundTTL bounds how long a cached round may outlive a missed
// invalidation.
const DefaultRoundTTL = 30 * time.Second

//go:embed scripts/set_if_generation.lua
var setIfGenerationLua string

// RoundCache implements domain.RoundCache with one JSON string per round.
//
// Key schema:
//
//	round:{id}     - JSON-encoded domain.Round
//	round:{id}:gen - invalidation counter
type RoundCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	setGen *redis.Script
}

// NewRoundCache creates a RoundCache. A non-positive ttl uses
// DefaultRoundTTL.
func NewRoundCache(c *Client, ttl time.Duration) *RoundCache {
	if ttl <= 0 {
		ttl = DefaultRoundTTL
	}
	return &RoundCache{rdb: c.Underlying(), ttl: ttl, setGen: redis.NewScript(setIfGenerationLua)}
}

func roundKey(id uint64) string { return "round:" + strconv.FormatUint(id, 10) }

func roundGenKey(id uint64) string { return roundKey(id) + ":gen" }

// Generation returns the number of times id has been invalidated.
func (rc *RoundCache) Generation(ctx context.Context, id uint64) (uint64, error) {
	gen, err := rc.rdb.Get(ctx, roundGenKey(id)).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: round %d generation: %w", id, err)
	}
	return gen, nil
}

// Set stores r until the TTL expires or the round is invalidated, unless it
// was invalidated after gen was read.
func (rc *RoundCache) Set(ctx context.Context, r domain.Round, gen uint64) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal round %d: %w", r.ID, err)
	}
	keys := []string{roundKey(r.ID), roundGenKey(r.ID)}
	if err := rc.setGen.Run(ctx, rc.rdb, keys, gen, data, rc.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis: set round %d: %w", r.ID, err)
	}
	return nil
}

// Get returns the cached round or domain.ErrNotFound.
func (rc *RoundCache) Get(ctx context.Context, id uint64) (domain.Round, error) {
	data, err := rc.rdb.Get(ctx, roundKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("redis: get round %d: %w", id, err)
	}

	var r domain.Round
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.Round{}, fmt.Errorf("redis: unmarshal round %d: %w", id, err)
	}
	return r, nil
}

// Invalidate bumps the round's generation and drops the cached round in one
// transaction. Missing keys are not an error.
func (rc *RoundCache) Invalidate(ctx context.Context, id uint64) error {
	_, err := rc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, roundGenKey(id))
		pipe.Del(ctx, roundKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: invalidate round %d: %w", id, err)
	}
	return nil
}

var _ domain.RoundCache = (*RoundCache)(nil)
