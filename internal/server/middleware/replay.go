package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// pruneEvery is how many marks LocalReplayGuard takes between sweeps of
// expired entries.
const pruneEvery = 256

// LocalReplayGuard is an in-process domain.ReplayGuard for single-replica
// deployments without Redis.
type LocalReplayGuard struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
	marks   int
}

var _ domain.ReplayGuard = (*LocalReplayGuard)(nil)

// NewLocalReplayGuard creates an empty guard that reads time from now.
func NewLocalReplayGuard(now func() time.Time) *LocalReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &LocalReplayGuard{now: now, expires: make(map[string]time.Time)}
}

// Seen marks key until ttl from now and reports whether an unexpired mark
// already existed.
func (g *LocalReplayGuard) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.expires[key]; ok && now.Before(exp) {
		return true, nil
	}
	g.expires[key] = now.Add(ttl)

	g.marks++
	if g.marks >= pruneEvery {
		g.marks = 0
		for k, exp := range g.expires {
			if !now.Before(exp) {
				delete(g.expires, k)
			}
		}
	}
	return false, nil
}

// Len returns the number of marks currently held, expired or not.
func (g *LocalReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.expires)
}
