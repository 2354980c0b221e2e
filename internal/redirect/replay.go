package redirect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard records state ids so each one is accepted once.
type ReplayGuard interface {
	// Consume marks jti used and reports whether this call was the first.
	Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	Close() error
}

// MemoryReplayGuard keeps used ids in process memory until they expire.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

// NewMemoryReplayGuard creates an empty in-memory guard.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{used: make(map[string]time.Time), now: time.Now}
}

// Consume implements ReplayGuard.
func (g *MemoryReplayGuard) Consume(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for id, expires := range g.used {
		if !now.Before(expires) {
			delete(g.used, id)
		}
	}
	if _, seen := g.used[jti]; seen {
		return false, nil
	}
	g.used[jti] = now.Add(ttl)
	return true, nil
}

// Close implements ReplayGuard.
func (g *MemoryReplayGuard) Close() error { return nil }

// RedisReplayGuard shares used ids between redirect service replicas.
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayGuard connects to the server at rawURL (redis://...).
func NewRedisReplayGuard(ctx context.Context, rawURL string) (*RedisReplayGuard, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redirect: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redirect: ping redis: %w", err)
	}
	return &RedisReplayGuard{client: client, prefix: "oauth_state:"}, nil
}

// Consume implements ReplayGuard with SETNX so concurrent callbacks race safely.
func (g *RedisReplayGuard) Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redirect: record state: %w", err)
	}
	return ok, nil
}

// Close implements ReplayGuard.
func (g *RedisReplayGuard) Close() error {
	return g.client.Close()
}
