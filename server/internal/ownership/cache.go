package ownership

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/servwatch/servwatch/server/internal/metrics"
)

const (
	cacheKeyPrefix = "servwatch:owner:"

	// unresolvedMarker caches "no tenant" so unregistered sources do not hit
	// the backing resolver on every snapshot.
	unresolvedMarker = "-"
)

// cacheClient is the subset of *redis.Client used by Cached.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cached is a read-through Redis cache in front of another Resolver. Redis
// failures are logged and bypassed; they never fail a resolution.
type Cached struct {
	next   Resolver
	client cacheClient
	ttl    time.Duration
}

// NewCached wraps next with a Redis cache holding entries for ttl.
func NewCached(next Resolver, client *redis.Client, ttl time.Duration) *Cached {
	return &Cached{next: next, client: client, ttl: ttl}
}

// ConnectRedis creates and validates a Redis connection.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// ResolveTenant implements Resolver.
func (c *Cached) ResolveTenant(ctx context.Context, sourceID string) (string, error) {
	key := cacheKeyPrefix + sourceID

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		metrics.OwnershipLookups.WithLabelValues("cache_hit").Inc()
		if val == unresolvedMarker {
			return "", nil
		}
		return val, nil
	case !errors.Is(err, redis.Nil):
		slog.Warn("ownership: cache read failed", "source", sourceID, "err", err)
	}

	tenant, err := c.next.ResolveTenant(ctx, sourceID)
	if err != nil {
		// Errors are not cached; the next snapshot retries the backend.
		return "", err
	}

	stored := tenant
	if stored == "" {
		stored = unresolvedMarker
	}
	if err := c.client.Set(ctx, key, stored, c.ttl).Err(); err != nil {
		slog.Warn("ownership: cache write failed", "source", sourceID, "err", err)
	}
	return tenant, nil
}
