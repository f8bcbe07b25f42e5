package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/crowdstage/realtime/internal/domain"
	"github.com/crowdstage/realtime/internal/metrics"
)

const identityKeyPrefix = "identity:"

// cachedIdentity is the wire form of an identity snapshot. The suspension
// flag is cached too, so a suspended account stays refused for at most one
// TTL after the flag flips back.
type cachedIdentity struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Suspended   bool      `json:"suspended"`
}

// IdentityCache is a read-through cache in front of the Postgres identity
// repo. Reconnect storms (a popular challenge going live) otherwise turn
// every handshake into a database query. Concurrent lookups for the same
// subject are collapsed with singleflight.
//
// Cache failures are never fatal: on any Redis error the lookup falls
// through to the underlying resolver.
type IdentityCache struct {
	rdb   *goredis.Client
	next  domain.IdentityResolver
	ttl   time.Duration
	group singleflight.Group
}

func NewIdentityCache(rdb *goredis.Client, next domain.IdentityResolver, ttl time.Duration) *IdentityCache {
	return &IdentityCache{rdb: rdb, next: next, ttl: ttl}
}

// Resolve implements domain.IdentityResolver.
func (c *IdentityCache) Resolve(ctx context.Context, userID uuid.UUID) (domain.Identity, error) {
	key := identityKeyPrefix + userID.String()

	data, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var cached cachedIdentity
		if err := json.Unmarshal([]byte(data), &cached); err == nil {
			metrics.IdentityCacheRequestsTotal.WithLabelValues("hit").Inc()
			return domain.Identity{ID: cached.ID, DisplayName: cached.DisplayName, Suspended: cached.Suspended}, nil
		}
		slog.Warn("Discarding corrupt identity cache entry", "key", key)
		metrics.IdentityCacheRequestsTotal.WithLabelValues("error").Inc()
	case errors.Is(err, goredis.Nil):
		metrics.IdentityCacheRequestsTotal.WithLabelValues("miss").Inc()
	default:
		slog.Warn("Identity cache read failed, falling through", "error", err)
		metrics.IdentityCacheRequestsTotal.WithLabelValues("error").Inc()
	}

	result, err, _ := c.group.Do(userID.String(), func() (any, error) {
		identity, err := c.next.Resolve(ctx, userID)
		if err != nil {
			return domain.Identity{}, err
		}
		c.store(ctx, key, identity)
		return identity, nil
	})
	if err != nil {
		return domain.Identity{}, err
	}

	return result.(domain.Identity), nil
}

func (c *IdentityCache) store(ctx context.Context, key string, identity domain.Identity) {
	cached := cachedIdentity{ID: identity.ID, DisplayName: identity.DisplayName, Suspended: identity.Suspended}
	data, err := json.Marshal(cached)
	if err != nil {
		slog.Error("Failed to marshal identity for cache", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.Warn("Identity cache write failed", "error", err)
	}
}

// Invalidate drops the cached snapshot for a user. Exposed for the
// collaborator API so a suspension can take effect without waiting for TTL.
func (c *IdentityCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.rdb.Del(ctx, identityKeyPrefix+userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to invalidate identity cache: %w", err)
	}
	return nil
}
