package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "voice:profile:"

// CachedLookup is a read-through Redis cache in front of another Lookup.
// Only successful resolutions are cached, so a newly configured or
// re-activated number takes effect on the next call.
type CachedLookup struct {
	next Lookup
	rdb  *redis.Client
	ttl  time.Duration
}

func NewCachedLookup(next Lookup, rdb *redis.Client, ttl time.Duration) *CachedLookup {
	return &CachedLookup{next: next, rdb: rdb, ttl: ttl}
}

func (c *CachedLookup) Lookup(ctx context.Context, number string) (*Profile, error) {
	key := cachePrefix + NormalizeNumber(number)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p Profile
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			return check(&p)
		}
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("profile cache read", "error", err)
	}

	p, err := c.next.Lookup(ctx, number)
	if err != nil {
		return nil, err
	}
	if data, jsonErr := json.Marshal(p); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			slog.Warn("profile cache write", "error", setErr)
		}
	}
	return p, nil
}

// Invalidate drops the cached entry for number.
func (c *CachedLookup) Invalidate(ctx context.Context, number string) error {
	return c.rdb.Del(ctx, cachePrefix+NormalizeNumber(number)).Err()
}
