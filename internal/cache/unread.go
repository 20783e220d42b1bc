// Package cache holds the optional Redis-backed unread-notification counter.
// The counter is a read-side accelerator only: the store remains the source
// of truth and a short TTL bounds staleness after fan-out writes.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"carebid.org/internal/obs"
)

const (
	keyPrefix  = "carebid:unread:"
	defaultTTL = 30 * time.Second
)

// UnreadCounter caches per-identity unread notification counts.
type UnreadCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewUnreadCounter connects to Redis at addr. An empty addr disables the
// cache and returns nil; callers treat a nil counter as a pass-through.
func NewUnreadCounter(addr, password string, db int) *UnreadCounter {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &UnreadCounter{rdb: rdb, ttl: defaultTTL}
}

func (c *UnreadCounter) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// Get returns the cached count and whether it was present. Redis errors are
// logged and reported as a miss so the caller falls back to the store.
func (c *UnreadCounter) Get(ctx context.Context, identityID string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	val, err := c.rdb.Get(ctx, keyPrefix+identityID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		lg := obs.Logger()
		lg.Warn().Err(err).Msg("unread cache read failed")
		return 0, false
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return count, true
}

func (c *UnreadCounter) Set(ctx context.Context, identityID string, count int64) {
	if c == nil {
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+identityID, count, c.ttl).Err(); err != nil {
		lg := obs.Logger()
		lg.Warn().Err(err).Msg("unread cache write failed")
	}
}

// Invalidate drops the cached count, typically after a read-flag change.
func (c *UnreadCounter) Invalidate(ctx context.Context, identityID string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, keyPrefix+identityID).Err(); err != nil {
		lg := obs.Logger()
		lg.Warn().Err(err).Msg("unread cache invalidate failed")
	}
}
