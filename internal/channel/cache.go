// SPDX-License-Identifier: MIT

package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stitchd/stitchd/internal/cache"
	"github.com/stitchd/stitchd/internal/metrics"
)

// Loader resolves channel configuration from the admin database.
type Loader interface {
	ChannelBySlug(ctx context.Context, org, slug string) (*Channel, error)
	ChannelByID(ctx context.Context, id string) (*Channel, error)
}

// Cache is the read-through channel-config cache. Entries live in the
// shared KV under config:{org}:{slug} and config:id:{id} with a short TTL;
// admin mutations invalidate both keys synchronously, so staleness is
// bounded by the KV propagation delay and, in the worst case, the TTL.
type Cache struct {
	kv     cache.KV
	loader Loader
	ttl    time.Duration
	sf     singleflight.Group
	logger zerolog.Logger
}

// NewCache builds a config cache with the given TTL.
func NewCache(kv cache.KV, loader Loader, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{kv: kv, loader: loader, ttl: ttl, logger: logger}
}

func slugKey(org, slug string) string { return "config:" + org + ":" + slug }
func idKey(id string) string          { return "config:id:" + id }

// Get returns the channel for (org, slug), loading through the cache.
func (c *Cache) Get(ctx context.Context, org, slug string) (*Channel, error) {
	if ch := c.cached(ctx, slugKey(org, slug)); ch != nil {
		return ch, nil
	}
	return c.load(ctx, slugKey(org, slug), func(ctx context.Context) (*Channel, error) {
		return c.loader.ChannelBySlug(ctx, org, slug)
	})
}

// GetByID returns the channel for an opaque channel id.
func (c *Cache) GetByID(ctx context.Context, id string) (*Channel, error) {
	if ch := c.cached(ctx, idKey(id)); ch != nil {
		return ch, nil
	}
	return c.load(ctx, idKey(id), func(ctx context.Context) (*Channel, error) {
		return c.loader.ChannelByID(ctx, id)
	})
}

// Invalidate removes both cache keys for a channel. Called synchronously
// from every admin mutation of the channel record.
func (c *Cache) Invalidate(ctx context.Context, org, slug, id string) error {
	if err := c.kv.Delete(ctx, slugKey(org, slug)); err != nil {
		return err
	}
	return c.kv.Delete(ctx, idKey(id))
}

// Warm prefetches a channel in the background to absorb the stampede that
// follows an invalidation. Fire and forget.
func (c *Cache) Warm(org, slug string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := c.Get(ctx, org, slug); err != nil {
			c.logger.Debug().Err(err).
				Str("org", org).Str("channel", slug).
				Msg("config warm failed")
		}
	}()
}

// cached returns a KV hit, or nil. KV failures degrade to a database load
// so the read path survives a cache outage.
func (c *Cache) cached(ctx context.Context, key string) *Channel {
	val, found, err := c.kv.Get(ctx, key)
	if err != nil {
		metrics.ConfigCache.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("config cache read failed")
		return nil
	}
	if !found {
		metrics.ConfigCache.WithLabelValues("miss").Inc()
		return nil
	}
	var ch Channel
	if err := json.Unmarshal(val, &ch); err != nil {
		metrics.ConfigCache.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("config cache entry corrupt")
		return nil
	}
	metrics.ConfigCache.WithLabelValues("hit").Inc()
	return &ch
}

// load fetches from the database once per key under concurrent misses and
// writes both cache keys back.
func (c *Cache) load(ctx context.Context, key string, fetch func(context.Context) (*Channel, error)) (*Channel, error) {
	v, err, _ := c.sf.Do(key, func() (any, error) {
		ch, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.fill(ctx, ch)
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

func (c *Cache) fill(ctx context.Context, ch *Channel) {
	buf, err := json.Marshal(ch)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, slugKey(ch.OrgSlug, ch.Slug), buf, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.Slug).Msg("config cache fill failed")
	}
	if err := c.kv.Set(ctx, idKey(ch.ID), buf, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.Slug).Msg("config cache fill failed")
	}
}
