// SPDX-License-Identifier: MIT

package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitchd/internal/cache"
)

type fakeLoader struct {
	mu    sync.Mutex
	loads atomic.Int64
	chans map[string]*Channel // keyed by org/slug
}

func (f *fakeLoader) ChannelBySlug(ctx context.Context, org, slug string) (*Channel, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.chans[org+"/"+slug]; ok {
		copied := *ch
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (f *fakeLoader) ChannelByID(ctx context.Context, id string) (*Channel, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.chans {
		if ch.ID == id {
			copied := *ch
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeLoader) set(ch *Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chans == nil {
		f.chans = make(map[string]*Channel)
	}
	f.chans[ch.OrgSlug+"/"+ch.Slug] = ch
}

func testChannel() *Channel {
	return &Channel{
		ID:                   "ch-1",
		OrgSlug:              "acme",
		Slug:                 "sports1",
		OriginURL:            "http://origin.local/sports1/master.m3u8",
		Mode:                 ModeAuto,
		BitrateLadder:        []int{800, 1600, 3200},
		DefaultAdDuration:    30,
		VASTTimeoutMS:        1500,
		SegmentCacheMaxAgeS:  6,
		ManifestCacheMaxAgeS: 6,
	}
}

func TestCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{}
	loader.set(testChannel())
	cc := NewCache(cache.NewMemory(0), loader, time.Minute, zerolog.Nop())

	ch, err := cc.Get(ctx, "acme", "sports1")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", ch.ID)
	assert.Equal(t, int64(1), loader.loads.Load())

	// Second read hits the KV, not the loader.
	_, err = cc.Get(ctx, "acme", "sports1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loader.loads.Load())

	// Slug load fills the id key too.
	byID, err := cc.GetByID(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "sports1", byID.Slug)
	assert.Equal(t, int64(1), loader.loads.Load())
}

func TestCacheNotFound(t *testing.T) {
	cc := NewCache(cache.NewMemory(0), &fakeLoader{}, time.Minute, zerolog.Nop())

	_, err := cc.Get(context.Background(), "acme", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{}
	ch := testChannel()
	loader.set(ch)
	cc := NewCache(cache.NewMemory(0), loader, time.Minute, zerolog.Nop())

	first, err := cc.Get(ctx, "acme", "sports1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, first.DefaultAdDuration)

	// Admin mutation: new duration, synchronous invalidation.
	updated := *ch
	updated.DefaultAdDuration = 45
	loader.set(&updated)
	require.NoError(t, cc.Invalidate(ctx, "acme", "sports1", "ch-1"))

	// The very next read observes fresh data.
	fresh, err := cc.Get(ctx, "acme", "sports1")
	require.NoError(t, err)
	assert.Equal(t, 45.0, fresh.DefaultAdDuration)

	freshByID, err := cc.GetByID(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, 45.0, freshByID.DefaultAdDuration)
}

func TestCacheStampede(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{}
	loader.set(testChannel())
	cc := NewCache(cache.NewMemory(0), loader, time.Minute, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cc.Get(ctx, "acme", "sports1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Concurrent misses collapse into very few loads.
	assert.LessOrEqual(t, loader.loads.Load(), int64(2))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Channel)
		ok     bool
	}{
		{"valid", func(c *Channel) {}, true},
		{"no origin", func(c *Channel) { c.OriginURL = "" }, false},
		{"bad mode", func(c *Channel) { c.Mode = "hybrid" }, false},
		{"tier too high", func(c *Channel) { c.Tier = 6 }, false},
		{"empty ladder", func(c *Channel) { c.BitrateLadder = nil }, false},
		{"ladder too long", func(c *Channel) { c.BitrateLadder = []int{1, 2, 3, 4, 5, 6, 7} }, false},
		{"ladder not ascending", func(c *Channel) { c.BitrateLadder = []int{1600, 800} }, false},
		{"ladder duplicate", func(c *Channel) { c.BitrateLadder = []int{800, 800} }, false},
		{"duration zero", func(c *Channel) { c.DefaultAdDuration = 0 }, false},
		{"duration too long", func(c *Channel) { c.DefaultAdDuration = 601 }, false},
		{"segment max age", func(c *Channel) { c.SegmentCacheMaxAgeS = 301 }, false},
		{"manifest max age", func(c *Channel) { c.ManifestCacheMaxAgeS = 0 }, false},
		{"vast without url", func(c *Channel) { c.VASTEnabled = true }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ch := testChannel()
			tc.mutate(ch)
			err := ch.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidChannel)
			}
		})
	}
}

func TestTierAccepts(t *testing.T) {
	ch := testChannel()
	ch.Tier = 2
	assert.False(t, ch.TierAccepts(1))
	assert.True(t, ch.TierAccepts(2))
	assert.True(t, ch.TierAccepts(0xFFF))

	ch.Tier = 0
	assert.True(t, ch.TierAccepts(1))
}
