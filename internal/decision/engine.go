// SPDX-License-Identifier: MIT

// Package decision resolves which ads fill an ad break. Resolution walks a
// waterfall: live VAST, then stored pods, then the org slate, then an empty
// decision. The outcome is memoised per (channel, event) so every viewer of
// the same break sees the same pod.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stitchd/stitchd/internal/cache"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/db"
	"github.com/stitchd/stitchd/internal/decision/vast"
	"github.com/stitchd/stitchd/internal/log"
	"github.com/stitchd/stitchd/internal/metrics"
	"github.com/stitchd/stitchd/internal/stitch"
)

// memoGrace extends the memo TTL past the break so trailing viewers of a
// finished break still resolve to the same decision.
const memoGrace = 60 * time.Second

// Catalog is the stored-ads side of the waterfall, served by the admin
// database.
type Catalog interface {
	AdByID(ctx context.Context, id string) (*db.Ad, error)
	PodsForChannel(ctx context.Context, channelID string) ([]db.Pod, error)
	SlateByID(ctx context.Context, id string) (*db.Slate, error)
	DefaultSlate(ctx context.Context, org string) (*db.Slate, error)
}

// Resolver is the live VAST side of the waterfall.
type Resolver interface {
	Resolve(ctx context.Context, url string) ([]vast.InlineAd, error)
}

// Engine runs the waterfall under a hard time budget.
type Engine struct {
	catalog Catalog
	vast    Resolver
	kv      cache.KV
	budget  time.Duration
	logger  zerolog.Logger
}

// NewEngine builds a decision engine. budget caps the total time one Decide
// call may spend, including VAST round trips.
func NewEngine(catalog Catalog, resolver Resolver, kv cache.KV, budget time.Duration) *Engine {
	return &Engine{
		catalog: catalog,
		vast:    resolver,
		kv:      kv,
		budget:  budget,
		logger:  log.WithComponent("decision"),
	}
}

// Decide resolves the ad content for one break. The result is deterministic
// per (channel, event): a memo in the KV plane short-circuits repeat calls.
// When the budget expires before any stage lands, the error carries
// DecisionTimeout and the caller falls back to an empty decision.
func (e *Engine) Decide(ctx context.Context, ch *channel.Channel, eventID string, duration float64) (stitch.AdDecision, error) {
	key := memoKey(ch.ID, eventID)
	if cached, ok, err := e.kv.Get(ctx, key); err == nil && ok {
		var d stitch.AdDecision
		if err := json.Unmarshal(cached, &d); err == nil {
			return d, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	d, source := e.waterfall(ctx, ch, duration)
	if d.Empty() && ctx.Err() != nil {
		metrics.DecisionOutcomes.WithLabelValues("timeout").Inc()
		return stitch.AdDecision{}, stitch.E(stitch.KindDecisionTimeout,
			fmt.Sprintf("decision budget exhausted for event %s", eventID), ctx.Err())
	}
	metrics.DecisionOutcomes.WithLabelValues(source).Inc()

	e.logger.Info().
		Str(log.FieldChannelID, ch.ID).
		Str(log.FieldEventID, eventID).
		Str(log.FieldPodID, d.PodID).
		Str(log.FieldSource, source).
		Float64("duration_s", d.Duration()).
		Int("items", len(d.Items)).
		Msg("ad break resolved")

	e.memoise(ctx, key, d, duration)
	return d, nil
}

// Invalidate drops the memo for one break.
func (e *Engine) Invalidate(ctx context.Context, channelID, eventID string) {
	_ = e.kv.Delete(ctx, memoKey(channelID, eventID))
}

func memoKey(channelID, eventID string) string {
	return fmt.Sprintf("adbreak:%s:%s", channelID, eventID)
}

func (e *Engine) memoise(ctx context.Context, key string, d stitch.AdDecision, duration float64) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	ttl := time.Duration(duration*float64(time.Second)) + memoGrace
	// The memo must outlive the deadline that just produced the decision.
	if err := e.kv.Set(context.WithoutCancel(ctx), key, data, ttl); err != nil {
		e.logger.Warn().Err(err).Msg("decision memo write failed")
	}
}

// waterfall tries each stage in order and returns the first non-empty
// decision along with the stage that produced it. Stage failures are logged
// and the walk continues; an empty decision at the end is a valid outcome.
func (e *Engine) waterfall(ctx context.Context, ch *channel.Channel, duration float64) (stitch.AdDecision, string) {
	if ch.VASTEnabled && ch.VASTURL != "" {
		if d, err := e.fromVAST(ctx, ch, duration); err == nil && !d.Empty() {
			return d, "vast"
		} else if err != nil {
			e.logger.Warn().Err(err).Str(log.FieldChannelID, ch.ID).Msg("vast stage failed")
		}
	}
	if ctx.Err() == nil {
		if d, err := e.fromPods(ctx, ch, duration); err == nil && !d.Empty() {
			return d, "pod"
		} else if err != nil {
			e.logger.Warn().Err(err).Str(log.FieldChannelID, ch.ID).Msg("pod stage failed")
		}
	}
	if ctx.Err() == nil {
		if d, err := e.fromSlate(ctx, ch, duration); err == nil && !d.Empty() {
			return d, "slate"
		} else if err != nil && !errors.Is(err, channel.ErrNotFound) {
			e.logger.Warn().Err(err).Str(log.FieldChannelID, ch.ID).Msg("slate stage failed")
		}
	}
	return stitch.AdDecision{}, "empty"
}

func (e *Engine) fromVAST(ctx context.Context, ch *channel.Channel, duration float64) (stitch.AdDecision, error) {
	vastCtx := ctx
	if ch.VASTTimeoutMS > 0 {
		var cancel context.CancelFunc
		vastCtx, cancel = context.WithTimeout(ctx, time.Duration(ch.VASTTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	ads, err := e.vast.Resolve(vastCtx, ch.VASTURL)
	if err != nil {
		return stitch.AdDecision{}, err
	}

	var items []stitch.AdItem
	var sum float64
	for _, ad := range ads {
		if len(items) > 0 && sum+ad.Duration > duration {
			break
		}
		variants := nearestVariants(ch.BitrateLadder, ad.MediaFiles)
		if len(variants) == 0 {
			continue
		}
		items = append(items, stitch.AdItem{AdID: ad.ID, Duration: ad.Duration, Variants: variants})
		sum += ad.Duration
	}
	if len(items) == 0 {
		return stitch.AdDecision{}, nil
	}
	return stitch.AdDecision{PodID: "vast:" + items[0].AdID, Items: items}, nil
}

func (e *Engine) fromPods(ctx context.Context, ch *channel.Channel, duration float64) (stitch.AdDecision, error) {
	pods, err := e.catalog.PodsForChannel(ctx, ch.ID)
	if err != nil {
		return stitch.AdDecision{}, err
	}

	for _, pod := range pods {
		items, err := e.resolvePod(ctx, pod, duration)
		if err != nil {
			e.logger.Warn().Err(err).
				Str(log.FieldChannelID, ch.ID).
				Str(log.FieldPodID, pod.ID).
				Msg("pod skipped")
			continue
		}
		if len(items) > 0 {
			return stitch.AdDecision{PodID: pod.ID, Items: items}, nil
		}
	}
	return stitch.AdDecision{}, nil
}

func (e *Engine) resolvePod(ctx context.Context, pod db.Pod, duration float64) ([]stitch.AdItem, error) {
	var items []stitch.AdItem
	var sum float64
	for _, adID := range pod.AdIDs {
		ad, err := e.catalog.AdByID(ctx, adID)
		if err != nil {
			return nil, fmt.Errorf("ad %s: %w", adID, err)
		}
		if len(items) > 0 && sum+ad.Duration > duration {
			break
		}
		items = append(items, stitch.AdItem{AdID: ad.ID, Duration: ad.Duration, Variants: ad.Variants})
		sum += ad.Duration
	}
	return items, nil
}

func (e *Engine) fromSlate(ctx context.Context, ch *channel.Channel, duration float64) (stitch.AdDecision, error) {
	var (
		slate *db.Slate
		err   error
	)
	if ch.SlateID != "" {
		slate, err = e.catalog.SlateByID(ctx, ch.SlateID)
	} else {
		slate, err = e.catalog.DefaultSlate(ctx, ch.OrgSlug)
	}
	if err != nil {
		return stitch.AdDecision{}, err
	}
	if slate.Duration <= 0 {
		return stitch.AdDecision{}, nil
	}

	// Slate loops to fill the break, always at least once.
	items := []stitch.AdItem{{AdID: slate.ID, Duration: slate.Duration, Variants: slate.Variants}}
	for sum := slate.Duration; sum+slate.Duration <= duration; sum += slate.Duration {
		items = append(items, stitch.AdItem{AdID: slate.ID, Duration: slate.Duration, Variants: slate.Variants})
	}
	return stitch.AdDecision{PodID: "slate:" + slate.ID, Items: items}, nil
}

// nearestVariants maps each ladder bitrate to the media file closest to it.
func nearestVariants(ladder []int, files []vast.MediaFile) map[int]string {
	if len(files) == 0 {
		return nil
	}
	variants := make(map[int]string, len(ladder))
	for _, want := range ladder {
		best := files[0]
		for _, f := range files[1:] {
			if delta(f.Bitrate, want) < delta(best.Bitrate, want) {
				best = f
			}
		}
		if url := best.URL(); url != "" {
			variants[want] = url
		}
	}
	return variants
}

func delta(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
