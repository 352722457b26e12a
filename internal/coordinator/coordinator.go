// SPDX-License-Identifier: MIT

// Package coordinator serialises ad-break state per channel. One logical
// actor owns each channel: every mutation runs under that channel's lock and
// is flushed to durable storage before the lock releases, so a viewer
// request that starts after a cue response returns always observes the new
// break.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/log"
	"github.com/stitchd/stitchd/internal/scte35"
	"github.com/stitchd/stitchd/internal/stitch"
	"github.com/stitchd/stitchd/internal/store"
)

const (
	// DedupCapacity bounds the per-channel LRU of seen SCTE-35 events.
	DedupCapacity = 256
	// WriteLockTimeout caps how long a write trigger may wait for the
	// channel lock before giving up with LockTimeout.
	WriteLockTimeout = 50 * time.Millisecond
)

// Decider resolves the ad content for a new break.
type Decider interface {
	Decide(ctx context.Context, ch *channel.Channel, eventID string, duration float64) (stitch.AdDecision, error)
}

// Snapshot is the read view handed to the serving path.
type Snapshot struct {
	Break   *stitch.AdBreakState
	Version uint64
	Mode    stitch.ServeMode
	HasMode bool
}

// Coordinator multiplexes per-channel actors.
type Coordinator struct {
	store    store.StateStore
	decider  Decider
	logger   zerolog.Logger
	dedupCap int

	mu     sync.Mutex
	actors map[string]*actor
}

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithDedupCapacity overrides the dedup LRU size.
func WithDedupCapacity(n int) Option {
	return func(c *Coordinator) { c.dedupCap = n }
}

// New builds a coordinator on top of durable break storage.
func New(st store.StateStore, d Decider, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		decider:  d,
		logger:   log.WithComponent("coordinator"),
		dedupCap: DedupCapacity,
		actors:   make(map[string]*actor),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type actor struct {
	sem    chan struct{}
	loaded bool
	state  stitch.ChannelState
	dedup  *lru.Cache[string, struct{}]
}

func (c *Coordinator) actorFor(channelID string) *actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actors[channelID]
	if !ok {
		dedup, _ := lru.New[string, struct{}](c.dedupCap)
		a = &actor{sem: make(chan struct{}, 1), dedup: dedup}
		c.actors[channelID] = a
	}
	return a
}

func (a *actor) acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case a.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-t.C:
		return stitch.E(stitch.KindLockTimeout, "channel write lock contended", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) release() { <-a.sem }

// load hydrates the actor from durable storage once. Must hold the lock.
func (a *actor) load(ctx context.Context, st store.StateStore, channelID string) error {
	if a.loaded {
		return nil
	}
	state, err := st.Load(ctx, channelID)
	if err != nil {
		return err
	}
	if state != nil {
		a.state = *state
		for _, id := range state.Dedup {
			a.dedup.Add(id, struct{}{})
		}
	}
	if a.state.Modes == nil {
		a.state.Modes = make(map[string]stitch.ServeMode)
	}
	a.loaded = true
	return nil
}

// commit persists candidate and only then applies it in memory. A storage
// failure leaves both the durable and in-memory state untouched.
func (a *actor) commit(ctx context.Context, st store.StateStore, channelID string, candidate stitch.ChannelState) error {
	candidate.Dedup = a.dedup.Keys()
	if err := st.Save(ctx, channelID, &candidate); err != nil {
		return err
	}
	a.state = candidate
	return nil
}

// StartRequest describes a break trigger.
type StartRequest struct {
	Channel  *channel.Channel
	EventID  string
	Source   stitch.BreakSource
	Duration float64
	// Preset bypasses the decision engine, for cue calls that carry their
	// own pod playlist.
	Preset *stitch.AdDecision
	// PodID overrides the resolved pod id without replacing its content.
	PodID  string
	SCTE35 *stitch.SCTE35Info
}

// StartBreak transitions the channel into an active break. The returned bool
// reports whether a new break was created; when an un-ended break already
// holds the channel, the call is a no-op returning that break.
func (c *Coordinator) StartBreak(ctx context.Context, ch *channel.Channel, eventID string, source stitch.BreakSource, duration float64, now time.Time) (*stitch.AdBreakState, bool, error) {
	return c.Start(ctx, StartRequest{Channel: ch, EventID: eventID, Source: source, Duration: duration}, now)
}

// Start applies a break trigger under the channel lock.
func (c *Coordinator) Start(ctx context.Context, req StartRequest, now time.Time) (*stitch.AdBreakState, bool, error) {
	ch := req.Channel
	eventID := req.EventID
	source := req.Source
	duration := req.Duration
	scteInfo := req.SCTE35

	a := c.actorFor(ch.ID)
	if err := a.acquire(ctx, WriteLockTimeout); err != nil {
		return nil, false, err
	}
	defer a.release()

	if err := a.load(ctx, c.store, ch.ID); err != nil {
		return nil, false, err
	}

	if cur := a.state.ActiveBreak; cur != nil && !cur.Ended(now) {
		return cloneBreak(cur), false, nil
	}

	if duration <= 0 {
		duration = ch.DefaultAdDuration
	}
	if max := stitch.MaxBreakDuration.Seconds(); duration > max {
		duration = max
	}

	var decision stitch.AdDecision
	if req.Preset != nil {
		decision = *req.Preset
	} else {
		var err error
		decision, err = c.decider.Decide(ctx, ch, eventID, duration)
		if err != nil {
			// The break still opens so the manifest window stays
			// consistent across variants; it just carries no ads.
			c.logger.Warn().Err(err).
				Str(log.FieldChannelID, ch.ID).
				Str(log.FieldEventID, eventID).
				Msg("decision failed, opening empty break")
			decision = stitch.AdDecision{}
		}
	}
	if req.PodID != "" {
		decision.PodID = req.PodID
	}

	start := now
	if scteInfo != nil && !scteInfo.PDT.IsZero() {
		start = scteInfo.PDT
	}
	br := &stitch.AdBreakState{
		ChannelID: ch.ID,
		EventID:   eventID,
		Source:    source,
		StartTime: start,
		EndTime:   start.Add(time.Duration(duration * float64(time.Second))),
		Duration:  duration,
		Decision:  decision,
		CreatedAt: now,
		SCTE35:    scteInfo,
	}

	candidate := a.state
	candidate.ActiveBreak = br
	candidate.Version++
	// Mode pins are scoped to the active break.
	candidate.Modes = make(map[string]stitch.ServeMode)

	// The event must enter the dedup set before commit snapshots it, or the
	// durable set misses the newest event and a restart replays the cue.
	if source == stitch.SourceSCTE35 {
		a.dedup.Add(eventID, struct{}{})
	}
	if err := a.commit(ctx, c.store, ch.ID, candidate); err != nil {
		if source == stitch.SourceSCTE35 {
			a.dedup.Remove(eventID)
		}
		return nil, false, err
	}

	c.logger.Info().
		Str(log.FieldChannelID, ch.ID).
		Str(log.FieldEventID, eventID).
		Str(log.FieldSource, string(source)).
		Str(log.FieldPodID, decision.PodID).
		Uint64(log.FieldVersion, a.state.Version).
		Float64("duration_s", duration).
		Msg("ad break started")
	return cloneBreak(br), true, nil
}

// HandleCue applies an SCTE-35 cue decoded from the origin manifest. Returns
// whether a break was started. Guards that fail drop the cue silently; the
// monitor re-delivers the same cue on every poll.
func (c *Coordinator) HandleCue(ctx context.Context, ch *channel.Channel, cue *scte35.Cue, now time.Time) (bool, error) {
	if !ch.SCTE35Enabled || !ch.SCTE35AutoInsert {
		return false, nil
	}
	if cue.Cancel || !cue.OutOfNetwork {
		return false, nil
	}
	if !ch.TierAccepts(cue.Tier) {
		return false, nil
	}

	eventID := fmt.Sprintf("scte35-%d", cue.EventID)
	a := c.actorFor(ch.ID)
	if err := a.acquire(ctx, WriteLockTimeout); err != nil {
		return false, err
	}
	// Hydrate before the dedup check so a fresh process sees the durable set.
	err := a.load(ctx, c.store, ch.ID)
	seen := err == nil && a.dedup.Contains(eventID)
	a.release()
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	duration := ch.DefaultAdDuration
	if cue.HasDuration && cue.Duration > 0 {
		duration = cue.Duration
	}
	info := &stitch.SCTE35Info{
		SignalType: string(cue.Command),
		EventID:    cue.EventID,
	}
	if cue.HasPDT {
		info.PDT = cue.PDT
	}

	_, created, err := c.Start(ctx, StartRequest{
		Channel:  ch,
		EventID:  eventID,
		Source:   stitch.SourceSCTE35,
		Duration: duration,
		SCTE35:   info,
	}, now)
	return created, err
}

// StopBreak clears the active break. Returns whether one existed.
func (c *Coordinator) StopBreak(ctx context.Context, channelID string, now time.Time) (bool, error) {
	a := c.actorFor(channelID)
	if err := a.acquire(ctx, WriteLockTimeout); err != nil {
		return false, err
	}
	defer a.release()

	if err := a.load(ctx, c.store, channelID); err != nil {
		return false, err
	}
	if a.state.ActiveBreak == nil {
		return false, nil
	}

	candidate := a.state
	candidate.ActiveBreak = nil
	candidate.Version++
	candidate.Modes = make(map[string]stitch.ServeMode)
	if err := a.commit(ctx, c.store, channelID, candidate); err != nil {
		return false, err
	}

	c.logger.Info().
		Str(log.FieldChannelID, channelID).
		Uint64(log.FieldVersion, a.state.Version).
		Msg("ad break stopped")
	return true, nil
}

// Expire clears a break whose grace period has passed. Safe to call from
// periodic sweeps; no-op while the break is live or in grace.
func (c *Coordinator) Expire(ctx context.Context, channelID string, now time.Time) (bool, error) {
	a := c.actorFor(channelID)
	if err := a.acquire(ctx, WriteLockTimeout); err != nil {
		return false, err
	}
	defer a.release()

	if err := a.load(ctx, c.store, channelID); err != nil {
		return false, err
	}
	br := a.state.ActiveBreak
	if br == nil || !br.Expired(now) {
		return false, nil
	}

	candidate := a.state
	candidate.ActiveBreak = nil
	candidate.Version++
	candidate.Modes = make(map[string]stitch.ServeMode)
	if err := a.commit(ctx, c.store, channelID, candidate); err != nil {
		return false, err
	}
	return true, nil
}

// Read returns a consistent view for one viewer request. eventID scopes the
// pinned-mode lookup; expired breaks read as no break at all.
func (c *Coordinator) Read(ctx context.Context, channelID string, now time.Time) (Snapshot, error) {
	a := c.actorFor(channelID)
	if err := a.acquire(ctx, 0); err != nil {
		return Snapshot{}, err
	}
	defer a.release()

	if err := a.load(ctx, c.store, channelID); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Version: a.state.Version}
	br := a.state.ActiveBreak
	if br == nil || br.Expired(now) {
		return snap, nil
	}
	snap.Break = cloneBreak(br)
	if mode, ok := a.state.Modes[br.EventID]; ok {
		snap.Mode = mode
		snap.HasMode = true
	}
	return snap, nil
}

// PinMode records the serving mode chosen on the first serve of a break so
// later variant requests of the same break never switch modes. The pin is
// written through; losing it would let another replica re-choose.
func (c *Coordinator) PinMode(ctx context.Context, channelID, eventID string, mode stitch.ServeMode) error {
	a := c.actorFor(channelID)
	if err := a.acquire(ctx, WriteLockTimeout); err != nil {
		return err
	}
	defer a.release()

	if err := a.load(ctx, c.store, channelID); err != nil {
		return err
	}
	if cur, ok := a.state.Modes[eventID]; ok && cur == mode {
		return nil
	}

	candidate := a.state
	candidate.Modes = make(map[string]stitch.ServeMode, len(a.state.Modes)+1)
	for k, v := range a.state.Modes {
		candidate.Modes[k] = v
	}
	candidate.Modes[eventID] = mode
	candidate.Version++
	return a.commit(ctx, c.store, channelID, candidate)
}

func cloneBreak(b *stitch.AdBreakState) *stitch.AdBreakState {
	cp := *b
	if b.SCTE35 != nil {
		info := *b.SCTE35
		cp.SCTE35 = &info
	}
	return &cp
}
