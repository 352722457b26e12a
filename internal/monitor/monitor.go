// SPDX-License-Identifier: MIT

// Package monitor watches origin playlists for SCTE-35 markers and drives
// the time-based break scheduler. It keeps no state of its own: every cue is
// forwarded to the coordinator, which owns deduplication.
package monitor

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/coordinator"
	"github.com/stitchd/stitchd/internal/hls"
	"github.com/stitchd/stitchd/internal/log"
	"github.com/stitchd/stitchd/internal/metrics"
	"github.com/stitchd/stitchd/internal/origin"
	"github.com/stitchd/stitchd/internal/scte35"
	"github.com/stitchd/stitchd/internal/stitch"
)

// reconcileInterval is how often the channel set is re-read from the admin
// database.
const reconcileInterval = 30 * time.Second

// Lister enumerates the channels to watch.
type Lister interface {
	Channels(ctx context.Context) ([]*channel.Channel, error)
}

// Monitor runs one poller per SCTE-enabled channel.
type Monitor struct {
	lister  Lister
	fetcher *origin.Fetcher
	coord   *coordinator.Coordinator
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu      sync.Mutex
	runners map[string]*runner
}

// New builds a monitor. pollRate caps total origin polls per second across
// all channels.
func New(lister Lister, fetcher *origin.Fetcher, coord *coordinator.Coordinator, pollRate rate.Limit) *Monitor {
	return &Monitor{
		lister:  lister,
		fetcher: fetcher,
		coord:   coord,
		limiter: rate.NewLimiter(pollRate, int(pollRate)+1),
		logger:  log.WithComponent("monitor"),
		runners: make(map[string]*runner),
	}
}

type runner struct {
	cancel context.CancelFunc

	mu sync.Mutex
	ch *channel.Channel

	targetDuration int
	nextScheduled  time.Time
}

func (r *runner) channel() *channel.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch
}

// Run reconciles pollers against the channel set until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	m.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	channels, err := m.lister.Channels(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("channel listing failed")
		return
	}

	wanted := make(map[string]*channel.Channel)
	for _, ch := range channels {
		if ch.SCTE35Enabled || ch.TimeAutoInsert {
			wanted[ch.ID] = ch
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.runners {
		if ch, ok := wanted[id]; ok {
			r.mu.Lock()
			r.ch = ch
			r.mu.Unlock()
			delete(wanted, id)
			continue
		}
		r.cancel()
		delete(m.runners, id)
	}
	for id, ch := range wanted {
		runCtx, cancel := context.WithCancel(ctx)
		r := &runner{cancel: cancel, ch: ch}
		m.runners[id] = r
		go m.run(runCtx, r)
	}
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.runners {
		r.cancel()
		delete(m.runners, id)
	}
}

func (m *Monitor) run(ctx context.Context, r *runner) {
	for {
		ch := r.channel()

		if ch.SCTE35Enabled {
			if err := m.PollChannel(ctx, ch); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).
					Str(log.FieldChannelID, ch.ID).
					Str(log.FieldOrigin, ch.OriginURL).
					Msg("poll failed")
			}
		}
		if ch.TimeAutoInsert {
			if _, err := m.ScheduledTick(ctx, ch, time.Now()); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).
					Str(log.FieldChannelID, ch.ID).
					Msg("scheduled insert failed")
			}
		}
		if _, err := m.coord.Expire(ctx, ch.ID, time.Now()); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Str(log.FieldChannelID, ch.ID).Msg("expiry sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval(r)):
		}
	}
}

// interval derives the polling cadence: at least the manifest cache age, but
// never faster than half a target duration once one is known.
func (m *Monitor) interval(r *runner) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	iv := time.Duration(r.ch.ManifestCacheMaxAgeS) * time.Second
	if half := time.Duration(r.targetDuration) * time.Second / 2; half > iv {
		iv = half
	}
	if iv <= 0 {
		iv = time.Second
	}
	return iv
}

// PollChannel samples the channel's origin once, decoding any SCTE-35
// carriage it finds and forwarding the cues. Multivariant origins are
// followed into their first variant.
func (m *Monitor) PollChannel(ctx context.Context, ch *channel.Channel) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := m.fetcher.Fetch(ctx, ch.OriginURL)
	if err != nil {
		return err
	}
	if bytes.Contains(data, []byte("#EXT-X-STREAM-INF")) {
		variantURL, err := firstVariant(ch.OriginURL, data)
		if err != nil {
			return err
		}
		if data, err = m.fetcher.Fetch(ctx, variantURL); err != nil {
			return err
		}
	}

	playlist, err := hls.Parse(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if r, ok := m.runners[ch.ID]; ok {
		r.mu.Lock()
		r.targetDuration = playlist.TargetDuration
		r.mu.Unlock()
	}
	m.mu.Unlock()

	for _, payload := range playlist.SCTE35Payloads() {
		var cue *scte35.Cue
		switch payload.Encoding {
		case hls.PayloadBase64:
			cue, err = scte35.DecodeBase64(payload.Value)
		case hls.PayloadHex:
			cue, err = scte35.DecodeHex(payload.Value)
		}
		if err != nil {
			metrics.Scte35Cues.WithLabelValues("undecodable").Inc()
			m.logger.Debug().Err(err).
				Str(log.FieldChannelID, ch.ID).
				Msg("undecodable scte35 payload dropped")
			continue
		}
		if payload.HasPDT && !cue.HasPDT {
			cue.PDT = payload.PDT
			cue.HasPDT = true
		}
		created, err := m.coord.HandleCue(ctx, ch, cue, time.Now())
		if err != nil {
			metrics.Scte35Cues.WithLabelValues("rejected").Inc()
			m.logger.Warn().Err(err).
				Str(log.FieldChannelID, ch.ID).
				Uint32(log.FieldEventID, cue.EventID).
				Msg("cue rejected")
			continue
		}
		if created {
			metrics.Scte35Cues.WithLabelValues("accepted").Inc()
			m.logger.Info().
				Str(log.FieldChannelID, ch.ID).
				Uint32(log.FieldEventID, cue.EventID).
				Str("command", string(cue.Command)).
				Msg("scte35 break opened")
		} else {
			metrics.Scte35Cues.WithLabelValues("dropped").Inc()
		}
	}
	return nil
}

// ScheduledTick opens a time-based break when the channel's auto-insert
// interval has elapsed since the last one.
func (m *Monitor) ScheduledTick(ctx context.Context, ch *channel.Channel, now time.Time) (bool, error) {
	if !ch.TimeAutoInsert || ch.TimeAutoIntervalS <= 0 {
		return false, nil
	}

	m.mu.Lock()
	r, ok := m.runners[ch.ID]
	if !ok {
		r = &runner{cancel: func() {}, ch: ch}
		m.runners[ch.ID] = r
	}
	m.mu.Unlock()

	r.mu.Lock()
	due := r.nextScheduled.IsZero() || !now.Before(r.nextScheduled)
	if due {
		r.nextScheduled = now.Add(time.Duration(ch.TimeAutoIntervalS) * time.Second)
	}
	r.mu.Unlock()
	if !due {
		return false, nil
	}

	eventID := "sched-" + uuid.NewString()
	_, created, err := m.coord.StartBreak(ctx, ch, eventID, stitch.SourceScheduled, ch.DefaultAdDuration, now)
	return created, err
}

// firstVariant resolves the first variant URI of a multivariant playlist
// against its base URL.
func firstVariant(baseURL string, data []byte) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	var found string
	_, err = hls.RewriteMultivariant(data, func(uri string, _ map[string]string) string {
		if found == "" {
			found = uri
		}
		return uri
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", stitch.E(stitch.KindMalformedManifest, "multivariant without variants", nil)
	}
	ref, err := url.Parse(strings.TrimSpace(found))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
