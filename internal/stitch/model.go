// SPDX-License-Identifier: MIT

package stitch

import "time"

// BreakSource identifies which trigger opened an ad break.
type BreakSource string

const (
	SourceSCTE35    BreakSource = "scte35"
	SourceManual    BreakSource = "manual"
	SourceScheduled BreakSource = "scheduled"
)

// ServeMode is the delivery mode pinned per (viewer, break).
type ServeMode string

const (
	ServeSGAI ServeMode = "sgai"
	ServeSSAI ServeMode = "ssai"
)

// MaxBreakDuration bounds a single ad break.
const MaxBreakDuration = 600 * time.Second

// BreakGrace keeps a finished break around so trailing variant requests
// still observe a consistent manifest window.
const BreakGrace = 10 * time.Second

// AdItem is one ad of a pod with its transcoded variant playlists, keyed by
// bitrate in kbps.
type AdItem struct {
	AdID     string         `json:"ad_id"`
	Duration float64        `json:"duration_s"`
	Variants map[int]string `json:"variants"`
}

// AdDecision is the resolved content for one ad break. AssetURL, when set,
// points at the interstitial multivariant playlist announced to guided
// clients; otherwise the serving layer derives one from the pod id.
type AdDecision struct {
	PodID    string   `json:"pod_id"`
	AssetURL string   `json:"asset_url,omitempty"`
	Items    []AdItem `json:"items"`
}

// Empty reports whether the decision carries no ads. An empty decision means
// "do nothing" in SSAI mode and omits the DATERANGE in SGAI mode.
func (d AdDecision) Empty() bool { return len(d.Items) == 0 }

// SpliceReady reports whether every item carries per-bitrate playlists, the
// precondition for segment splicing. Asset-only pods can only be announced
// as interstitials.
func (d AdDecision) SpliceReady() bool {
	if len(d.Items) == 0 {
		return false
	}
	for _, it := range d.Items {
		if len(it.Variants) == 0 {
			return false
		}
	}
	return true
}

// Duration sums the item durations in seconds.
func (d AdDecision) Duration() float64 {
	var sum float64
	for _, it := range d.Items {
		sum += it.Duration
	}
	return sum
}

// SCTE35Info records the origin cue that triggered a break.
type SCTE35Info struct {
	PDT        time.Time `json:"pdt"`
	SignalType string    `json:"signal_type"`
	EventID    uint32    `json:"event_id"`
}

// AdBreakState is the single active break of a channel. At most one exists
// per channel at any instant.
type AdBreakState struct {
	ChannelID string      `json:"channel_id"`
	EventID   string      `json:"event_id"`
	Source    BreakSource `json:"source"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Duration  float64     `json:"duration_s"`
	Decision  AdDecision  `json:"decision"`
	CreatedAt time.Time   `json:"created_at"`
	SCTE35    *SCTE35Info `json:"scte35,omitempty"`
}

// Ended reports whether the break is over (ignoring grace).
func (b *AdBreakState) Ended(now time.Time) bool {
	return !now.Before(b.EndTime)
}

// Expired reports whether the break may be cleared.
func (b *AdBreakState) Expired(now time.Time) bool {
	return !now.Before(b.EndTime.Add(BreakGrace))
}

// ChannelState is the durable per-channel coordinator record.
type ChannelState struct {
	ActiveBreak *AdBreakState        `json:"active_break,omitempty"`
	Version     uint64               `json:"version"`
	Dedup       []string             `json:"dedup_set"`
	Modes       map[string]ServeMode `json:"last_served_modes"`
}
