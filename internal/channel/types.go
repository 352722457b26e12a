// SPDX-License-Identifier: MIT

// Package channel defines channel configuration and its read-through cache.
package channel

import (
	"errors"
	"fmt"
	"sort"
)

// Mode selects how ad breaks are delivered to viewers.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeSGAIOnly Mode = "sgai_only"
	ModeSSAIOnly Mode = "ssai_only"
)

var (
	ErrNotFound       = errors.New("channel not found")
	ErrInvalidChannel = errors.New("invalid channel")
)

// Channel is the per-channel configuration. It is stored in the admin
// database and served through the KV-backed config cache; raw JSON never
// crosses this boundary.
type Channel struct {
	ID      string `json:"id"`
	OrgSlug string `json:"org_slug"`
	Slug    string `json:"slug"`

	OriginURL string `json:"origin_url"`
	Mode      Mode   `json:"mode"`

	SCTE35Enabled    bool `json:"scte35_enabled"`
	SCTE35AutoInsert bool `json:"scte35_auto_insert"`
	// Tier filters SCTE-35 cues: a cue passes when its tier equals this
	// value, when it carries the 0xFFF wildcard, or when the channel tier
	// is 0 (no filtering). See TierAccepts.
	Tier int `json:"tier"`

	TimeAutoInsert    bool `json:"time_auto_insert"`
	TimeAutoIntervalS int  `json:"time_auto_interval_s,omitempty"`

	BitrateLadder []int `json:"bitrate_ladder"`

	DefaultAdDuration float64 `json:"default_ad_duration_s"`
	VASTEnabled       bool    `json:"vast_enabled"`
	VASTURL           string  `json:"vast_url,omitempty"`
	VASTTimeoutMS     int     `json:"vast_timeout_ms"`

	SegmentCacheMaxAgeS  int `json:"segment_cache_max_age_s"`
	ManifestCacheMaxAgeS int `json:"manifest_cache_max_age_s"`

	SlateID      string `json:"slate_id,omitempty"`
	AdPodBaseURL string `json:"ad_pod_base_url,omitempty"`
	SignHost     string `json:"sign_host,omitempty"`
}

// Validate enforces the configuration bounds before a channel is served.
func (c *Channel) Validate() error {
	if c.OrgSlug == "" || c.Slug == "" {
		return fmt.Errorf("%w: org and channel slugs are required", ErrInvalidChannel)
	}
	if c.OriginURL == "" {
		return fmt.Errorf("%w: origin_url is required", ErrInvalidChannel)
	}
	switch c.Mode {
	case ModeAuto, ModeSGAIOnly, ModeSSAIOnly:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidChannel, c.Mode)
	}
	if c.Tier < 0 || c.Tier > 5 {
		return fmt.Errorf("%w: tier %d out of range 0..5", ErrInvalidChannel, c.Tier)
	}
	if len(c.BitrateLadder) < 1 || len(c.BitrateLadder) > 6 {
		return fmt.Errorf("%w: bitrate ladder needs 1..6 entries, got %d", ErrInvalidChannel, len(c.BitrateLadder))
	}
	if !sort.IntsAreSorted(c.BitrateLadder) {
		return fmt.Errorf("%w: bitrate ladder must be strictly ascending", ErrInvalidChannel)
	}
	for i := 1; i < len(c.BitrateLadder); i++ {
		if c.BitrateLadder[i] == c.BitrateLadder[i-1] {
			return fmt.Errorf("%w: bitrate ladder must be strictly ascending", ErrInvalidChannel)
		}
	}
	if c.DefaultAdDuration <= 0 || c.DefaultAdDuration > 600 {
		return fmt.Errorf("%w: default_ad_duration_s %v out of range (0,600]", ErrInvalidChannel, c.DefaultAdDuration)
	}
	if c.SegmentCacheMaxAgeS < 1 || c.SegmentCacheMaxAgeS > 300 {
		return fmt.Errorf("%w: segment_cache_max_age_s %d out of range [1,300]", ErrInvalidChannel, c.SegmentCacheMaxAgeS)
	}
	if c.ManifestCacheMaxAgeS < 1 || c.ManifestCacheMaxAgeS > 30 {
		return fmt.Errorf("%w: manifest_cache_max_age_s %d out of range [1,30]", ErrInvalidChannel, c.ManifestCacheMaxAgeS)
	}
	if c.VASTEnabled && c.VASTURL == "" {
		return fmt.Errorf("%w: vast enabled without vast_url", ErrInvalidChannel)
	}
	return nil
}

// TierAccepts applies the SCTE-35 authorization filter. A channel with
// tier 0 accepts everything; tier 0xFFF on the cue means "all tiers";
// otherwise the cue must carry the channel's assigned tier.
func (c *Channel) TierAccepts(cueTier uint16) bool {
	if c.Tier == 0 || cueTier == 0xFFF {
		return true
	}
	return int(cueTier) == c.Tier
}
