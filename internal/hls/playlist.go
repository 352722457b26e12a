// SPDX-License-Identifier: MIT

// Package hls parses and emits HLS media playlists.
//
// The parser extracts the tags the gateway rewrites and preserves every
// other line verbatim, so emission is stable for playlists produced by
// unknown packagers.
package hls

import (
	"strconv"
	"strings"
	"time"
)

// Tag names handled structurally. Anything else is carried through as-is.
const (
	TagHeader          = "#EXTM3U"
	TagVersion         = "#EXT-X-VERSION"
	TagTargetDuration  = "#EXT-X-TARGETDURATION"
	TagMediaSequence   = "#EXT-X-MEDIA-SEQUENCE"
	TagDiscSequence    = "#EXT-X-DISCONTINUITY-SEQUENCE"
	TagPartInf         = "#EXT-X-PART-INF"
	TagProgramDateTime = "#EXT-X-PROGRAM-DATE-TIME"
	TagInf             = "#EXTINF"
	TagDiscontinuity   = "#EXT-X-DISCONTINUITY"
	TagDateRange       = "#EXT-X-DATERANGE"
	TagOatclsScte35    = "#EXT-OATCLS-SCTE35"
	TagCueOut          = "#EXT-X-CUE-OUT"
	TagCueIn           = "#EXT-X-CUE-IN"
	TagEndlist         = "#EXT-X-ENDLIST"
)

// Segment is one media segment block: the URI plus the tags that preceded it.
type Segment struct {
	Duration      float64
	DurationRaw   string // original #EXTINF payload; reused on emission when set
	Title         string
	HasPDT        bool
	PDT           time.Time
	PDTRaw        string // original PDT value; reused on emission when set
	Discontinuity bool
	Aux           []string // verbatim tag lines of this block, in original order
	URI           string
}

// MediaPlaylist is the parsed form of a media playlist.
type MediaPlaylist struct {
	Version            int
	HasVersion         bool
	TargetDuration     int
	HasTargetDuration  bool
	MediaSequence      int64
	HasMediaSequence   bool
	DiscSequence       int64
	HasDiscSequence    bool
	PartTargetDuration float64
	HeaderTags         []string // verbatim playlist-level tags before the first segment
	Segments           []Segment
	TailTags           []string // verbatim tags after the last segment
	Endlist            bool
}

// FirstPDT returns the PDT of the first segment carrying one.
func (p *MediaPlaylist) FirstPDT() (time.Time, bool) {
	for i := range p.Segments {
		if p.Segments[i].HasPDT {
			return p.Segments[i].PDT, true
		}
	}
	return time.Time{}, false
}

// TotalDuration sums all segment durations.
func (p *MediaPlaylist) TotalDuration() float64 {
	var sum float64
	for i := range p.Segments {
		sum += p.Segments[i].Duration
	}
	return sum
}

// FormatDuration renders a segment duration the way the gateway writes
// synthesised segments: shortest representation with at least one decimal.
func FormatDuration(d float64) string {
	s := strconv.FormatFloat(d, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// FormatPDT renders a wall-clock timestamp as a PROGRAM-DATE-TIME value.
func FormatPDT(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseAttributes splits an attribute-list tag payload such as
// `ID="x",DURATION=30.0` into a key/value map. Quotes are stripped from
// quoted values; quoting inside values is kept intact.
func ParseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val = s[1:]
				s = ""
			} else {
				val = s[1 : end+1]
				s = s[end+2:]
				s = strings.TrimPrefix(s, ",")
			}
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				val = s
				s = ""
			} else {
				val = s[:end]
				s = s[end+1:]
			}
		}
		if key != "" {
			attrs[key] = val
		}
	}
	return attrs
}
