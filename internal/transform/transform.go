// SPDX-License-Identifier: MIT

// Package transform rewrites media playlists for active ad breaks. It has
// two outputs: an interstitial DATERANGE for server-guided insertion, and a
// spliced segment timeline for server-side insertion. Both operate on the
// parsed playlist form and keep wall-clock continuity intact.
package transform

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stitchd/stitchd/internal/hls"
	"github.com/stitchd/stitchd/internal/stitch"
)

const interstitialClass = "com.apple.hls.interstitial"

// AdSegment is one spliced ad entry.
type AdSegment struct {
	Duration float64
	URI      string
}

// InsertInterstitial adds a single interstitial DATERANGE announcing the ad
// pod. The tag lands immediately after the first PROGRAM-DATE-TIME at or
// past start minus one target duration, so players see it before the splice
// point scrolls out of the window. Calling it again with the same pod is a
// no-op.
func InsertInterstitial(p *hls.MediaPlaylist, podID string, start time.Time, duration float64, assetURI string) {
	if hasInterstitial(p, podID) {
		return
	}

	tag := fmt.Sprintf(
		`%s:ID=%q,CLASS=%q,START-DATE=%q,DURATION=%s,X-ASSET-URI=%q,X-RESTRICT="SKIP,JUMP",CUE="PRE,ONCE"`,
		hls.TagDateRange, podID, interstitialClass,
		hls.FormatPDT(start), hls.FormatDuration(duration), assetURI)

	threshold := start.Add(-time.Duration(p.TargetDuration) * time.Second)
	for i := range p.Segments {
		if p.Segments[i].HasPDT && !p.Segments[i].PDT.Before(threshold) {
			p.Segments[i].Aux = append(p.Segments[i].Aux, tag)
			return
		}
	}

	// No qualifying timestamp: announce right after the first segment.
	switch {
	case len(p.Segments) > 1:
		p.Segments[1].Aux = append([]string{tag}, p.Segments[1].Aux...)
	default:
		p.TailTags = append(p.TailTags, tag)
	}
}

func hasInterstitial(p *hls.MediaPlaylist, podID string) bool {
	match := func(line string) bool {
		if !strings.HasPrefix(line, hls.TagDateRange+":") {
			return false
		}
		attrs := hls.ParseAttributes(line[len(hls.TagDateRange)+1:])
		return attrs["CLASS"] == interstitialClass && attrs["ID"] == podID
	}
	for _, t := range p.HeaderTags {
		if match(t) {
			return true
		}
	}
	for i := range p.Segments {
		for _, t := range p.Segments[i].Aux {
			if match(t) {
				return true
			}
		}
	}
	for _, t := range p.TailTags {
		if match(t) {
			return true
		}
	}
	return false
}

// SpliceSegments replaces the content window starting at p0 with the ad
// segments. Content before the splice point stays untouched; from the splice
// point, content segments are consumed until their summed duration covers
// the pod, then the timeline resumes with the wall clock advanced by exactly
// the pod duration.
//
// Segments without their own PROGRAM-DATE-TIME inherit one by extrapolating
// from the last explicit timestamp. If p0 predates the whole window or no
// timestamp exists at all, the splice fails with PdtMissing.
func SpliceSegments(p *hls.MediaPlaylist, p0 time.Time, ads []AdSegment) error {
	if len(ads) == 0 {
		return nil
	}

	i0, ok := spliceIndex(p, p0)
	if !ok {
		return stitch.E(stitch.KindPdtMissing,
			fmt.Sprintf("splice point %s outside playlist window", hls.FormatPDT(p0)), nil)
	}

	var podDuration float64
	for _, a := range ads {
		podDuration += a.Duration
	}

	// Consume content until the pod duration is covered.
	i1 := i0
	var consumed float64
	for i := i0; i < len(p.Segments); i++ {
		consumed += p.Segments[i].Duration
		i1 = i
		if consumed >= podDuration {
			break
		}
	}

	out := make([]hls.Segment, 0, i0+len(ads)+len(p.Segments)-i1)
	out = append(out, p.Segments[:i0]...)

	var elapsed float64
	for k, a := range ads {
		out = append(out, hls.Segment{
			Duration:      a.Duration,
			HasPDT:        true,
			PDT:           p0.Add(secs(elapsed)),
			Discontinuity: k == 0,
			URI:           a.URI,
		})
		elapsed += a.Duration
	}

	resume := p0.Add(secs(podDuration))
	if i1+1 < len(p.Segments) {
		tail := p.Segments[i1+1:]
		tail[0].Discontinuity = true
		tail[0].HasPDT = true
		tail[0].PDT = resume
		tail[0].PDTRaw = ""
		out = append(out, tail...)
	} else {
		// The pod ran to (or past) the live edge: close the splice in the
		// tail so the next reload resumes cleanly.
		p.TailTags = append(p.TailTags,
			hls.TagDiscontinuity,
			hls.TagProgramDateTime+":"+hls.FormatPDT(resume))
	}
	p.Segments = out
	return nil
}

// spliceIndex finds the first segment whose effective timestamp is at or
// past p0, extrapolating timestamps across segments that carry none. A p0
// older than the window start has aged out and is not found.
func spliceIndex(p *hls.MediaPlaylist, p0 time.Time) (int, bool) {
	var (
		clock    time.Time
		hasClock bool
	)
	for i := range p.Segments {
		if p.Segments[i].HasPDT {
			if !hasClock && p0.Before(p.Segments[i].PDT) {
				return 0, false
			}
			clock = p.Segments[i].PDT
			hasClock = true
		}
		if !hasClock {
			continue
		}
		if !clock.Before(p0) {
			return i, true
		}
		clock = clock.Add(secs(p.Segments[i].Duration))
	}
	return 0, false
}

// PickVariant resolves the playlist URL for the requested bitrate: exact
// match, then the next-higher rung, then the next-lower.
func PickVariant(variants map[int]string, bitrate int) (string, error) {
	if url, ok := variants[bitrate]; ok {
		return url, nil
	}
	rungs := make([]int, 0, len(variants))
	for b := range variants {
		rungs = append(rungs, b)
	}
	if len(rungs) == 0 {
		return "", stitch.E(stitch.KindNoMatchingVariant,
			fmt.Sprintf("no variant for %d kbps", bitrate), nil)
	}
	sort.Ints(rungs)
	for _, b := range rungs {
		if b > bitrate {
			return variants[b], nil
		}
	}
	return variants[rungs[len(rungs)-1]], nil
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
