// SPDX-License-Identifier: MIT

package transform

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchd/stitchd/internal/hls"
	"github.com/stitchd/stitchd/internal/stitch"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// livePlaylist builds n six-second segments starting at baseTime, each
// carrying its own PROGRAM-DATE-TIME.
func livePlaylist(t *testing.T, n int) *hls.MediaPlaylist {
	t.Helper()
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:100\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n#EXTINF:6.0,\nseg%d.ts\n",
			hls.FormatPDT(baseTime.Add(time.Duration(i)*6*time.Second)), i)
	}
	p, err := hls.Parse([]byte(b.String()))
	require.NoError(t, err)
	return p
}

func adPod() []AdSegment {
	return []AdSegment{
		{Duration: 10, URI: "http://cdn/ad/a0.ts"},
		{Duration: 10, URI: "http://cdn/ad/a1.ts"},
		{Duration: 10, URI: "http://cdn/ad/a2.ts"},
	}
}

func TestSpliceReplacesWindow(t *testing.T) {
	p := livePlaylist(t, 8)
	p0 := baseTime.Add(12 * time.Second)

	require.NoError(t, SpliceSegments(p, p0, adPod()))

	// Two content segments survive ahead of the splice.
	require.Len(t, p.Segments, 6)
	assert.Equal(t, "seg0.ts", p.Segments[0].URI)
	assert.Equal(t, "seg1.ts", p.Segments[1].URI)

	// The pod enters behind a discontinuity with a continuous wall clock.
	assert.True(t, p.Segments[2].Discontinuity)
	for i, wantOffset := range []time.Duration{12, 22, 32} {
		seg := p.Segments[2+i]
		assert.Equal(t, fmt.Sprintf("http://cdn/ad/a%d.ts", i), seg.URI)
		assert.Equal(t, 10.0, seg.Duration)
		require.True(t, seg.HasPDT)
		assert.Equal(t, baseTime.Add(wantOffset*time.Second), seg.PDT)
	}
	assert.False(t, p.Segments[3].Discontinuity)

	// Content resumes at p0 plus the pod duration.
	tail := p.Segments[5]
	assert.True(t, tail.Discontinuity)
	assert.Equal(t, "seg7.ts", tail.URI)
	require.True(t, tail.HasPDT)
	assert.Equal(t, baseTime.Add(42*time.Second), tail.PDT)

	out := string(p.Encode())
	assert.Equal(t, 2, strings.Count(out, "#EXT-X-DISCONTINUITY\n"))
	assert.Contains(t, out, "#EXTINF:10.0")
}

func TestSpliceAtLastSegment(t *testing.T) {
	p := livePlaylist(t, 3)
	p0 := baseTime.Add(6 * time.Second)

	require.NoError(t, SpliceSegments(p, p0, []AdSegment{{Duration: 12, URI: "http://cdn/ad/a0.ts"}}))

	// Both splice boundaries exist even though the pod consumed the live
	// edge; the closing one lands in the tail with the resume clock.
	require.Len(t, p.Segments, 2)
	assert.True(t, p.Segments[1].Discontinuity)
	assert.Contains(t, p.TailTags, hls.TagDiscontinuity)
	assert.Contains(t, p.TailTags, "#EXT-X-PROGRAM-DATE-TIME:"+hls.FormatPDT(baseTime.Add(18*time.Second)))
}

func TestSplicePodLongerThanWindow(t *testing.T) {
	p := livePlaylist(t, 3)
	p0 := baseTime.Add(6 * time.Second)

	require.NoError(t, SpliceSegments(p, p0, []AdSegment{{Duration: 60, URI: "http://cdn/ad/long.ts"}}))

	assert.Contains(t, p.TailTags, "#EXT-X-PROGRAM-DATE-TIME:"+hls.FormatPDT(baseTime.Add(66*time.Second)),
		"resume clock advances by the full pod even past the window end")
}

func TestSpliceExtrapolatesMissingPDT(t *testing.T) {
	input := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-PROGRAM-DATE-TIME:" + hls.FormatPDT(baseTime) + "\n" +
		"#EXTINF:6.0,\nseg0.ts\n" +
		"#EXTINF:6.0,\nseg1.ts\n" +
		"#EXTINF:6.0,\nseg2.ts\n" +
		"#EXTINF:6.0,\nseg3.ts\n"
	p, err := hls.Parse([]byte(input))
	require.NoError(t, err)

	require.NoError(t, SpliceSegments(p, baseTime.Add(12*time.Second), []AdSegment{{Duration: 6, URI: "http://cdn/ad/a0.ts"}}))

	assert.Equal(t, "seg1.ts", p.Segments[1].URI)
	assert.Equal(t, "http://cdn/ad/a0.ts", p.Segments[2].URI)
	assert.True(t, p.Segments[2].Discontinuity)
}

func TestSpliceAgedOut(t *testing.T) {
	p := livePlaylist(t, 4)

	err := SpliceSegments(p, baseTime.Add(-time.Minute), adPod())
	assert.Equal(t, stitch.KindPdtMissing, stitch.KindOf(err))
}

func TestSpliceBeyondLiveEdge(t *testing.T) {
	p := livePlaylist(t, 4)

	err := SpliceSegments(p, baseTime.Add(time.Hour), adPod())
	assert.Equal(t, stitch.KindPdtMissing, stitch.KindOf(err))
}

func TestSpliceWithoutAnyPDT(t *testing.T) {
	p, err := hls.Parse([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n"))
	require.NoError(t, err)

	err = SpliceSegments(p, baseTime, adPod())
	assert.Equal(t, stitch.KindPdtMissing, stitch.KindOf(err))
}

func TestSpliceEmptyPodIsNoop(t *testing.T) {
	p := livePlaylist(t, 4)
	before := string(p.Encode())

	require.NoError(t, SpliceSegments(p, baseTime, nil))
	assert.Equal(t, before, string(p.Encode()))
}

func TestInsertInterstitial(t *testing.T) {
	p := livePlaylist(t, 8)
	start := baseTime.Add(12 * time.Second)

	InsertInterstitial(p, "pod-1", start, 30, "http://gw/pods/pod-1.m3u8")

	// Threshold is start minus one target duration, so the tag attaches to
	// the segment stamped T+6.
	require.Len(t, p.Segments[1].Aux, 1)
	attrs := hls.ParseAttributes(strings.TrimPrefix(p.Segments[1].Aux[0], hls.TagDateRange+":"))
	assert.Equal(t, "pod-1", attrs["ID"])
	assert.Equal(t, "com.apple.hls.interstitial", attrs["CLASS"])
	assert.Equal(t, hls.FormatPDT(start), attrs["START-DATE"])
	assert.Equal(t, "30.0", attrs["DURATION"])
	assert.Equal(t, "http://gw/pods/pod-1.m3u8", attrs["X-ASSET-URI"])
	assert.Equal(t, "SKIP,JUMP", attrs["X-RESTRICT"])
	assert.Equal(t, "PRE,ONCE", attrs["CUE"])

	// The tag line follows its PROGRAM-DATE-TIME in the rendered output.
	out := string(p.Encode())
	pdtLine := "#EXT-X-PROGRAM-DATE-TIME:" + hls.FormatPDT(baseTime.Add(6*time.Second))
	assert.Less(t, strings.Index(out, pdtLine), strings.Index(out, "#EXT-X-DATERANGE"))
}

func TestInsertInterstitialIdempotent(t *testing.T) {
	p := livePlaylist(t, 8)
	start := baseTime.Add(12 * time.Second)

	InsertInterstitial(p, "pod-1", start, 30, "http://gw/pods/pod-1.m3u8")
	once := string(p.Encode())
	InsertInterstitial(p, "pod-1", start, 30, "http://gw/pods/pod-1.m3u8")

	assert.Equal(t, once, string(p.Encode()))
	assert.Equal(t, 1, strings.Count(once, "#EXT-X-DATERANGE"))
}

func TestInsertInterstitialWithoutPDT(t *testing.T) {
	p, err := hls.Parse([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n"))
	require.NoError(t, err)

	InsertInterstitial(p, "pod-1", baseTime, 15, "http://gw/pods/pod-1.m3u8")

	require.Len(t, p.Segments[1].Aux, 1, "falls back to the slot after the first segment")
}

func TestPickVariant(t *testing.T) {
	variants := map[int]string{
		800:  "http://cdn/800.m3u8",
		1600: "http://cdn/1600.m3u8",
		3200: "http://cdn/3200.m3u8",
	}

	got, err := PickVariant(variants, 1600)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/1600.m3u8", got)

	got, err = PickVariant(variants, 1200)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/1600.m3u8", got, "next-higher rung wins")

	got, err = PickVariant(variants, 6000)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/3200.m3u8", got, "next-lower rung when nothing above")

	_, err = PickVariant(map[int]string{}, 800)
	assert.Equal(t, stitch.KindNoMatchingVariant, stitch.KindOf(err))
}
