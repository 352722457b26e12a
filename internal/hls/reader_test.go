// SPDX-License-Identifier: MIT

package hls

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:120
#EXT-X-PROGRAM-DATE-TIME:2026-03-01T10:00:00.000Z
#EXTINF:6.000,
seg120.ts
#EXT-X-PROGRAM-DATE-TIME:2026-03-01T10:00:06.000Z
#EXTINF:6.000,
seg121.ts
#EXT-X-PROGRAM-DATE-TIME:2026-03-01T10:00:12.000Z
#EXTINF:6.000,
seg122.ts
`

func TestParseMediaPlaylist(t *testing.T) {
	pl, err := Parse([]byte(livePlaylist))
	require.NoError(t, err)

	assert.Equal(t, 6, pl.Version)
	assert.Equal(t, 6, pl.TargetDuration)
	assert.Equal(t, int64(120), pl.MediaSequence)
	require.Len(t, pl.Segments, 3)
	assert.Equal(t, "seg120.ts", pl.Segments[0].URI)
	assert.Equal(t, 6.0, pl.Segments[0].Duration)
	require.True(t, pl.Segments[0].HasPDT)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), pl.Segments[0].PDT.UTC())
	assert.InDelta(t, 18.0, pl.TotalDuration(), 1e-9)
}

func TestParseTolerance(t *testing.T) {
	crlf := strings.ReplaceAll(livePlaylist, "\n", " \r\n")
	pl, err := Parse([]byte(crlf))
	require.NoError(t, err)
	require.Len(t, pl.Segments, 3)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing header", "#EXT-X-VERSION:3\n#EXTINF:6.0,\nseg.ts\n"},
		{"extinf without uri", "#EXTM3U\n#EXTINF:6.0,\n#EXTINF:6.0,\nseg.ts\n"},
		{"extinf at eof", "#EXTM3U\n#EXTINF:6.0,\n"},
		{"uri without extinf", "#EXTM3U\nseg.ts\n"},
		{"bad duration", "#EXTM3U\n#EXTINF:abc,\nseg.ts\n"},
		{"bad pdt", "#EXTM3U\n#EXT-X-PROGRAM-DATE-TIME:yesterday\n#EXTINF:6.0,\nseg.ts\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParsePreservesUnknownTags(t *testing.T) {
	input := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		"#EXT-X-CUSTOM-HEADER:abc\n" +
		"#EXTINF:6.0,\n" +
		"seg1.ts\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n" +
		"#EXTINF:6.0,\n" +
		"seg2.ts\n" +
		"#EXT-X-TRAILER:1\n"

	pl, err := Parse([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"#EXT-X-CUSTOM-HEADER:abc"}, pl.HeaderTags)
	require.Len(t, pl.Segments, 2)
	assert.Equal(t, []string{"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\""}, pl.Segments[1].Aux)
	assert.Equal(t, []string{"#EXT-X-TRAILER:1"}, pl.TailTags)

	// Unknown tags survive emission verbatim.
	out := string(pl.Encode())
	assert.Contains(t, out, "#EXT-X-CUSTOM-HEADER:abc\n")
	assert.Contains(t, out, "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n")
	assert.Contains(t, out, "#EXT-X-TRAILER:1\n")
}

func TestRoundTrip(t *testing.T) {
	inputs := map[string]string{
		"live": livePlaylist,
		"vod": "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n" +
			"#EXTINF:9.009,first\nseg0.ts\n#EXT-X-DISCONTINUITY\n#EXTINF:9.009,second\nseg1.ts\n#EXT-X-ENDLIST\n",
		"scte": "#EXTM3U\n#EXT-X-TARGETDURATION:6\n" +
			"#EXT-OATCLS-SCTE35:/DAlAAAAAAAA\n#EXT-X-CUE-OUT:30\n#EXTINF:6.0,\nseg1.ts\n" +
			"#EXT-X-CUE-IN\n#EXTINF:6.0,\nseg2.ts\n",
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			first, err := Parse([]byte(input))
			require.NoError(t, err)
			emitted := first.Encode()
			second, err := Parse(emitted)
			require.NoError(t, err)
			assert.Equal(t, first, second, "parse(emit(parse(m))) == parse(m)")
			// Idempotent emission on an unchanged parse.
			assert.Equal(t, emitted, second.Encode())
		})
	}
}

func TestParseAttributes(t *testing.T) {
	attrs := ParseAttributes(`ID="pod-1",CLASS="com.apple.hls.interstitial",DURATION=30.0,X-ASSET-URI="https://a/b,c.m3u8"`)
	assert.Equal(t, "pod-1", attrs["ID"])
	assert.Equal(t, "com.apple.hls.interstitial", attrs["CLASS"])
	assert.Equal(t, "30.0", attrs["DURATION"])
	assert.Equal(t, "https://a/b,c.m3u8", attrs["X-ASSET-URI"])
}

func TestSCTE35Payloads(t *testing.T) {
	input := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n" +
		"#EXTINF:6.0,\nseg0.ts\n" +
		"#EXT-OATCLS-SCTE35:/DAlAAAAAAAAAP/wFAUAAAPv\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-03-01T10:00:00.000Z\n" +
		"#EXTINF:6.0,\nseg1.ts\n" +
		"#EXT-X-DATERANGE:ID=\"break-1\",START-DATE=\"2026-03-01T10:00:06Z\",SCTE35-OUT=0xFC302500\n" +
		"#EXTINF:6.0,\nseg2.ts\n"

	pl, err := Parse([]byte(input))
	require.NoError(t, err)
	payloads := pl.SCTE35Payloads()
	require.Len(t, payloads, 2)
	assert.Equal(t, PayloadBase64, payloads[0].Encoding)
	assert.Equal(t, "/DAlAAAAAAAAAP/wFAUAAAPv", payloads[0].Value)
	assert.True(t, payloads[0].HasPDT)
	assert.Equal(t, PayloadHex, payloads[1].Encoding)
	assert.Equal(t, "FC302500", payloads[1].Value)
}

func TestRewriteMultivariant(t *testing.T) {
	master := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1600000,RESOLUTION=1280x720\n" +
		"v_1600k.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n" +
		"v_800k.m3u8\n"

	out, err := RewriteMultivariant([]byte(master), func(uri string, attrs map[string]string) string {
		return "/acme/sports1/" + uri + "?bw=" + attrs["BANDWIDTH"]
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), "/acme/sports1/v_1600k.m3u8?bw=1600000\n")
	assert.Contains(t, string(out), "/acme/sports1/v_800k.m3u8?bw=800000\n")

	_, err = RewriteMultivariant([]byte("#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n"), nil)
	require.ErrorIs(t, err, ErrMalformed)
}
