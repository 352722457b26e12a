// SPDX-License-Identifier: MIT

package monitor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Comcast/gots/v2"
	gotsscte35 "github.com/Comcast/gots/v2/scte35"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/coordinator"
	"github.com/stitchd/stitchd/internal/hls"
	"github.com/stitchd/stitchd/internal/origin"
	"github.com/stitchd/stitchd/internal/stitch"
	"github.com/stitchd/stitchd/internal/store"
)

type stubDecider struct{}

func (stubDecider) Decide(_ context.Context, _ *channel.Channel, _ string, d float64) (stitch.AdDecision, error) {
	return stitch.AdDecision{PodID: "pod-1", Items: []stitch.AdItem{
		{AdID: "ad-1", Duration: d, Variants: map[int]string{800: "http://cdn/ad/800.m3u8"}},
	}}, nil
}

type staticLister struct{ channels []*channel.Channel }

func (s staticLister) Channels(context.Context) ([]*channel.Channel, error) {
	return s.channels, nil
}

func spliceInsertB64(t *testing.T, eventID uint32, durationS float64) string {
	t.Helper()
	s := gotsscte35.CreateSCTE35()
	s.SetTier(0xFFF)
	cmd := gotsscte35.CreateSpliceInsertCommand()
	cmd.SetEventID(eventID)
	cmd.SetIsOut(true)
	cmd.SetHasDuration(true)
	cmd.SetDuration(gots.PTS(durationS * 90000))
	cmd.SetIsAutoReturn(true)
	cmd.SetHasPTS(true)
	cmd.SetPTS(gots.PTS(900000))
	s.SetCommandInfo(cmd)
	return base64.StdEncoding.EncodeToString(s.UpdateData())
}

// pollTime anchors playlist PDTs near the wall clock so freshly opened
// breaks are live when read back.
var pollTime = time.Now().UTC().Truncate(time.Second)

func mediaPlaylistWithCue(t *testing.T, cueB64 string) string {
	t.Helper()
	var out string
	out = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:100\n"
	for i := 0; i < 4; i++ {
		if i == 2 {
			out += "#EXT-OATCLS-SCTE35:" + cueB64 + "\n"
		}
		out += fmt.Sprintf("#EXT-X-PROGRAM-DATE-TIME:%s\n#EXTINF:6.0,\nseg%d.ts\n",
			hls.FormatPDT(pollTime.Add(time.Duration(i)*6*time.Second)), i)
	}
	return out
}

func testMonitor(t *testing.T, lister Lister) (*Monitor, *coordinator.Coordinator) {
	t.Helper()
	bs, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	coord := coordinator.New(bs, stubDecider{})
	return New(lister, origin.NewFetcher(2*time.Second), coord, rate.Inf), coord
}

func monitorChannel(originURL string) *channel.Channel {
	return &channel.Channel{
		ID:                   "ch-1",
		OrgSlug:              "acme",
		Slug:                 "sports1",
		OriginURL:            originURL,
		Mode:                 channel.ModeAuto,
		SCTE35Enabled:        true,
		SCTE35AutoInsert:     true,
		BitrateLadder:        []int{800},
		DefaultAdDuration:    30,
		SegmentCacheMaxAgeS:  6,
		ManifestCacheMaxAgeS: 6,
	}
}

func TestPollChannelOpensBreak(t *testing.T) {
	playlist := mediaPlaylistWithCue(t, spliceInsertB64(t, 4711, 30))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playlist))
	}))
	defer srv.Close()

	ch := monitorChannel(srv.URL + "/v_800k.m3u8")
	m, coord := testMonitor(t, staticLister{[]*channel.Channel{ch}})

	require.NoError(t, m.PollChannel(context.Background(), ch))

	snap, err := coord.Read(context.Background(), ch.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, snap.Break)
	assert.Equal(t, "scte35-4711", snap.Break.EventID)
	assert.Equal(t, stitch.SourceSCTE35, snap.Break.Source)
	assert.Equal(t, 30.0, snap.Break.Duration)
	require.NotNil(t, snap.Break.SCTE35)
	assert.Equal(t, pollTime.Add(12*time.Second), snap.Break.SCTE35.PDT,
		"cue inherits the PDT of the segment carrying it")
	assert.Equal(t, pollTime.Add(12*time.Second), snap.Break.StartTime)
}

func TestPollChannelRepeatedCueIsNoop(t *testing.T) {
	playlist := mediaPlaylistWithCue(t, spliceInsertB64(t, 4711, 30))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playlist))
	}))
	defer srv.Close()

	ch := monitorChannel(srv.URL + "/v_800k.m3u8")
	m, coord := testMonitor(t, staticLister{[]*channel.Channel{ch}})

	require.NoError(t, m.PollChannel(context.Background(), ch))
	require.NoError(t, m.PollChannel(context.Background(), ch))

	snap, err := coord.Read(context.Background(), ch.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version, "re-polled cue must not re-transition")
}

func TestPollChannelFollowsMultivariant(t *testing.T) {
	playlist := mediaPlaylistWithCue(t, spliceInsertB64(t, 99, 15))
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nv_800k.m3u8\n"))
	})
	mux.HandleFunc("/v_800k.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playlist))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := monitorChannel(srv.URL + "/master.m3u8")
	m, coord := testMonitor(t, staticLister{[]*channel.Channel{ch}})

	require.NoError(t, m.PollChannel(context.Background(), ch))

	snap, err := coord.Read(context.Background(), ch.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, snap.Break)
	assert.Equal(t, "scte35-99", snap.Break.EventID)
}

func TestPollChannelOriginDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := monitorChannel(srv.URL + "/v_800k.m3u8")
	m, _ := testMonitor(t, staticLister{[]*channel.Channel{ch}})

	err := m.PollChannel(context.Background(), ch)
	assert.Equal(t, stitch.KindOriginUnavailable, stitch.KindOf(err))
}

func TestScheduledTick(t *testing.T) {
	ch := monitorChannel("http://origin.local/v.m3u8")
	ch.SCTE35Enabled = false
	ch.TimeAutoInsert = true
	ch.TimeAutoIntervalS = 600

	m, coord := testMonitor(t, staticLister{[]*channel.Channel{ch}})
	ctx := context.Background()

	created, err := m.ScheduledTick(ctx, ch, pollTime)
	require.NoError(t, err)
	assert.True(t, created)

	snap, err := coord.Read(ctx, ch.ID, pollTime)
	require.NoError(t, err)
	require.NotNil(t, snap.Break)
	assert.Equal(t, stitch.SourceScheduled, snap.Break.Source)
	assert.Equal(t, 30.0, snap.Break.Duration)

	// Inside the interval nothing new fires, even after the break ends.
	created, err = m.ScheduledTick(ctx, ch, pollTime.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = m.ScheduledTick(ctx, ch, pollTime.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestScheduledTickDisabled(t *testing.T) {
	ch := monitorChannel("http://origin.local/v.m3u8")
	m, _ := testMonitor(t, staticLister{[]*channel.Channel{ch}})

	created, err := m.ScheduledTick(context.Background(), ch, pollTime)
	require.NoError(t, err)
	assert.False(t, created)
}
