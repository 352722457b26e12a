// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stitchd/stitchd/internal/auth"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/coordinator"
	"github.com/stitchd/stitchd/internal/hls"
	"github.com/stitchd/stitchd/internal/log"
	"github.com/stitchd/stitchd/internal/metrics"
	"github.com/stitchd/stitchd/internal/stitch"
	"github.com/stitchd/stitchd/internal/transform"
)

var bitratePattern = regexp.MustCompile(`(\d+)[kK]?\.m3u8$`)

// parseBitrate reads the kbps rung out of variant filenames such as
// v_1600k.m3u8 or 800.m3u8.
func parseBitrate(variant string) (int, bool) {
	m := bitratePattern.FindStringSubmatch(variant)
	if m == nil {
		return 0, false
	}
	b, err := strconv.Atoi(m[1])
	return b, err == nil
}

func isAppleUA(ua string) bool {
	ua = strings.ToLower(ua)
	if strings.Contains(ua, "android") {
		return false
	}
	for _, marker := range []string{"appletv", "tvos", "iphone", "ipad", "ipod", "macintosh", "applecoremedia"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return strings.Contains(ua, "safari") && !strings.Contains(ua, "chrome")
}

// resolveAgainst resolves a playlist-relative reference against the channel
// origin URL.
func resolveAgainst(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(r).String(), nil
}

func (s *Server) viewerError(w http.ResponseWriter, r *http.Request, err error) {
	status := stitch.ViewerStatus(err)
	if errors.Is(err, channel.ErrNotFound) {
		status = http.StatusNotFound
	}
	logger := log.WithContext(r.Context(), s.logger)
	logger.Warn().Err(err).
		Str(log.FieldPath, r.URL.Path).
		Int("status", status).
		Msg("viewer request failed")
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ch, err := s.channels.Get(ctx, chi.URLParam(r, "org"), chi.URLParam(r, "channel"))
	if err != nil {
		s.viewerError(w, r, err)
		return
	}

	start := time.Now()
	data, err := s.fetcher.Fetch(ctx, ch.OriginURL)
	metrics.ObserveOriginFetch(err == nil, time.Since(start))
	if err != nil {
		s.viewerError(w, r, err)
		return
	}

	// Route every variant back through the gateway, keeping only the
	// playlist filename of whatever the origin advertises.
	rewritten, err := hls.RewriteMultivariant(data, func(uri string, _ map[string]string) string {
		if u, err := url.Parse(strings.TrimSpace(uri)); err == nil {
			return path.Base(u.Path)
		}
		return path.Base(uri)
	})
	if err != nil {
		s.viewerError(w, r, stitch.E(stitch.KindMalformedManifest, "multivariant rewrite", err))
		return
	}

	w.Header().Set("Content-Type", contentTypeHLS)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(ch.ManifestCacheMaxAgeS))
	_, _ = w.Write(rewritten)
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	variant := chi.URLParam(r, "variant")
	ch, err := s.channels.Get(ctx, chi.URLParam(r, "org"), chi.URLParam(r, "channel"))
	if err != nil {
		s.viewerError(w, r, err)
		return
	}

	variantURL, err := resolveAgainst(ch.OriginURL, variant)
	if err != nil {
		s.viewerError(w, r, stitch.E(stitch.KindOriginUnavailable, "variant url", err))
		return
	}

	now := s.now()
	var (
		snap coordinator.Snapshot
		body []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = s.coord.Read(gctx, ch.ID, now)
		return err
	})
	g.Go(func() error {
		start := time.Now()
		var err error
		body, err = s.fetcher.Fetch(gctx, variantURL)
		metrics.ObserveOriginFetch(err == nil, time.Since(start))
		return err
	})
	if err := g.Wait(); err != nil {
		s.viewerError(w, r, err)
		return
	}

	playlist, err := hls.Parse(body)
	if err != nil {
		s.viewerError(w, r, stitch.E(stitch.KindMalformedManifest, "origin playlist", err))
		return
	}

	br := snap.Break
	if br == nil || br.Ended(now) {
		w.Header().Set("Content-Type", contentTypeHLS)
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(ch.SegmentCacheMaxAgeS))
		_, _ = w.Write(playlist.Encode())
		return
	}

	// An active break pins caching off so every variant reload observes
	// the live break state.
	w.Header().Set("Content-Type", contentTypeHLS)
	w.Header().Set("Cache-Control", "no-store")

	if !br.Decision.Empty() {
		s.applyBreak(r, ch, playlist, snap, variant)
	}
	_, _ = w.Write(playlist.Encode())
}

// applyBreak rewrites the playlist for the active break, choosing and
// pinning the delivery mode. Failures degrade to the unmodified playlist.
func (s *Server) applyBreak(r *http.Request, ch *channel.Channel, playlist *hls.MediaPlaylist, snap coordinator.Snapshot, variant string) {
	ctx := r.Context()
	br := snap.Break
	logger := log.WithContext(ctx, s.logger)

	mode, pinned, locked := s.chooseMode(r, ch, snap)
	if mode == stitch.ServeSSAI && !pinned && !locked && !br.Decision.SpliceReady() {
		// An asset-only pod has no per-bitrate playlists to splice in, so
		// the break can only be served as an interstitial.
		mode = stitch.ServeSGAI
	}

	switch mode {
	case stitch.ServeSSAI:
		err := s.spliceBreak(ch, playlist, br, variant)
		if err == nil {
			metrics.CountServedBreak(string(stitch.ServeSSAI))
			if !pinned && !locked {
				s.pin(ctx, ch.ID, br.EventID, stitch.ServeSSAI)
			}
			return
		}
		if stitch.KindOf(err) == stitch.KindPdtMissing && !locked && !pinned {
			// First serve could not splice: pin guided mode instead and
			// retry, so every later variant of this break agrees.
			logger.Info().
				Str(log.FieldChannelID, ch.ID).
				Str(log.FieldEventID, br.EventID).
				Msg("splice point aged out, pinning guided mode")
			s.pin(ctx, ch.ID, br.EventID, stitch.ServeSGAI)
			s.insertInterstitial(ch, playlist, br)
			metrics.CountServedBreak(string(stitch.ServeSGAI))
			return
		}
		// Pinned or mode-locked SSAI that cannot splice serves the origin
		// window untouched.
		logger.Warn().Err(err).
			Str(log.FieldChannelID, ch.ID).
			Str(log.FieldEventID, br.EventID).
			Str(log.FieldVariant, variant).
			Msg("ssai transform failed, serving origin window")
	case stitch.ServeSGAI:
		s.insertInterstitial(ch, playlist, br)
		metrics.CountServedBreak(string(stitch.ServeSGAI))
		if !pinned && !locked {
			s.pin(ctx, ch.ID, br.EventID, stitch.ServeSGAI)
		}
	}
}

// chooseMode picks the delivery mode for this request. locked reports the
// channel enforces a single mode, so pinning is unnecessary.
func (s *Server) chooseMode(r *http.Request, ch *channel.Channel, snap coordinator.Snapshot) (mode stitch.ServeMode, pinned, locked bool) {
	switch ch.Mode {
	case channel.ModeSSAIOnly:
		return stitch.ServeSSAI, false, true
	case channel.ModeSGAIOnly:
		return stitch.ServeSGAI, false, true
	}
	switch r.URL.Query().Get("force") {
	case "sgai":
		return stitch.ServeSGAI, false, true
	case "ssai":
		return stitch.ServeSSAI, false, true
	}
	if snap.HasMode {
		return snap.Mode, true, false
	}
	if isAppleUA(r.UserAgent()) {
		return stitch.ServeSGAI, false, false
	}
	return stitch.ServeSSAI, false, false
}

func (s *Server) pin(ctx context.Context, channelID, eventID string, mode stitch.ServeMode) {
	if err := s.coord.PinMode(ctx, channelID, eventID, mode); err != nil {
		s.logger.Warn().Err(err).
			Str(log.FieldChannelID, channelID).
			Str(log.FieldEventID, eventID).
			Msg("mode pin failed")
	}
}

func (s *Server) spliceBreak(ch *channel.Channel, playlist *hls.MediaPlaylist, br *stitch.AdBreakState, variant string) error {
	bitrate, ok := parseBitrate(variant)
	if !ok && len(ch.BitrateLadder) > 0 {
		bitrate = ch.BitrateLadder[0]
	}

	ads := make([]transform.AdSegment, 0, len(br.Decision.Items))
	for _, item := range br.Decision.Items {
		uri, err := transform.PickVariant(item.Variants, bitrate)
		if err != nil {
			return err
		}
		ads = append(ads, transform.AdSegment{Duration: item.Duration, URI: uri})
	}
	return transform.SpliceSegments(playlist, br.StartTime, ads)
}

func (s *Server) insertInterstitial(ch *channel.Channel, playlist *hls.MediaPlaylist, br *stitch.AdBreakState) {
	asset := br.Decision.AssetURL
	if asset == "" {
		base := ch.AdPodBaseURL
		if base == "" {
			base = "/pods"
		}
		asset = strings.TrimRight(base, "/") + "/" + br.Decision.PodID + ".m3u8"
	}
	transform.InsertInterstitial(playlist, br.Decision.PodID, br.StartTime, br.Duration, asset)
}

type cueRequest struct {
	Org      string  `json:"org,omitempty"`
	Channel  string  `json:"channel"`
	Type     string  `json:"type"`
	Duration float64 `json:"duration,omitempty"`
	EventID  string  `json:"event_id,omitempty"`
	PodID    string  `json:"pod_id,omitempty"`
	PodURL   string  `json:"pod_url,omitempty"`
}

type cueResponse struct {
	OK    bool                 `json:"ok"`
	State *stitch.AdBreakState `json:"state"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorized(r *http.Request, signSecret string) bool {
	if s.cfg.DevAllowNoAuth {
		return true
	}
	if auth.AuthorizeRequest(r, s.cfg.APIToken, false) {
		return true
	}
	return auth.VerifySignedPath(signSecret, r.URL.Path, r.URL.Query().Get("sig"))
}

func (s *Server) handleCue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req cueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed cue body"})
		return
	}

	var (
		ch  *channel.Channel
		err error
	)
	if req.Org != "" {
		ch, err = s.channels.Get(ctx, req.Org, req.Channel)
	} else {
		ch, err = s.channels.GetByID(ctx, req.Channel)
	}
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel"})
			return
		}
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "channel lookup failed"})
		return
	}

	if !s.authorized(r, ch.SignHost) {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := s.now()
	switch req.Type {
	case "start":
		eventID := req.EventID
		if eventID == "" {
			eventID = "manual-" + uuid.NewString()
		}
		duration := req.Duration
		if duration <= 0 {
			duration = ch.DefaultAdDuration
		}

		start := coordinator.StartRequest{
			Channel:  ch,
			EventID:  eventID,
			Source:   stitch.SourceManual,
			Duration: duration,
			PodID:    req.PodID,
		}
		// A cue that names its pod brings its own content; the waterfall
		// only runs for bare starts.
		if req.PodID != "" || req.PodURL != "" {
			podID := req.PodID
			if podID == "" {
				podID = eventID
			}
			start.Preset = &stitch.AdDecision{
				PodID:    podID,
				AssetURL: req.PodURL,
				Items:    []stitch.AdItem{{AdID: podID, Duration: duration}},
			}
		}

		br, created, err := s.coord.Start(ctx, start, now)
		if err != nil {
			metrics.CountTransition(string(stitch.SourceManual), "error")
			s.writeJSON(w, stitch.ViewerStatus(err), map[string]string{"error": err.Error()})
			return
		}
		outcome := "noop"
		if created {
			outcome = "started"
		}
		metrics.CountTransition(string(stitch.SourceManual), outcome)
		s.writeJSON(w, http.StatusOK, cueResponse{OK: true, State: br})
	case "stop":
		stopped, err := s.coord.StopBreak(ctx, ch.ID, now)
		if err != nil {
			metrics.CountTransition(string(stitch.SourceManual), "error")
			s.writeJSON(w, stitch.ViewerStatus(err), map[string]string{"error": err.Error()})
			return
		}
		outcome := "noop"
		if stopped {
			outcome = "stopped"
		}
		metrics.CountTransition(string(stitch.SourceManual), outcome)
		s.writeJSON(w, http.StatusOK, cueResponse{OK: true})
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type must be start or stop"})
	}
}

type statusResponse struct {
	ChannelID   string               `json:"channel_id"`
	Version     uint64               `json:"version"`
	ActiveBreak *stitch.AdBreakState `json:"active_break,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "channel")

	ch, err := s.channels.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel"})
			return
		}
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "channel lookup failed"})
		return
	}
	if !s.authorized(r, ch.SignHost) {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	snap, err := s.coord.Read(ctx, ch.ID, s.now())
	if err != nil {
		s.writeJSON(w, stitch.ViewerStatus(err), map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		ChannelID:   ch.ID,
		Version:     snap.Version,
		ActiveBreak: snap.Break,
	})
}
