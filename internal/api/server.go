// SPDX-License-Identifier: MIT

// Package api is the gateway's HTTP surface: the open viewer routes serving
// rewritten manifests, and the authenticated control plane (cue and status).
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/config"
	"github.com/stitchd/stitchd/internal/coordinator"
	"github.com/stitchd/stitchd/internal/log"
	"github.com/stitchd/stitchd/internal/origin"
)

const contentTypeHLS = "application/vnd.apple.mpegurl"

// Server wires the request path together.
type Server struct {
	cfg      config.App
	channels *channel.Cache
	coord    *coordinator.Coordinator
	fetcher  *origin.Fetcher
	logger   zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewServer builds the HTTP surface.
func NewServer(cfg config.App, channels *channel.Cache, coord *coordinator.Coordinator, fetcher *origin.Fetcher) *Server {
	return &Server{
		cfg:      cfg,
		channels: channels,
		coord:    coord,
		fetcher:  fetcher,
		logger:   log.WithComponent("api"),
		now:      time.Now,
	}
}

// Router assembles routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer(s.logger))
	r.Use(RequestID)
	r.Use(Logging(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		// The control plane is cheap to abuse and expensive to serve.
		r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/cue", s.handleCue)
		r.Get("/status/{channel}", s.handleStatus)
	})

	r.Get("/{org}/{channel}/master.m3u8", s.handleMaster)
	r.Get("/{org}/{channel}/{variant}", s.handleVariant)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
