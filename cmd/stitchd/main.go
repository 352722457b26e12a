// SPDX-License-Identifier: MIT

// stitchd is the ad-insertion gateway daemon. It serves rewritten HLS
// manifests on the viewer routes, watches origins for SCTE-35 markers, and
// exposes the cue/status control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stitchd/stitchd/internal/api"
	"github.com/stitchd/stitchd/internal/cache"
	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/config"
	"github.com/stitchd/stitchd/internal/coordinator"
	"github.com/stitchd/stitchd/internal/db"
	"github.com/stitchd/stitchd/internal/decision"
	"github.com/stitchd/stitchd/internal/decision/vast"
	"github.com/stitchd/stitchd/internal/log"
	"github.com/stitchd/stitchd/internal/monitor"
	"github.com/stitchd/stitchd/internal/origin"
	"github.com/stitchd/stitchd/internal/store"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// originPollRate caps outbound manifest polling across all channels.
const originPollRate = rate.Limit(20)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stitchd: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "stitchd",
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("data directory unavailable")
	}

	// Shared KV: Redis when configured, in-process otherwise.
	var kv cache.KV
	if cfg.RedisAddr != "" {
		redisKV, err := cache.NewRedis(cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			OpTimeout: cfg.KVTimeout,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable")
		}
		defer func() { _ = redisKV.Close() }()
		kv = redisKV
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis kv")
	} else {
		kv = cache.NewMemory(time.Minute)
		logger.Info().Msg("using in-memory kv")
	}

	stateStore, err := store.Open(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Fatal().Err(err).Msg("state store unavailable")
	}
	defer func() { _ = stateStore.Close() }()

	adminDB, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("admin database unavailable")
	}
	defer func() { _ = adminDB.Close() }()

	engine := decision.NewEngine(adminDB, vast.NewClient(), kv, cfg.DecisionTimeout)
	coord := coordinator.New(stateStore, engine)
	fetcher := origin.NewFetcher(cfg.OriginFetchTimeout)
	channels := channel.NewCache(kv, adminDB, cfg.ConfigTTL, logger)
	mon := monitor.New(adminDB, fetcher, coord, originPollRate)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(cfg, channels, coord, fetcher).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.Listen).
		Msg("starting stitchd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := mon.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("stitchd failed")
	}
	logger.Info().Msg("stitchd exiting")
}
