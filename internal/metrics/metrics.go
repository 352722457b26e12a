// SPDX-License-Identifier: MIT

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks viewer manifest request latency per route.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stitchd_request_duration_seconds",
		Help:    "Viewer request latency by route and status",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "status"})

	// OriginFetchDuration tracks upstream manifest fetch latency.
	OriginFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stitchd_origin_fetch_duration_seconds",
		Help:    "Origin manifest fetch latency by outcome",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	// BreakTransitions counts coordinator state transitions.
	BreakTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchd_break_transitions_total",
		Help: "Ad break transitions by trigger source and outcome",
	}, []string{"source", "outcome"})

	// ServedBreaks counts manifests rewritten during active breaks.
	ServedBreaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchd_served_breaks_total",
		Help: "Manifests served with ad content by delivery mode",
	}, []string{"mode"})

	// DecisionOutcomes counts which waterfall stage filled each break.
	DecisionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchd_decision_outcomes_total",
		Help: "Ad decision outcomes by waterfall stage",
	}, []string{"stage"})

	// ConfigCache counts channel-config cache lookups.
	ConfigCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchd_config_cache_total",
		Help: "Channel config cache lookups by result",
	}, []string{"result"})

	// Scte35Cues counts decoded SCTE-35 cues by disposition.
	Scte35Cues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchd_scte35_cues_total",
		Help: "SCTE-35 cues observed by disposition",
	}, []string{"disposition"})
)

// ObserveRequest records one viewer request.
func ObserveRequest(route string, status int, elapsed time.Duration) {
	RequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ObserveOriginFetch records one origin round trip.
func ObserveOriginFetch(ok bool, elapsed time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	OriginFetchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// CountTransition records a coordinator transition attempt.
func CountTransition(source, outcome string) {
	BreakTransitions.WithLabelValues(source, outcome).Inc()
}

// CountServedBreak records a manifest rewritten for an active break.
func CountServedBreak(mode string) {
	ServedBreaks.WithLabelValues(mode).Inc()
}
