//go:build prometheus
// +build prometheus

// SPDX-FileCopyrightText: Copyright (C) 2025 The Detour Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes detection counters via prometheus.  Metrics
// never sit on the probe hot path; every helper is a counter increment.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detour_probes_total",
			Help: "Number of candidate probes attempted",
		},
		[]string{"method"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detour_probe_failures_total",
			Help: "Number of failed probes by reason",
		},
		[]string{"reason"},
	)
	detectionRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detour_detection_rounds_total",
			Help: "Number of detection rounds started",
		},
	)
	detectionSuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detour_detection_successes_total",
			Help: "Number of detection calls that returned an authenticated endpoint",
		},
	)
	discoveredCandidates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detour_discovered_candidates_total",
			Help: "Number of candidates merged from file lists",
		},
	)
)

var initOnce sync.Once

// Init registers the detour collectors and exposes them via HTTP.  Multiple
// detectors in one process share the collectors; only the first call takes
// effect.
func Init(addr string) {
	initOnce.Do(func() {
		prometheus.MustRegister(probesTotal)
		prometheus.MustRegister(probeFailures)
		prometheus.MustRegister(detectionRounds)
		prometheus.MustRegister(detectionSuccesses)
		prometheus.MustRegister(discoveredCandidates)

		http.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(addr, nil)
	})
}

// Probe counts one attempted probe for the given candidate method.
func Probe(method string) {
	probesTotal.With(prometheus.Labels{"method": method}).Inc()
}

// ProbeFailed counts one failed probe by reason.
func ProbeFailed(reason string) {
	probeFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

// Round counts one detection round.
func Round() {
	detectionRounds.Inc()
}

// Success counts one successful detection call.
func Success() {
	detectionSuccesses.Inc()
}

// Discovered counts candidates merged from file lists.
func Discovered(n int) {
	discoveredCandidates.Add(float64(n))
}
