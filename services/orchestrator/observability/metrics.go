// Copyright (C) 2025 DecentralizedJM
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the copilot.
//
// # Description
//
// Metrics cover the answer pipeline end to end:
//   - Answer counters by mode (grounded, refusal, canned, fact, cached, degraded)
//   - Stage latency histograms (retrieval, validation, generation)
//   - Cache hit/miss counters by tier (exact, semantic)
//   - Gateway denial counters by reason
//   - Evidence index size gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "copilot"

// Subsystem for pipeline metrics
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for the answer
// pipeline. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// AnswersTotal counts answers by mode.
	// Labels: mode (grounded, refusal, canned, fact, cached, degraded)
	AnswersTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage latency.
	// Labels: stage (plan, cache_lookup, retrieval, validation, generation)
	StageDurationSeconds *prometheus.HistogramVec

	// CacheLookupsTotal counts cache lookups by tier and outcome.
	// Labels: tier (exact, semantic), outcome (hit, miss)
	CacheLookupsTotal *prometheus.CounterVec

	// GatewayDenialsTotal counts denied capability calls.
	// Labels: reason (unknown, mutating)
	GatewayDenialsTotal *prometheus.CounterVec

	// EvidenceChunks tracks the size of the live evidence index.
	EvidenceChunks prometheus.Gauge

	// IndexRebuildsTotal counts index rebuilds by status.
	// Labels: status (success, error, conflict)
	IndexRebuildsTotal *prometheus.CounterVec

	// RateLimitedTotal counts queries rejected by the per-conversation
	// limiter.
	RateLimitedTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once
// at application startup; a second call panics on duplicate
// registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		AnswersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "answers_total",
				Help:      "Total answers produced, by mode",
			},
			[]string{"mode"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage latency in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0, 30.0},
			},
			[]string{"stage"},
		),

		CacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),

		GatewayDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "denials_total",
				Help:      "Denied capability calls by reason",
			},
			[]string{"reason"},
		),

		EvidenceChunks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "evidence",
				Name:      "chunks",
				Help:      "Number of chunks in the live evidence index",
			},
		),

		IndexRebuildsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "evidence",
				Name:      "rebuilds_total",
				Help:      "Index rebuilds by status",
			},
			[]string{"status"},
		),

		RateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "rate_limited_total",
				Help:      "Queries rejected by the per-conversation rate limiter",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Stage Names
// =============================================================================

// Stage labels for StageDurationSeconds.
type Stage string

const (
	StagePlan        Stage = "plan"
	StageCacheLookup Stage = "cache_lookup"
	StageRetrieval   Stage = "retrieval"
	StageValidation  Stage = "validation"
	StageGeneration  Stage = "generation"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAnswer counts one produced answer.
func (m *PipelineMetrics) RecordAnswer(mode string) {
	m.AnswersTotal.WithLabelValues(mode).Inc()
}

// RecordStage records one stage's latency.
func (m *PipelineMetrics) RecordStage(stage Stage, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(string(stage)).Observe(seconds)
}

// RecordCacheLookup counts a cache lookup outcome.
func (m *PipelineMetrics) RecordCacheLookup(tier string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordGatewayDenial counts a denied capability call.
func (m *PipelineMetrics) RecordGatewayDenial(reason string) {
	m.GatewayDenialsTotal.WithLabelValues(reason).Inc()
}

// SetEvidenceChunks updates the index size gauge.
func (m *PipelineMetrics) SetEvidenceChunks(n int) {
	m.EvidenceChunks.Set(float64(n))
}

// RecordRebuild counts an index rebuild outcome.
func (m *PipelineMetrics) RecordRebuild(status string) {
	m.IndexRebuildsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimited counts a rate-limited query.
func (m *PipelineMetrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}
