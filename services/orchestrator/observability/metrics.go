// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the verification service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// verification loop and ingestion. Metrics include:
//   - Loop runs by outcome, attempts per run and final confidence
//   - Stage failures and stage latency (retrieval, generation, verification)
//   - Query refinements by strategy
//   - Ingested documents and chunks
//   - API errors by endpoint and error code
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is safe to call on a nil *Metrics, which records
// nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "medverify"

const (
	loopSubsystem   = "loop"
	ingestSubsystem = "ingest"
	apiSubsystem    = "api"
)

// Metrics holds all Prometheus metrics for the service.
//
// # Fields
//
//   - LoopRunsTotal: Loop runs by outcome.
//   - AttemptsPerRun: Attempts a run used before returning.
//   - FinalConfidence: Confidence of the selected attempt.
//   - StageFailuresTotal: Failed stage calls by stage.
//   - StageDurationSeconds: Stage latency by stage.
//   - RefinementsTotal: Refined queries by strategy.
//   - IngestedDocumentsTotal / IngestedChunksTotal: Ingestion volume.
//   - ErrorsTotal: API errors by endpoint and error code.
type Metrics struct {
	LoopRunsTotal          *prometheus.CounterVec
	AttemptsPerRun         prometheus.Histogram
	FinalConfidence        prometheus.Histogram
	StageFailuresTotal     *prometheus.CounterVec
	StageDurationSeconds   *prometheus.HistogramVec
	RefinementsTotal       *prometheus.CounterVec
	IngestedDocumentsTotal prometheus.Counter
	IngestedChunksTotal    prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics on the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers all metrics on reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LoopRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "runs_total",
				Help:      "Verification loop runs by outcome",
			},
			[]string{"outcome"},
		),
		AttemptsPerRun: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "attempts_per_run",
				Help:      "Attempts used per verification loop run",
				Buckets:   []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
			},
		),
		FinalConfidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "final_confidence",
				Help:      "Confidence of the attempt selected as the answer",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),
		StageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "stage_failures_total",
				Help:      "Failed loop stage calls by stage",
			},
			[]string{"stage"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Loop stage latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		RefinementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: loopSubsystem,
				Name:      "refinements_total",
				Help:      "Refined queries produced, by strategy",
			},
			[]string{"strategy"},
		),
		IngestedDocumentsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "documents_total",
				Help:      "Documents ingested",
			},
		),
		IngestedChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "chunks_total",
				Help:      "Chunks embedded and stored",
			},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: apiSubsystem,
				Name:      "errors_total",
				Help:      "API errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Outcome is how a loop run ended.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeUnverified Outcome = "unverified"
	OutcomeNoContext  Outcome = "no_context"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeError      Outcome = "error"
)

// Stage names a loop stage.
type Stage string

const (
	StageRetrieval    Stage = "retrieval"
	StageGeneration   Stage = "generation"
	StageVerification Stage = "verification"
	StageRefinement   Stage = "refinement"
)

// ErrorCode represents a categorized API error type.
type ErrorCode string

const (
	// ErrorCodePolicyViolation indicates the question was blocked by screening.
	ErrorCodePolicyViolation ErrorCode = "policy_violation"

	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeNotFound indicates an unknown corpus or document.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeUnavailable indicates an embedding, model or store dependency
	// could not be reached.
	ErrorCodeUnavailable ErrorCode = "unavailable"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRun records a finished loop run.
func (m *Metrics) RecordRun(outcome Outcome, attempts int, confidence float64) {
	if m == nil {
		return
	}
	m.LoopRunsTotal.WithLabelValues(string(outcome)).Inc()
	if attempts > 0 {
		m.AttemptsPerRun.Observe(float64(attempts))
		m.FinalConfidence.Observe(confidence)
	}
}

// RecordStage records one stage call's latency and, when failed, a failure.
func (m *Metrics) RecordStage(stage Stage, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	if failed {
		m.StageFailuresTotal.WithLabelValues(string(stage)).Inc()
	}
}

// RecordRefinement records a refined query from strategy.
func (m *Metrics) RecordRefinement(strategy string) {
	if m == nil {
		return
	}
	m.RefinementsTotal.WithLabelValues(strategy).Inc()
}

// RecordIngest records one ingested document of chunks chunks.
func (m *Metrics) RecordIngest(chunks int) {
	if m == nil {
		return
	}
	m.IngestedDocumentsTotal.Inc()
	m.IngestedChunksTotal.Add(float64(chunks))
}

// RecordError records an API error.
func (m *Metrics) RecordError(endpoint string, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(endpoint, string(code)).Inc()
}
