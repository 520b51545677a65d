// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// newTestMetrics registers on a private registry so tests do not collide
// with the global one.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestRecordRun(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordRun(OutcomeAccepted, 2, 0.9)
	m.RecordRun(OutcomeAccepted, 1, 0.85)
	m.RecordRun(OutcomeNoContext, 1, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoopRunsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoopRunsTotal.WithLabelValues("no_context")))

	count, err := testutil.GatherAndCount(reg, "medverify_loop_attempts_per_run")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordStage(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStage(StageGeneration, 120*time.Millisecond, false)
	m.RecordStage(StageGeneration, 2*time.Second, true)
	m.RecordStage(StageVerification, time.Second, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailuresTotal.WithLabelValues("generation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailuresTotal.WithLabelValues("verification")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StageFailuresTotal.WithLabelValues("retrieval")))
}

func TestRecordIngestAndRefinement(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordIngest(12)
	m.RecordIngest(3)
	m.RecordRefinement("issue")
	m.RecordError("/v1/query", ErrorCodePolicyViolation)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestedDocumentsTotal))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.IngestedChunksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefinementsTotal.WithLabelValues("issue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("/v1/query", "policy_violation")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun(OutcomeAccepted, 1, 1)
		m.RecordStage(StageRetrieval, time.Second, true)
		m.RecordRefinement("llm")
		m.RecordIngest(1)
		m.RecordError("/x", ErrorCodeInternal)
	})
}
