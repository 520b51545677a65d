// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MedVerify/pkg/extensions"
	"github.com/AleutianAI/MedVerify/services/orchestrator/agentic"
	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/embedding"
	"github.com/AleutianAI/MedVerify/services/orchestrator/ingest"
	"github.com/AleutianAI/MedVerify/services/orchestrator/middleware"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
	"github.com/AleutianAI/MedVerify/services/policy_engine"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAsker struct{}

func (stubAsker) Run(_ context.Context, req agentic.Request) (*datatypes.VerificationResult, error) {
	return &datatypes.VerificationResult{Answer: "ok", CorpusID: req.CorpusID}, nil
}

func newDeps(t *testing.T, keys *middleware.APIKeys) Dependencies {
	t.Helper()
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	registry := corpus.NewRegistry(corpus.NewMemoryBackend())
	policy, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	return Dependencies{
		Registry: registry,
		Ingester: ingest.NewIngester(registry, embedding.NewHashingEmbedder(32), ingest.Config{}, metrics),
		Asker:    stubAsker{},
		Policy:   policy,
		Metrics:  metrics,
		Gatherer: promReg,
		APIKeys:  keys,
		Version:  "test",
	}
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newDeps(t, nil))

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/diseases"},
		{"POST", "/v1/diseases"},
		{"DELETE", "/v1/diseases/:name"},
		{"GET", "/v1/diseases/:name/documents"},
		{"POST", "/v1/upload/:disease"},
		{"DELETE", "/v1/documents/:disease/:id"},
		{"POST", "/v1/query"},
		{"POST", "/v1/query/simple"},
	}

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "route %s %s not registered", e.method, e.path)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	deps := newDeps(t, nil)
	SetupRoutes(router, deps)
	deps.Metrics.RecordRun(observability.OutcomeAccepted, 1, 0.9)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "medverify_loop_runs_total")
}

func TestSetupRoutes_APIKeysGuardV1Only(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newDeps(t, middleware.NewAPIKeys([]string{"ops:s3cret"})))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/diseases", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/diseases", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_NoKeysMeansOpen(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newDeps(t, middleware.NewAPIKeys(nil)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/diseases", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_AuditsV1Only(t *testing.T) {
	audit := extensions.NewMemoryAuditLogger(0)
	deps := newDeps(t, nil)
	deps.Audit = audit
	router := gin.New()
	SetupRoutes(router, deps)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/v1/diseases/measles", nil))

	events, err := audit.Query(context.Background(), extensions.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "corpus.delete", events[0].EventType)
	assert.Equal(t, "measles", events[0].ResourceID)
	assert.Equal(t, extensions.OutcomeFailure, events[0].Outcome)
}
