// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MedVerify/services/orchestrator/agentic"
	"github.com/AleutianAI/MedVerify/services/orchestrator/corpus"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/AleutianAI/MedVerify/services/orchestrator/embedding"
	"github.com/AleutianAI/MedVerify/services/orchestrator/ingest"
	"github.com/AleutianAI/MedVerify/services/orchestrator/observability"
	"github.com/AleutianAI/MedVerify/services/policy_engine"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Setup
// =============================================================================

// mockAsker records requests and returns a canned result or error.
type mockAsker struct {
	mu       sync.Mutex
	requests []agentic.Request
	result   *datatypes.VerificationResult
	err      error
}

func (m *mockAsker) Run(_ context.Context, req agentic.Request) (*datatypes.VerificationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &datatypes.VerificationResult{
		Answer:     "Metformin [Source 1]",
		Verified:   true,
		Confidence: 0.9,
		CorpusID:   corpus.SanitizeName(req.CorpusID),
		References: []datatypes.Reference{{SourceID: 1, Filename: "ada.md", Cited: true}},
	}, nil
}

func (m *mockAsker) calls() []agentic.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agentic.Request(nil), m.requests...)
}

type testEnv struct {
	router   *gin.Engine
	registry *corpus.Registry
	asker    *mockAsker
	metrics  *observability.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := corpus.NewRegistry(corpus.NewMemoryBackend())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ing := ingest.NewIngester(registry, embedding.NewHashingEmbedder(64), ingest.Config{}, metrics)
	policy, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	asker := &mockAsker{}

	router := gin.New()
	router.GET("/health", HealthCheck("test"))
	v1 := router.Group("/v1")
	v1.GET("/diseases", ListDiseases(registry, metrics))
	v1.POST("/diseases", CreateDisease(registry, metrics))
	v1.DELETE("/diseases/:name", DeleteDisease(registry, metrics))
	v1.GET("/diseases/:name/documents", ListDocuments(registry, metrics))
	v1.POST("/upload/:disease", UploadDocument(ing, metrics))
	v1.DELETE("/documents/:disease/:id", DeleteDocument(ing, metrics))
	v1.POST("/query", HandleQuery(asker, policy, metrics))
	v1.POST("/query/simple", HandleSimpleQuery(asker, policy, metrics))

	return &testEnv{router: router, registry: registry, asker: asker, metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) upload(t *testing.T, disease, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/upload/"+disease, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// =============================================================================
// Health
// =============================================================================

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","version":"test"}`, w.Body.String())
}

// =============================================================================
// Diseases
// =============================================================================

func TestCreateDisease(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/diseases", `{"name":"Type 2 Diabetes"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var info datatypes.CorpusInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "type_2_diabetes", info.Name)
	assert.Equal(t, "Type 2 Diabetes", info.DisplayName)

	// Idempotent.
	w = env.do(t, http.MethodPost, "/v1/diseases", `{"name":"Type 2 Diabetes"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/v1/diseases", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []datatypes.CorpusInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "type_2_diabetes", list[0].Name)
}

func TestCreateDisease_Invalid(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`{"name":"!!!"}`, `{"name":""}`, `{not json`, ``} {
		w := env.do(t, http.MethodPost, "/v1/diseases", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		assert.Equal(t, "validation", decodeError(t, w).Code)
	}
}

func TestListDiseases_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/diseases", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestDeleteDisease(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodDelete, "/v1/diseases/measles", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ErrorsTotal.WithLabelValues("/v1/diseases/:name", "not_found")))

	_, err := env.registry.Create(context.Background(), "measles")
	require.NoError(t, err)
	w = env.do(t, http.MethodDelete, "/v1/diseases/measles", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.registry.Exists("measles"))
}

// =============================================================================
// Documents
// =============================================================================

func TestUploadAndListDocuments(t *testing.T) {
	env := newTestEnv(t)

	w := env.upload(t, "Asthma", "plan.md", "# Asthma\n\nAlbuterol relieves acute symptoms.")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res datatypes.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "asthma", res.Disease)
	assert.Equal(t, "plan.md", res.Filename)
	assert.Equal(t, 1, res.ChunksAdded)

	w = env.do(t, http.MethodGet, "/v1/diseases/asthma/documents", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Disease   string                   `json:"disease"`
		Documents []datatypes.DocumentInfo `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Documents, 1)
	assert.Equal(t, res.DocumentID, listing.Documents[0].DocumentID)

	w = env.do(t, http.MethodDelete, "/v1/documents/asthma/"+res.DocumentID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/documents/asthma/"+res.DocumentID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadDocument_Rejects(t *testing.T) {
	env := newTestEnv(t)

	w := env.upload(t, "asthma", "scan.pdf", "%PDF-1.7")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Error, "unsupported file type")
	assert.False(t, env.registry.Exists("asthma"))

	req := httptest.NewRequest(http.MethodPost, "/v1/upload/asthma", strings.NewReader(""))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDocuments_UnknownDisease(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/diseases/unknown/documents", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteDocument_UnknownDisease(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodDelete, "/v1/documents/unknown/abc", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Query
// =============================================================================

func TestHandleQuery_AppliesDefaults(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/query", `{"disease":"diabetes","query":"What is first-line therapy?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	calls := env.asker.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "diabetes", calls[0].CorpusID)
	assert.True(t, calls[0].UseVerification)
	assert.Equal(t, datatypes.DefaultMaxAttempts, calls[0].MaxAttempts)

	var result datatypes.VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Verified)
	assert.Equal(t, "diabetes", result.CorpusID)
}

func TestHandleQuery_ExplicitOptions(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/query",
		`{"disease":"diabetes","query":"q?","use_verification":false,"max_attempts":3}`)
	require.Equal(t, http.StatusOK, w.Code)

	calls := env.asker.calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].UseVerification)
	assert.Equal(t, 3, calls[0].MaxAttempts)
}

func TestHandleQuery_Validation(t *testing.T) {
	env := newTestEnv(t)

	bodies := []string{
		`{"disease":"diabetes","query":"q?","max_attempts":0}`,
		`{"disease":"diabetes","query":"q?","max_attempts":21}`,
		`{"disease":"diabetes","query":""}`,
		`{"disease":"","query":"q?"}`,
		`{"disease":"diabetes","query":"` + strings.Repeat("a", datatypes.MaxQuestionBytes+1) + `"}`,
		`[]`,
	}
	for _, body := range bodies {
		w := env.do(t, http.MethodPost, "/v1/query", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %.60q", body)
	}
	assert.Empty(t, env.asker.calls())
}

func TestHandleQuery_PolicyViolation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/query",
		`{"disease":"diabetes","query":"Patient SSN 123-45-6789, what dose of metformin?"}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	body := decodeError(t, w)
	assert.Equal(t, "policy_violation", body.Code)
	require.NotEmpty(t, body.Findings)
	assert.Equal(t, "US_SSN", body.Findings[0].PatternID)
	assert.NotContains(t, w.Body.String(), "123-45-6789")
	assert.Empty(t, env.asker.calls())
}

func TestHandleQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"corpus not found", datatypes.CorpusNotFoundf("measles"), http.StatusNotFound, "not_found"},
		{"invalid configuration", datatypes.InvalidConfigurationf("bad"), http.StatusBadRequest, "validation"},
		{
			"retrieval unavailable",
			datatypes.NewStageError("retrieval", datatypes.ErrRetrievalUnavailable, 1, errors.New("connection refused")),
			http.StatusServiceUnavailable, "unavailable",
		},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.asker.err = tt.err

			w := env.do(t, http.MethodPost, "/v1/query", `{"disease":"measles","query":"q?"}`)
			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.code, body.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body.Error)
			}
		})
	}
}

func TestHandleSimpleQuery(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"disease": {"diabetes"}, "query": {"What is HbA1c?"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/query/simple", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	calls := env.asker.calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].UseVerification)
	assert.Equal(t, 1, calls[0].MaxAttempts)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Metformin [Source 1]", body["answer"])
	assert.Contains(t, body, "references")
}

func TestHandleSimpleQuery_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/query/simple", strings.NewReader("disease=diabetes"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.asker.calls())
}
