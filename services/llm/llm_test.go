// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Ollama
// =============================================================================

func TestOllamaClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		assert.InDelta(t, 0.1, req.Options["temperature"], 1e-6)

		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Metformin [Source 1]."},"done":true}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL+"/", "test-model")
	require.NoError(t, err)

	out, err := client.Chat(context.Background(), SystemAndUser("be precise", "what treats diabetes?"), Temperature(0.1))
	require.NoError(t, err)
	assert.Equal(t, "Metformin [Source 1].", out)
	assert.Equal(t, "test-model", client.Model())
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'missing' not found"}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "missing")
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), SystemAndUser("", "hi"), GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull missing")
}

func TestOllamaClient_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"  "},"done":true}`))
	}))
	defer server.Close()

	client, err := NewOllamaClient(server.URL, "m")
	require.NoError(t, err)
	_, err = client.Chat(context.Background(), SystemAndUser("", "hi"), GenerationParams{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewOllamaClient_RequiresURL(t *testing.T) {
	_, err := NewOllamaClient("", "m")
	assert.Error(t, err)
}

// =============================================================================
// OpenAI message shaping
// =============================================================================

func TestToOpenAIMessages_FoldsSystemForReasoningModels(t *testing.T) {
	msgs := SystemAndUser("You are a verifier.", "Check this.")

	plain := toOpenAIMessages(msgs, false)
	require.Len(t, plain, 2)
	assert.Equal(t, RoleSystem, plain[0].Role)

	folded := toOpenAIMessages(msgs, true)
	require.Len(t, folded, 1)
	assert.Equal(t, RoleUser, folded[0].Role)
	assert.Equal(t, "You are a verifier.\n\nCheck this.", folded[0].Content)

	assert.True(t, isReasoningModel("o1-mini"))
	assert.False(t, isReasoningModel("gpt-4o"))
}

// =============================================================================
// Retry
// =============================================================================

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{Timeout: time.Second, MaxRetries: retries, Backoff: time.Millisecond}
}

func TestCallWithRetry_SucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	out, n, err := CallWithRetry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, n)
}

func TestCallWithRetry_GivesUp(t *testing.T) {
	_, n, err := CallWithRetry(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		return 0, errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, "down", err.Error())
	assert.Equal(t, 3, n)
}

func TestCallWithRetry_PerCallTimeoutIsRetried(t *testing.T) {
	policy := RetryPolicy{Timeout: 10 * time.Millisecond, MaxRetries: 1, Backoff: time.Millisecond}
	var calls atomic.Int32
	out, n, err := CallWithRetry(context.Background(), policy, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "second", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Equal(t, 2, n)
}

func TestCallWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, n, err := CallWithRetry(ctx, fastPolicy(5), func(ctx context.Context) (string, error) {
		cancel()
		return "", errors.New("failed")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.Error(t, RetryPolicy{MaxRetries: -1}.Validate())
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := RetryPolicy{Backoff: time.Second, MaxBackoff: 3 * time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 3*time.Second, p.delay(3))
}

// =============================================================================
// Rate limiting
// =============================================================================

type echoClient struct{ calls atomic.Int32 }

func (e *echoClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	e.calls.Add(1)
	return messages[len(messages)-1].Content, nil
}

func (e *echoClient) Model() string { return "echo" }

func TestRateLimitedClient(t *testing.T) {
	inner := &echoClient{}
	client := WithRateLimit(inner, NewLimiter(1000, 1))

	out, err := client.Chat(context.Background(), SystemAndUser("", "ping"), GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ping", out)
	assert.Equal(t, "echo", client.Model())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := WithRateLimit(inner, NewLimiter(0.001, 1))
	_, _ = blocked.Chat(context.Background(), SystemAndUser("", "first"), GenerationParams{})
	_, err = blocked.Chat(ctx, SystemAndUser("", "second"), GenerationParams{})
	assert.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestWithRateLimit_NilLimiter(t *testing.T) {
	inner := &echoClient{}
	assert.Same(t, LLMClient(inner), WithRateLimit(inner, nil))
}
