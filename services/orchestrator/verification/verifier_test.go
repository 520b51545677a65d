// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/MedVerify/services/llm"
	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (m *mockLLM) Chat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (string, error) {
	i := m.calls
	m.calls++
	m.prompts = append(m.prompts, messages[len(messages)-1].Content)
	if i < len(m.errs) && m.errs[i] != nil {
		return "", m.errs[i]
	}
	if i < len(m.replies) {
		return m.replies[i], nil
	}
	return m.replies[len(m.replies)-1], nil
}

func (m *mockLLM) Model() string { return "mock-verifier" }

func newTestVerifier(t *testing.T, client llm.LLMClient, precedence Precedence) *Verifier {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Precedence = precedence
	cfg.Retry = llm.RetryPolicy{Timeout: time.Second, MaxRetries: 1, Backoff: time.Millisecond}
	v, err := NewVerifier(client, cfg)
	require.NoError(t, err)
	return v
}

var chunks = []datatypes.RetrievedChunk{
	{Chunk: datatypes.Chunk{CorpusID: "diabetes", Text: "Metformin is first-line therapy."}},
}

func TestVerify_ParsesWrappedJSON(t *testing.T) {
	client := &mockLLM{replies: []string{"Here is my verdict:\n```json\n" +
		`{"is_verified": false, "confidence": 0.92, "supported_claims": ["metformin"], "issues": [], "suggestions": ["none"], "reasoning": "All claims cite chunk 1."}` +
		"\n```"}}
	v := newTestVerifier(t, client, PrecedenceGroundingFirst)

	verdict, err := v.Verify(context.Background(), "What is first-line therapy?", "Metformin [Source 1].", chunks)
	require.NoError(t, err)
	assert.InDelta(t, 0.92, verdict.Confidence, 1e-9)
	assert.True(t, verdict.IsVerified, "model's is_verified is ignored")
	assert.Equal(t, "All claims cite chunk 1.", verdict.Reasoning)
	assert.Equal(t, []string{"none"}, verdict.Suggestions)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "ORIGINAL QUESTION: What is first-line therapy?")
	assert.Contains(t, client.prompts[0], "[Chunk 1]: Metformin is first-line therapy.")
	assert.Contains(t, client.prompts[0], "DISEASE CONTEXT: diabetes")
}

func TestVerify_ClampsConfidence(t *testing.T) {
	tests := []struct {
		reply string
		want  float64
	}{
		{`{"confidence": 1.7}`, 1},
		{`{"confidence": -0.3}`, 0},
		{`{"confidence": "0.65"}`, 0.65},
		{`{"reasoning": "no score"}`, 0},
	}
	for _, tc := range tests {
		t.Run(tc.reply, func(t *testing.T) {
			v := newTestVerifier(t, &mockLLM{replies: []string{tc.reply}}, PrecedenceGroundingFirst)
			verdict, err := v.Verify(context.Background(), "q", "a", chunks)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, verdict.Confidence, 1e-9)
		})
	}
}

// TestVerify_PrecedencePolicy covers a score above threshold with an
// unsupported claim under both policies.
func TestVerify_PrecedencePolicy(t *testing.T) {
	reply := `{"confidence": 0.9, "unsupported_claims": ["metformin cures diabetes"], "issues": []}`

	t.Run("grounding first rejects", func(t *testing.T) {
		v := newTestVerifier(t, &mockLLM{replies: []string{reply}}, PrecedenceGroundingFirst)
		verdict, err := v.Verify(context.Background(), "q", "a", chunks)
		require.NoError(t, err)
		assert.False(t, verdict.IsVerified)
		assert.Equal(t, []string{"unsupported claim: metformin cures diabetes"}, verdict.Issues)
		assert.InDelta(t, 0.9, verdict.Confidence, 1e-9)
	})

	t.Run("threshold only accepts", func(t *testing.T) {
		v := newTestVerifier(t, &mockLLM{replies: []string{reply}}, PrecedenceThresholdOnly)
		verdict, err := v.Verify(context.Background(), "q", "a", chunks)
		require.NoError(t, err)
		assert.True(t, verdict.IsVerified)
		assert.Equal(t, []string{"unsupported claim: metformin cures diabetes"}, verdict.Issues)
	})

	t.Run("hallucination issue counts as hard fail", func(t *testing.T) {
		v := newTestVerifier(t, &mockLLM{replies: []string{`{"confidence": 0.95, "issues": ["Hallucination: dosage is not in the context"]}`}}, PrecedenceGroundingFirst)
		verdict, err := v.Verify(context.Background(), "q", "a", chunks)
		require.NoError(t, err)
		assert.False(t, verdict.IsVerified)
	})

	for _, issue := range []string{"No hallucinations detected", "No unsupported claims were found"} {
		t.Run("negated mention does not block: "+issue, func(t *testing.T) {
			reply := `{"confidence": 0.95, "issues": ["` + issue + `"], "unsupported_claims": []}`
			v := newTestVerifier(t, &mockLLM{replies: []string{reply}}, PrecedenceGroundingFirst)
			verdict, err := v.Verify(context.Background(), "q", "a", chunks)
			require.NoError(t, err)
			assert.True(t, verdict.IsVerified)
			assert.Equal(t, []string{issue}, verdict.Issues)
		})
	}

	t.Run("soft issue does not block", func(t *testing.T) {
		v := newTestVerifier(t, &mockLLM{replies: []string{`{"confidence": 0.85, "issues": ["could mention dosage"]}`}}, PrecedenceGroundingFirst)
		verdict, err := v.Verify(context.Background(), "q", "a", chunks)
		require.NoError(t, err)
		assert.True(t, verdict.IsVerified)
	})
}

func TestHasHardFail(t *testing.T) {
	assert.True(t, HasHardFail([]string{"unsupported claim: insulin cures it"}))
	assert.True(t, HasHardFail([]string{"could be shorter", "  HALLUCINATION: invented trial"}))
	assert.False(t, HasHardFail([]string{"No hallucinations detected"}))
	assert.False(t, HasHardFail([]string{"No unsupported claims were found"}))
	assert.False(t, HasHardFail([]string{"Possible hallucination in dosage"}))
	assert.False(t, HasHardFail(nil))
}

func TestVerify_BelowThreshold(t *testing.T) {
	v := newTestVerifier(t, &mockLLM{replies: []string{`{"is_verified": true, "confidence": 0.79}`}}, PrecedenceThresholdOnly)
	verdict, err := v.Verify(context.Background(), "q", "a", chunks)
	require.NoError(t, err)
	assert.False(t, verdict.IsVerified)
}

func TestVerify_UnparseableIsRetried(t *testing.T) {
	client := &mockLLM{replies: []string{"I think it's fine.", `{"confidence": 0.5}`}}
	v := newTestVerifier(t, client, PrecedenceGroundingFirst)
	verdict, err := v.Verify(context.Background(), "q", "a", chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.InDelta(t, 0.5, verdict.Confidence, 1e-9)
}

func TestVerify_Unavailable(t *testing.T) {
	client := &mockLLM{errs: []error{errors.New("down"), errors.New("down")}, replies: []string{""}}
	v := newTestVerifier(t, client, PrecedenceGroundingFirst)
	_, err := v.Verify(context.Background(), "q", "a", chunks)
	assert.ErrorIs(t, err, datatypes.ErrVerificationUnavailable)
	assert.Equal(t, 2, client.calls)
}

func TestNewVerifier_RejectsBadThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold = 1.5
	_, err := NewVerifier(&mockLLM{}, cfg)
	assert.True(t, datatypes.IsInvalidConfiguration(err))
}

func TestParsePrecedence(t *testing.T) {
	p, err := ParsePrecedence("")
	require.NoError(t, err)
	assert.Equal(t, PrecedenceGroundingFirst, p)

	p, err = ParsePrecedence("Threshold_Only")
	require.NoError(t, err)
	assert.Equal(t, PrecedenceThresholdOnly, p)

	_, err = ParsePrecedence("vibes")
	assert.Error(t, err)
}

func TestParseVerdict_NoJSON(t *testing.T) {
	_, err := parseVerdict("no braces here")
	assert.ErrorIs(t, err, ErrNoVerdict)

	_, err = parseVerdict("} backwards {")
	assert.ErrorIs(t, err, ErrNoVerdict)
}
