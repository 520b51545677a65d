// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// openAISecretPath is where a Podman/Docker secret holding the key is mounted.
const openAISecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIClient talks to the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// ResolveOpenAIKey returns key, or the mounted secret when key is empty.
func ResolveOpenAIKey(key string) (string, error) {
	if key != "" {
		return key, nil
	}
	raw, err := os.ReadFile(openAISecretPath)
	if err != nil {
		return "", fmt.Errorf("OPENAI_API_KEY not set and secret not found at %s", openAISecretPath)
	}
	slog.Info("Read the OpenAI API Key from Podman Secrets")
	return strings.TrimSpace(string(raw)), nil
}

// NewOpenAIClient creates a client for cfg.Model.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey, err := ResolveOpenAIKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model must be set")
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Model implements LLMClient.
func (o *OpenAIClient) Model() string { return o.model }

// isReasoningModel reports whether model belongs to the o-series, which
// rejects system messages and custom temperature.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4")
}

// Chat implements LLMClient.
func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.num_messages", len(messages)))

	reasoning := isReasoningModel(o.model)
	req := openai.ChatCompletionRequest{Model: o.model, Messages: toOpenAIMessages(messages, reasoning)}
	if params.Temperature != nil && !reasoning {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil && !reasoning {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		slog.Error("OpenAI API call failed", "model", o.model, "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		span.RecordError(ErrEmptyResponse)
		return "", ErrEmptyResponse
	}
	slog.Debug("Received response from OpenAI", "model", o.model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// toOpenAIMessages converts messages. For reasoning models the system turn
// is folded into the first user turn.
func toOpenAIMessages(messages []Message, reasoning bool) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	var pendingSystem string
	for _, m := range messages {
		if reasoning && m.Role == RoleSystem {
			pendingSystem += m.Content + "\n\n"
			continue
		}
		content := m.Content
		if pendingSystem != "" && m.Role == RoleUser {
			content = pendingSystem + content
			pendingSystem = ""
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: content})
	}
	if pendingSystem != "" {
		out = append(out, openai.ChatCompletionMessage{Role: RoleUser, Content: strings.TrimSpace(pendingSystem)})
	}
	return out
}

var _ LLMClient = (*OpenAIClient)(nil)
