// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the chat-model clients used by answer generation,
// verification and query refinement.
package llm

import (
	"context"
	"errors"
)

// GenerationParams are optional sampling settings. Nil fields use the
// backend's default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Temperature returns a params value with only the temperature set.
func Temperature(t float32) GenerationParams {
	return GenerationParams{Temperature: &t}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a backend answers with no content.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// LLMClient is the interface every chat backend implements.
type LLMClient interface {
	// Chat sends messages and returns the assistant's reply text.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// Model returns the model name, for logs and span attributes.
	Model() string
}

// SystemAndUser builds the two-message conversation most callers need.
func SystemAndUser(system, user string) []Message {
	if system == "" {
		return []Message{{Role: RoleUser, Content: user}}
	}
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}
