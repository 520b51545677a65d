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

	"golang.org/x/time/rate"
)

// RateLimitedClient gates every Chat call on a shared token bucket.
//
// # Description
//
// Generation, verification and refinement clients may wrap the same
// limiter so that concurrent loops stay under the provider's request
// quota as a whole.
type RateLimitedClient struct {
	next    LLMClient
	limiter *rate.Limiter
}

// NewLimiter returns a limiter allowing perSecond calls with the given
// burst. perSecond <= 0 disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// WithRateLimit wraps next. A nil limiter returns next unchanged.
func WithRateLimit(next LLMClient, limiter *rate.Limiter) LLMClient {
	if limiter == nil {
		return next
	}
	return &RateLimitedClient{next: next, limiter: limiter}
}

// Model implements LLMClient.
func (c *RateLimitedClient) Model() string { return c.next.Model() }

// Chat implements LLMClient.
func (c *RateLimitedClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return c.next.Chat(ctx, messages, params)
}

var _ LLMClient = (*RateLimitedClient)(nil)
