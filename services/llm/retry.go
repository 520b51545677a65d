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
	"strings"
	"time"
)

// RetryPolicy bounds how long and how often an LLM-backed stage may try.
//
// Thread Safety: This type should not be modified after use begins.
type RetryPolicy struct {
	// Timeout for each call. Zero means no per-call deadline.
	Timeout time.Duration

	// MaxRetries after the first call. 0 = one call only.
	MaxRetries int

	// Backoff is the base wait; retry N waits Backoff * 2^(N-1).
	Backoff time.Duration

	// MaxBackoff caps the wait. Zero means uncapped.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns production defaults: 60s per call, two retries,
// 500ms base backoff capped at 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:    60 * time.Second,
		MaxRetries: 2,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 8 * time.Second,
	}
}

// Validate checks the policy fields.
func (p RetryPolicy) Validate() error {
	var errs []string
	if p.Timeout < 0 {
		errs = append(errs, "Timeout must be non-negative")
	}
	if p.MaxRetries < 0 {
		errs = append(errs, "MaxRetries must be non-negative")
	}
	if p.Backoff < 0 {
		errs = append(errs, "Backoff must be non-negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid retry policy: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.Backoff * time.Duration(1<<(retry-1))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// CallWithRetry runs fn under policy.
//
// # Description
//
// Each call gets its own timeout derived from ctx. A failed call is retried
// with exponential backoff until MaxRetries is spent. Cancellation of ctx
// itself stops immediately; a per-call timeout is retried like any other
// failure.
//
// # Outputs
//
//   - T: The first successful result.
//   - int: Number of calls made.
//   - error: The last failure, or ctx.Err() on cancellation.
func CallWithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error
	calls := 0

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, calls, ctx.Err()
			case <-time.After(policy.delay(attempt)):
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		calls++
		result, err := fn(callCtx)
		cancel()
		if err == nil {
			return result, calls, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, calls, ctx.Err()
		}
		slog.Debug("llm call failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", policy.MaxRetries),
			slog.String("error", err.Error()),
		)
	}
	return zero, calls, lastErr
}
