// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines pluggable hooks the service calls but does not
// implement in depth. Deployments that need a compliance-grade audit trail
// supply their own AuditLogger; the defaults log through slog or keep events
// in memory.
package extensions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrInvalidAuditEvent is returned when an event lacks EventType or UserID.
var ErrInvalidAuditEvent = errors.New("audit event requires EventType and UserID")

// Outcome values for AuditEvent.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)

// AuditEvent records one security-relevant operation.
//
// # Security Considerations
//
// Events never carry question text or document content. Questions may hold
// patient identifiers; record lengths, ids and outcomes instead.
type AuditEvent struct {
	// EventType categorizes the event: "category.action", e.g.
	// "query.ask", "document.upload", "corpus.delete".
	EventType string `json:"event_type"`

	// Timestamp is set to time.Now().UTC() when zero.
	Timestamp time.Time `json:"timestamp"`

	// UserID is the API key label, or "anonymous" when auth is off.
	UserID string `json:"user_id"`

	// Action is the HTTP method or CLI verb.
	Action string `json:"action"`

	// ResourceType is "disease", "document" or "query".
	ResourceType string `json:"resource_type"`

	// ResourceID is the disease name or document id, when there is one.
	ResourceID string `json:"resource_id,omitempty"`

	// Outcome is one of OutcomeSuccess, OutcomeFailure, OutcomeBlocked.
	Outcome string `json:"outcome"`

	// Metadata holds event-specific details such as "status" and
	// "duration_ms".
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditFilter selects events for Query. Zero fields match everything.
type AuditFilter struct {
	EventTypes   []string
	UserID       string
	ResourceType string
	ResourceID   string
	Outcome      string
	StartTime    time.Time // inclusive
	EndTime      time.Time // exclusive
	Limit        int
}

// Matches reports whether event passes the filter.
func (f AuditFilter) Matches(event AuditEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == event.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case f.UserID != "" && f.UserID != event.UserID:
		return false
	case f.ResourceType != "" && f.ResourceType != event.ResourceType:
		return false
	case f.ResourceID != "" && f.ResourceID != event.ResourceID:
		return false
	case f.Outcome != "" && f.Outcome != event.Outcome:
		return false
	case !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && !event.Timestamp.Before(f.EndTime):
		return false
	}
	return true
}

// AuditLogger records and retrieves audit events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; every request calls Log.
type AuditLogger interface {
	// Log records an event. Implementations set Timestamp when zero and
	// reject events without EventType or UserID.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush writes any buffered events.
	Flush(ctx context.Context) error
}

func prepare(event *AuditEvent) error {
	if event.EventType == "" || event.UserID == "" {
		return ErrInvalidAuditEvent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return nil
}

// =============================================================================
// No-op
// =============================================================================

// NopAuditLogger discards events.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

func (NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) { return nil, nil }

func (NopAuditLogger) Flush(context.Context) error { return nil }

// =============================================================================
// slog
// =============================================================================

// SlogAuditLogger writes each event as one structured "audit" log entry.
// Query is unsupported: the log pipeline owns retention.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger logs to logger, or to slog.Default() when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With("log_type", "audit")}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if err := prepare(&event); err != nil {
		return err
	}
	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.Time("event_time", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("outcome", event.Outcome),
	}
	if event.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", event.ResourceID))
	}
	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta := make([]any, 0, len(keys))
		for _, k := range keys {
			meta = append(meta, slog.Any(k, event.Metadata[k]))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Query implements AuditLogger.
func (l *SlogAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return nil, errors.New("slog audit logger does not support queries")
}

// Flush implements AuditLogger.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

// =============================================================================
// In-memory
// =============================================================================

// MemoryAuditLogger keeps the most recent events in a bounded ring.
type MemoryAuditLogger struct {
	mu       sync.Mutex
	events   []AuditEvent
	capacity int
}

// NewMemoryAuditLogger keeps at most capacity events; capacity <= 0 means
// 10000.
func NewMemoryAuditLogger(capacity int) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryAuditLogger{capacity: capacity}
}

// Log implements AuditLogger.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if err := prepare(&event); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == l.capacity {
		l.events = append(l.events[:0], l.events[1:]...)
	}
	l.events = append(l.events, event)
	return nil
}

// Query implements AuditLogger.
func (l *MemoryAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEvent
	for i := len(l.events) - 1; i >= 0; i-- {
		if filter.Matches(l.events[i]) {
			out = append(out, l.events[i])
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// Flush implements AuditLogger.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = NopAuditLogger{}
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
