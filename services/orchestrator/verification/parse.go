// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoVerdict is returned when a model reply holds no JSON object.
var ErrNoVerdict = errors.New("no valid JSON found in verifier response")

// rawVerdict is the verdict as the model wrote it.
type rawVerdict struct {
	IsVerified        bool        `json:"is_verified"`
	Confidence        float64     `json:"-"`
	ConfidenceRaw     json.Number `json:"confidence"`
	SupportedClaims   []string    `json:"supported_claims"`
	UnsupportedClaims []string    `json:"unsupported_claims"`
	Issues            []string    `json:"issues"`
	Suggestions       []string    `json:"suggestions"`
	Reasoning         string      `json:"reasoning"`
}

// parseVerdict extracts the object spanning the first '{' to the last '}'.
//
// # Description
//
// Models wrap JSON in prose or code fences; only the outermost braces are
// kept. Confidence may arrive as a number or a numeric string; a missing
// confidence reads as 0.
func parseVerdict(content string) (*rawVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, ErrNoVerdict
	}

	dec := json.NewDecoder(strings.NewReader(content[start : end+1]))
	dec.UseNumber()
	var raw rawVerdict
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVerdict, err)
	}

	if raw.ConfidenceRaw != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(string(raw.ConfidenceRaw)), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: confidence %q is not a number", ErrNoVerdict, raw.ConfidenceRaw)
		}
		raw.Confidence = f
	}
	return &raw, nil
}
