// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine screens questions for patient identifiers and
// credentials before they are embedded or sent to a model provider.
package policy_engine

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/MedVerify/services/policy_engine/enforcement"
)

// PolicyEngine holds the compiled screening rules. It is immutable after
// construction and safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the rules embedded in the binary.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts classifications by priority.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.PHIPatterns)
}

// NewPolicyEngineFromYAML builds an engine from a classification file.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var file ClassificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.sortByPriority()
	return &PolicyEngine{Classifiers: file.Classifications}, nil
}

// Classify returns the name of the highest-priority classification that
// matches text, or "public".
func (e *PolicyEngine) Classify(text string) string {
	for _, c := range e.Classifiers {
		for _, p := range c.Patterns {
			if p.compiled.MatchString(text) {
				return c.Name
			}
		}
	}
	return "public"
}

// Scan reports every match of every pattern, in priority order.
func (e *PolicyEngine) Scan(text string) []Finding {
	var findings []Finding
	for _, c := range e.Classifiers {
		for _, p := range c.Patterns {
			for _, match := range p.compiled.FindAllString(text, -1) {
				findings = append(findings, Finding{
					Classification: c.Name,
					PatternID:      p.ID,
					Description:    p.Description,
					Confidence:     p.Confidence,
					MatchedContent: mask(match),
				})
			}
		}
	}
	return findings
}

// Screen returns a *PolicyViolationError when text contains anything the
// rules match, and nil otherwise.
//
// # Examples
//
//	if err := engine.Screen(req.Query); err != nil {
//	    var violation *policy_engine.PolicyViolationError
//	    if errors.As(err, &violation) {
//	        c.JSON(http.StatusForbidden, gin.H{"findings": violation.Findings})
//	    }
//	}
func (e *PolicyEngine) Screen(text string) error {
	if e == nil {
		return nil
	}
	if findings := e.Scan(text); len(findings) > 0 {
		return &PolicyViolationError{Findings: findings}
	}
	return nil
}
