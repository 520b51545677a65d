// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package enforcement

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEmbeddedPatternsIntegrity(t *testing.T) {
	require.NotEmpty(t, PHIPatterns, "phi_patterns.yaml was not embedded")

	var dump struct {
		Classifications []map[string]any `yaml:"classifications"`
	}
	require.NoError(t, yaml.Unmarshal(PHIPatterns, &dump))
	assert.NotEmpty(t, dump.Classifications)

	hash := sha256.Sum256(PHIPatterns)
	t.Logf("Current policy hash: %x", hash)
}
