// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"strings"
	"unicode"
)

const (
	minNameLength = 3
	maxNameLength = 63
	shortPrefix   = "disease_"
)

// SanitizeName converts a user-supplied disease name into a corpus id.
//
// # Description
//
// Lowercases the input, replaces every rune that is not a letter or digit
// with '_', trims leading and trailing underscores, prefixes "disease_" when
// the result is shorter than three runes, and truncates to 63 runes.
//
// # Examples
//
//	SanitizeName("Type 2 Diabetes") // "type_2_diabetes"
//	SanitizeName("MS")              // "disease_ms"
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	sanitized := strings.Trim(b.String(), "_")
	if len([]rune(sanitized)) < minNameLength {
		sanitized = shortPrefix + sanitized
	}
	if runes := []rune(sanitized); len(runes) > maxNameLength {
		sanitized = string(runes[:maxNameLength])
	}
	return sanitized
}

// ValidName reports whether name has at least one letter or digit, which is
// what SanitizeName needs to produce a meaningful id.
func ValidName(name string) bool {
	return strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}
