// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
)

// sourceMarker matches [Source 3], [Source 3: file.txt] and [Sources 1, 2].
var sourceMarker = regexp.MustCompile(`\[Sources?\s+([0-9][0-9,\s]*)(?::[^\]]*)?\]`)

// ParseCitations maps the [Source n] markers in answer onto chunks.
//
// # Description
//
// Marker n names chunks[n-1]. Each valid source appears once, in order of
// first use. Numbers outside 1..len(chunks) are returned in invalid, also
// once each and in order of first use.
//
// # Examples
//
//	cites, bad := ParseCitations("A [Source 2]. B [Source 1][Source 9].", chunks)
//	// cites: sources 2, 1; bad: [9]
func ParseCitations(answer string, chunks []datatypes.RetrievedChunk) (citations []datatypes.Citation, invalid []int) {
	seen := make(map[int]bool)
	for _, m := range sourceMarker.FindAllStringSubmatch(answer, -1) {
		for _, field := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil || seen[n] {
				continue
			}
			seen[n] = true
			if n < 1 || n > len(chunks) {
				invalid = append(invalid, n)
				continue
			}
			c := chunks[n-1]
			citations = append(citations, datatypes.Citation{
				Source:     n,
				ChunkIndex: n - 1,
				ChunkID:    c.ID,
				Excerpt:    datatypes.Excerpt(c.Text, datatypes.ExcerptLength),
			})
		}
	}
	return citations, invalid
}

// CitedSources returns the set of valid source numbers cited in answer.
func CitedSources(answer string, chunks []datatypes.RetrievedChunk) map[int]bool {
	citations, _ := ParseCitations(answer, chunks)
	out := make(map[int]bool, len(citations))
	for _, c := range citations {
		out[c.Source] = true
	}
	return out
}
