// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/MedVerify/services/orchestrator/datatypes"
)

// Result prints a verification result.
//
// # Description
//
// Rich and plain modes print the answer, a verified/unverified status line
// with the confidence, the warning when present, and the references with
// cited ones marked. With verbose set, every attempt is listed with its
// query, confidence and issues. JSON mode prints the result as returned by
// the HTTP API.
func (p *Printer) Result(res *datatypes.VerificationResult, verbose bool) error {
	if p.mode == ModeJSON {
		return p.JSON(res)
	}
	rich := p.mode == ModeRich

	if rich {
		fmt.Fprintln(p.w, Styles.Box.Render(res.Answer))
	} else {
		fmt.Fprintln(p.w, res.Answer)
	}
	fmt.Fprintln(p.w)

	status := fmt.Sprintf("unverified (confidence %.2f, attempt %d of %d)", res.Confidence, res.SelectedAttempt, len(res.Attempts))
	if res.Verified {
		status = fmt.Sprintf("verified (confidence %.2f, attempt %d)", res.Confidence, res.SelectedAttempt)
	}
	switch {
	case rich && res.Verified:
		fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(status))
	case rich:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(status))
	default:
		fmt.Fprintf(p.w, "Status: %s\n", status)
	}

	if res.Warning != "" {
		if rich {
			fmt.Fprintln(p.w, Styles.WarningBox.Render(res.Warning))
		} else {
			fmt.Fprintf(p.w, "Warning: %s\n", res.Warning)
		}
	}

	if len(res.References) > 0 {
		fmt.Fprintln(p.w)
		p.Title("References")
		for _, ref := range res.References {
			marker := " "
			if ref.Cited {
				marker = "*"
			}
			line := fmt.Sprintf("%s [Source %d] %s (score %.3f)", marker, ref.SourceID, ref.Filename, ref.RelevanceScore)
			if rich && !ref.Cited {
				line = Styles.Muted.Render(line)
			}
			fmt.Fprintln(p.w, line)
			if verbose && ref.Excerpt != "" {
				fmt.Fprintf(p.w, "    %s\n", ref.Excerpt)
			}
		}
	}

	if verbose && len(res.Attempts) > 0 {
		fmt.Fprintln(p.w)
		p.Title("Attempts")
		for _, a := range res.Attempts {
			fmt.Fprintf(p.w, "%d. top-k %d, confidence %.2f, verified %t\n", a.AttemptNumber, a.TopK, a.Confidence, a.IsVerified)
			fmt.Fprintf(p.w, "   query: %s\n", a.QueryUsed)
			for _, issue := range a.Issues {
				fmt.Fprintf(p.w, "   %s %s\n", IconBullet, issue)
			}
		}
	}
	return nil
}

// Corpora prints the corpus listing as a table.
func (p *Printer) Corpora(corpora []datatypes.CorpusInfo) error {
	if p.mode == ModeJSON {
		if corpora == nil {
			corpora = []datatypes.CorpusInfo{}
		}
		return p.JSON(corpora)
	}
	if len(corpora) == 0 {
		fmt.Fprintln(p.w, "No diseases yet. Create one with: medverify corpus create <name>")
		return nil
	}
	rows := make([][]string, 0, len(corpora))
	for _, c := range corpora {
		rows = append(rows, []string{c.Name, c.DisplayName, fmt.Sprint(c.DocumentCount), fmt.Sprint(c.ChunkCount)})
	}
	p.table([]string{"NAME", "DISPLAY NAME", "DOCUMENTS", "CHUNKS"}, rows)
	return nil
}

// Documents prints the documents of one corpus.
func (p *Printer) Documents(disease string, docs []datatypes.DocumentInfo) error {
	if p.mode == ModeJSON {
		if docs == nil {
			docs = []datatypes.DocumentInfo{}
		}
		return p.JSON(map[string]any{"disease": disease, "documents": docs})
	}
	if len(docs) == 0 {
		fmt.Fprintf(p.w, "No documents in %s.\n", disease)
		return nil
	}
	rows := make([][]string, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, []string{d.DocumentID, d.Filename, fmt.Sprint(d.ChunkCount)})
	}
	p.table([]string{"DOCUMENT ID", "FILENAME", "CHUNKS"}, rows)
	return nil
}

// Ingested prints the outcome of one document ingestion.
func (p *Printer) Ingested(res datatypes.IngestResult) error {
	if p.mode == ModeJSON {
		return p.JSON(res)
	}
	p.Success(fmt.Sprintf("%s %s %s: %d chunks (document %s)", res.Filename, IconArrow, res.Disease, res.ChunksAdded, res.DocumentID))
	return nil
}

// table prints left-aligned columns padded to the widest cell.
func (p *Printer) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	format := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	head := format(header)
	if p.mode == ModeRich {
		head = Styles.Bold.Render(head)
	}
	fmt.Fprintln(p.w, head)
	for _, row := range rows {
		fmt.Fprintln(p.w, format(row))
	}
}
