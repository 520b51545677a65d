// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders verification results and corpus listings for the
// medverify CLI.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Output Mode
// =============================================================================

// Mode selects how a Printer writes.
type Mode string

const (
	// ModeRich uses colors, icons and boxes. Chosen for terminals.
	ModeRich Mode = "rich"

	// ModePlain writes undecorated text, suitable for pipes and logs.
	ModePlain Mode = "plain"

	// ModeJSON writes one JSON document per result, for scripting.
	ModeJSON Mode = "json"
)

// ParseMode reads a --output flag value. "auto" and "" detect from f.
func ParseMode(s string, f *os.File) (Mode, error) {
	switch s {
	case "", "auto":
		return DetectMode(f), nil
	case string(ModeRich), string(ModePlain), string(ModeJSON):
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown output mode %q (want auto, rich, plain or json)", s)
	}
}

// DetectMode returns ModeRich when f is a terminal and ModePlain otherwise.
func DetectMode(f *os.File) Mode {
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeRich
	}
	return ModePlain
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes CLI output in one Mode.
//
// # Thread Safety
//
// Not safe for concurrent use; the CLI prints from one goroutine.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Writer returns the destination.
func (p *Printer) Writer() io.Writer { return p.w }

// JSON writes v as indented JSON regardless of mode.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Success prints a success line. JSON mode prints nothing.
func (p *Printer) Success(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), text)
	case ModePlain:
		fmt.Fprintf(p.w, "OK: %s\n", text)
	}
}

// Warning prints a warning line. JSON mode prints nothing.
func (p *Printer) Warning(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	case ModePlain:
		fmt.Fprintf(p.w, "WARNING: %s\n", text)
	}
}

// Error prints an error line in every mode, as JSON in ModeJSON.
func (p *Printer) Error(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	case ModeJSON:
		_ = p.JSON(map[string]string{"error": text})
	default:
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
	}
}

// Title prints a heading. Only rich mode decorates it; JSON prints nothing.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintln(p.w, Styles.Title.Render(text))
	case ModePlain:
		fmt.Fprintln(p.w, text)
	}
}
