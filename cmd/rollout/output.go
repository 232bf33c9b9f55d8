// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorDeep    = lipgloss.Color("#16858E")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")
)

// styles are the text styles for human output. On a non-terminal writer
// every style is plain.
type styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}

func newStyles(w io.Writer) styles {
	if !isTerminal(w) {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain, plain}
	}
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
		Label:   lipgloss.NewStyle().Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Success: lipgloss.NewStyle().Foreground(colorTeal),
		Warning: lipgloss.NewStyle().Foreground(colorWarning),
		Error:   lipgloss.NewStyle().Foreground(colorError),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDeep).
			Padding(0, 1),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printer writes command results as styled text or JSON.
type printer struct {
	w      io.Writer
	json   bool
	styles styles
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "text", "":
		return &printer{w: w, styles: newStyles(w)}, nil
	case "json":
		return &printer{w: w, json: true}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want text or json)", format)
}

func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Field prints an aligned "label: value" line.
func (p *printer) Field(label string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", p.styles.Label.Render(fmt.Sprintf("%-16s", label+":")), value)
}

// statusStyle picks the style for a rollout status.
func (p *printer) statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "completed":
		return p.styles.Success
	case "paused", "draft", "":
		return p.styles.Warning
	default:
		return p.styles.Error
	}
}
