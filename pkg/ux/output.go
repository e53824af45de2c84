// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the legalcascade CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette - deep ocean teals
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style

	Box lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarning lipgloss.Style
	StatusError   lipgloss.Style
	StatusPending lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),

	StatusOK:      lipgloss.NewStyle().SetString("✓").Foreground(ColorSuccess),
	StatusWarning: lipgloss.NewStyle().SetString("⚠").Foreground(ColorWarning),
	StatusError:   lipgloss.NewStyle().SetString("✗").Foreground(ColorError),
	StatusPending: lipgloss.NewStyle().SetString("○").Foreground(ColorSlate),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.StatusOK.String()
	case IconWarning:
		return Styles.StatusWarning.String()
	case IconError:
		return Styles.StatusError.String()
	case IconPending:
		return Styles.StatusPending.String()
	default:
		return string(i)
	}
}

// Level controls how rich the output is.
type Level string

const (
	// LevelStyled uses colors, icons and boxes.
	LevelStyled Level = "styled"

	// LevelPlain writes unstyled text suitable for scripting.
	LevelPlain Level = "plain"
)

// DetectLevel returns LevelPlain when NO_COLOR is set or w is not a
// terminal, LevelStyled otherwise.
func DetectLevel(w io.Writer) Level {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return LevelPlain
	}
	f, ok := w.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return LevelPlain
	}
	return LevelStyled
}

// Printer writes styled output to one writer.
type Printer struct {
	w     io.Writer
	level Level
}

// NewPrinter creates a Printer. An empty level is detected from w.
func NewPrinter(w io.Writer, level Level) *Printer {
	if level == "" {
		level = DetectLevel(w)
	}
	return &Printer{w: w, level: level}
}

// Plain reports whether styling is disabled.
func (p *Printer) Plain() bool { return p.level == LevelPlain }

// Style renders text with s unless the printer is plain.
func (p *Printer) Style(s lipgloss.Style, text string) string {
	if p.Plain() {
		return text
	}
	return s.Render(text)
}

// Icon renders i, or its plain glyph.
func (p *Printer) Icon(i Icon) string {
	if p.Plain() {
		return string(i)
	}
	return i.Render()
}

// Title prints a styled title followed by a rule.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.Style(Styles.Title, text))
	fmt.Fprintln(p.w, p.Style(Styles.Muted, strings.Repeat("─", lipgloss.Width(text))))
}

// Muted prints secondary text.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.w, p.Style(Styles.Muted, text))
}

// Success prints a message with a checkmark.
func (p *Printer) Success(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Icon(IconSuccess), p.Style(Styles.Success, text))
}

// Warning prints a message with a warning sign.
func (p *Printer) Warning(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Icon(IconWarning), p.Style(Styles.Warning, text))
}

// Println prints text unstyled.
func (p *Printer) Println(text string) {
	fmt.Fprintln(p.w, text)
}

// Table prints rows in aligned columns under a bold header. Cells may
// already carry styling; widths are measured without escape sequences.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		var sb strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != nil {
				cell = p.Style(*style, cell)
			}
			sb.WriteString(cell)
			if i < len(widths)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(p.w, strings.TrimRight(sb.String(), " "))
	}

	line(headers, &Styles.Bold)
	for _, row := range rows {
		line(row, nil)
	}
}
