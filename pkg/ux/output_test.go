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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinter_PlainTitle(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelPlain)

	p.Title("Laws affected")
	assert.Equal(t, "Laws affected\n─────────────\n", buf.String())
}

func TestPrinter_PlainIcons(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelPlain)

	p.Success("Removed 3 finished jobs")
	p.Warning("Result truncated")
	assert.Equal(t, "✓ Removed 3 finished jobs\n⚠ Result truncated\n", buf.String())
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelPlain)

	p.Table([]string{"ID", "STATUS"}, [][]string{
		{"job-1", "✓ done"},
		{"job-22", "○ queued"},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID      STATUS", lines[0])
	assert.Equal(t, "job-1   ✓ done", lines[1])
	assert.Equal(t, "job-22  ○ queued", lines[2])
}

func TestPrinter_StyledKeepsText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, LevelStyled)

	p.Muted("Clean Air Act 2024 → Air Quality Regulations 2025")
	assert.Contains(t, buf.String(), "Clean Air Act 2024 → Air Quality Regulations 2025")
	assert.Contains(t, p.Icon(IconError), "✗")
}

func TestDetectLevel(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, LevelPlain, DetectLevel(&buf), "a buffer is not a terminal")

	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, LevelPlain, DetectLevel(&buf))
}
