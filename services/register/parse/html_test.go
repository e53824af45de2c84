// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"testing"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanAirHTML = `<!DOCTYPE html>
<html>
<head>
  <title>The Smoke Control Areas (Exempted Fireplaces) Order 2024</title>
  <meta name="description" content="Exempts fireplaces from smoke control areas.">
  <script>var tracking = "shall";</script>
</head>
<body>
  <div class="LegPrelims">
    <p>Made 3rd May 2024</p>
    <p>Coming into force 1 June 2024</p>
    <p>Extent: E+W</p>
  </div>
  <div class="LegBody">
    <p id="article-1">The occupier of premises must not emit smoke from a chimney.</p>
    <p id="article-2">An operator who fails to comply commits an offence.</p>
    <p id="article-3">The local authority may grant an exemption.</p>
  </div>
  <div class="LegSchedule">
    <p>Fireplace one.</p>
    <p>Fireplace two.</p>
  </div>
  <div id="annex-a"><p>Guidance note.</p></div>
</body>
</html>`

func TestHTMLExtractor_Extract(t *testing.T) {
	x := NewHTMLExtractor()
	inst := &datatypes.LegalInstrument{Name: "UK_uksi_2024_1", Content: cleanAirHTML}

	ann, err := x.Extract(context.Background(), inst)
	require.NoError(t, err)

	assert.Equal(t, "The Smoke Control Areas (Exempted Fireplaces) Order 2024", ann.Title)
	assert.Equal(t, "Exempts fireplaces from smoke control areas.", ann.Description)
	assert.Equal(t, "2024-05-03", ann.MadeDate)
	assert.Equal(t, "2024-06-01", ann.ComingIntoForceDate)
	assert.Equal(t, "E+W", ann.GeoExtent)
	assert.Equal(t, []string{"England", "Wales"}, ann.GeoRegion)
	assert.Equal(t, datatypes.ParagraphCounts{Body: 6, Schedule: 2, Attachment: 1, Total: 9}, ann.Paragraphs)

	assert.Equal(t, []string{"Local authority", "Occupier", "Operator"}, ann.DutyHolders)
	assert.Equal(t, []string{"Offence", "Power", "Prohibition"}, ann.DutyTypes)
	require.Len(t, ann.Clauses, 3)
	assert.Equal(t, "article-1", ann.Clauses[0].Ref)
	assert.Equal(t, "Prohibition", ann.Clauses[0].DutyType)
	assert.Equal(t, []string{"Occupier"}, ann.Clauses[0].Holders)
}

func TestHTMLExtractor_PlainText(t *testing.T) {
	x := NewHTMLExtractor()
	inst := &datatypes.LegalInstrument{
		Name:  "UK_ukpga_1993_11",
		Title: "Clean Air Act 1993",
		Content: "An Act to consolidate enactments relating to clean air.\n\n" +
			"This Act extends to England and Wales.\n" +
			"The Secretary of State shall make regulations.\n" +
			"SCHEDULE 1\n" +
			"Transitional provisions.\n",
	}

	md, err := x.Metadata(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, "Clean Air Act 1993", md.Title)
	assert.Equal(t, "An Act to consolidate enactments relating to clean air.", md.Description)
	assert.Equal(t, datatypes.ParagraphCounts{Body: 3, Schedule: 2, Total: 5}, md.Paragraphs)

	ann, err := x.Extract(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, "E+W", ann.GeoExtent)
	assert.Equal(t, []string{"Secretary of State"}, ann.DutyHolders)
	assert.Equal(t, []string{"Duty"}, ann.DutyTypes)
}

func TestHTMLExtractor_NoContent(t *testing.T) {
	_, err := NewHTMLExtractor().Extract(context.Background(), &datatypes.LegalInstrument{Name: "A", Content: "  "})
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestFindDate(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Made 21st December 2023", "2023-12-21"},
		{"made: 2024-01-05", "2024-01-05"},
		{"Made 5 SEPTEMBER 2022", "2022-09-05"},
		{"Made 31 Smarch 2022", "31 Smarch 2022"},
		{"no date here", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, findDate(madeRe, tt.text), tt.text)
	}
}

func TestFindExtent(t *testing.T) {
	extent, regions := findExtent("Extent (E+W+S+N.I.)")
	assert.Equal(t, "E+W+S+NI", extent)
	assert.Equal(t, []string{"England", "Wales", "Scotland", "Northern Ireland"}, regions)

	extent, _ = findExtent("This Order extends to Scotland")
	assert.Equal(t, "S", extent)

	extent, regions = findExtent("no extent")
	assert.Empty(t, extent)
	assert.Nil(t, regions)
}
