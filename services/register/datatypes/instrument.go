// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// LegalInstrument is the canonical, persisted form of a legal document.
// Name is the natural key. SourceSession records the session that first
// persisted the instrument; later updates from other sessions keep it.
type LegalInstrument struct {
	Name          string    `json:"name"`
	Title         string    `json:"title,omitempty"`
	TypeCode      string    `json:"type_code,omitempty"`
	Number        string    `json:"number,omitempty"`
	Year          int       `json:"year,omitempty"`
	Family        string    `json:"family,omitempty"`
	URL           string    `json:"url,omitempty"`
	Content       string    `json:"content,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
	SourceSession string    `json:"source_session,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InstrumentFromRecord maps a staged record onto the instrument it persists as.
func InstrumentFromRecord(r RawRecord, sessionID string) LegalInstrument {
	return LegalInstrument{
		Name:          r.Name,
		Title:         r.Title,
		TypeCode:      r.TypeCode,
		Number:        r.Number,
		Year:          r.Year,
		Family:        r.Family,
		URL:           r.URL,
		Content:       r.Content,
		SourceSession: sessionID,
	}
}

// LinkKind is the relationship an EnactingLink records.
type LinkKind string

const (
	LinkEnacts  LinkKind = "enacts"
	LinkAmends  LinkKind = "amends"
	LinkRevokes LinkKind = "revokes"
)

// Valid reports whether k is a known link kind.
func (k LinkKind) Valid() bool {
	switch k {
	case LinkEnacts, LinkAmends, LinkRevokes:
		return true
	}
	return false
}

// EnactingLink is a directed edge: Source enacts/amends/revokes Target.
type EnactingLink struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   LinkKind `json:"kind"`
}

// Key identifies the edge; at most one edge exists per key.
func (l EnactingLink) Key() string {
	return fmt.Sprintf("%s\x00%s\x00%s", l.Source, l.Target, l.Kind)
}

func (l EnactingLink) String() string {
	return fmt.Sprintf("%s -%s-> %s", l.Source, l.Kind, l.Target)
}

// LinkTarget is one element of an updateEnactingLinks request.
type LinkTarget struct {
	Target string   `json:"target" validate:"required,max=512"`
	Kind   LinkKind `json:"kind" validate:"required,oneof=enacts amends revokes"`
}

// LinkDiff is the outcome of replacing an instrument's outgoing links.
type LinkDiff struct {
	Source    string         `json:"source"`
	Added     []EnactingLink `json:"added"`
	Removed   []EnactingLink `json:"removed"`
	Unchanged int            `json:"unchanged"`
}

// Empty reports whether the replacement changed nothing.
func (d *LinkDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// ParagraphCounts tallies the structural paragraphs of an instrument.
type ParagraphCounts struct {
	Body       int `json:"body"`
	Schedule   int `json:"schedule"`
	Attachment int `json:"attachment"`
	Total      int `json:"total"`
}

// InstrumentMetadata is the cheap structural extraction used for previews.
type InstrumentMetadata struct {
	Instrument          string          `json:"instrument"`
	Title               string          `json:"title,omitempty"`
	Description         string          `json:"description,omitempty"`
	MadeDate            string          `json:"made_date,omitempty"`
	ComingIntoForceDate string          `json:"coming_into_force_date,omitempty"`
	Paragraphs          ParagraphCounts `json:"paragraphs"`
}

// Clause is one extracted provision.
type Clause struct {
	Ref      string   `json:"ref"`
	Text     string   `json:"text"`
	DutyType string   `json:"duty_type,omitempty"`
	Holders  []string `json:"holders,omitempty"`
}

// ParseAnnotation is the structured extraction attached to one instrument.
// A re-parse replaces it wholesale; ParsedAt strictly increases per instrument.
type ParseAnnotation struct {
	Instrument          string          `json:"instrument"`
	Title               string          `json:"title,omitempty"`
	Description         string          `json:"description,omitempty"`
	MadeDate            string          `json:"made_date,omitempty"`
	ComingIntoForceDate string          `json:"coming_into_force_date,omitempty"`
	GeoExtent           string          `json:"geo_extent,omitempty"`
	GeoRegion           []string        `json:"geo_region,omitempty"`
	DutyHolders         []string        `json:"duty_holders,omitempty"`
	DutyTypes           []string        `json:"duty_types,omitempty"`
	Clauses             []Clause        `json:"clauses,omitempty"`
	Paragraphs          ParagraphCounts `json:"paragraphs"`
	ParsedAt            int64           `json:"parsed_at"`
}

// InstrumentView is an instrument together with its current annotation.
type InstrumentView struct {
	Instrument LegalInstrument  `json:"instrument"`
	Annotation *ParseAnnotation `json:"annotation,omitempty"`
	Outgoing   []EnactingLink   `json:"outgoing,omitempty"`
	Incoming   []EnactingLink   `json:"incoming,omitempty"`
}
