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
	"strings"

	"github.com/go-playground/validator/v10"
)

// SourceKind tags the variant held by a SourceDescriptor.
type SourceKind string

const (
	// SourceLegGovUK is a legislation.gov.uk "new laws" date-range query.
	SourceLegGovUK SourceKind = "leg_gov_uk"

	// SourceManual carries operator-supplied records inline.
	SourceManual SourceKind = "manual"
)

// KnownSourceKinds lists every SourceKind with a declared schema.
var KnownSourceKinds = []SourceKind{SourceLegGovUK, SourceManual}

// sourceValidate validates source descriptors and raw records.
var sourceValidate = validator.New()

// SourceDescriptor describes where a session's candidates come from.
//
// # Description
//
// SourceDescriptor is a closed tagged union: Kind selects exactly one of the
// variant fields, and every other variant must be nil. Descriptors with an
// unknown kind, or whose variant does not match the kind, are rejected with
// InvalidSource before any session is created.
type SourceDescriptor struct {
	Kind     SourceKind     `json:"kind" yaml:"kind"`
	LegGovUK *LegGovUKQuery `json:"leg_gov_uk,omitempty" yaml:"leg_gov_uk,omitempty"`
	Manual   *ManualImport  `json:"manual,omitempty" yaml:"manual,omitempty"`
}

// LegGovUKQuery selects laws published on legislation.gov.uk in a date range.
type LegGovUKQuery struct {
	Year      int      `json:"year" validate:"required,gte=1800,lte=2200"`
	Month     int      `json:"month" validate:"required,gte=1,lte=12"`
	DayFrom   int      `json:"day_from" validate:"required,gte=1,lte=31"`
	DayTo     int      `json:"day_to" validate:"required,gte=1,lte=31,gtefield=DayFrom"`
	TypeCodes []string `json:"type_codes,omitempty" validate:"omitempty,dive,required,max=16"`
}

// ManualImport is a batch of records supplied directly by an operator.
type ManualImport struct {
	Records []RawRecord `json:"records" validate:"required,min=1,max=5000,dive"`
}

// RawRecord is one scraped record before it is staged as a Candidate.
type RawRecord struct {
	Name       string   `json:"name" validate:"required,max=512"`
	Title      string   `json:"title,omitempty" validate:"max=2048"`
	URL        string   `json:"url,omitempty" validate:"omitempty,url"`
	TypeCode   string   `json:"type_code,omitempty" validate:"max=16"`
	Number     string   `json:"number,omitempty" validate:"max=32"`
	Year       int      `json:"year,omitempty" validate:"omitempty,gte=1200,lte=2200"`
	Family     string   `json:"family,omitempty" validate:"max=128"`
	EnactedBy  []string `json:"enacted_by,omitempty" validate:"omitempty,dive,required"`
	Amending   []string `json:"amending,omitempty" validate:"omitempty,dive,required"`
	Rescinding []string `json:"rescinding,omitempty" validate:"omitempty,dive,required"`
	Content    string   `json:"content,omitempty"`
}

// Validate checks the descriptor's tag and the schema of its variant.
func (d *SourceDescriptor) Validate() error {
	switch d.Kind {
	case SourceLegGovUK:
		if d.LegGovUK == nil || d.Manual != nil {
			return invalidSource(d.Kind, "leg_gov_uk descriptor requires exactly the leg_gov_uk query")
		}
		if err := sourceValidate.Struct(d.LegGovUK); err != nil {
			return &Error{Kind: KindInvalidSource, Entity: string(d.Kind), Reason: "invalid query", Err: err}
		}
	case SourceManual:
		if d.Manual == nil || d.LegGovUK != nil {
			return invalidSource(d.Kind, "manual descriptor requires exactly the manual records")
		}
		if err := sourceValidate.Struct(d.Manual); err != nil {
			return &Error{Kind: KindInvalidSource, Entity: string(d.Kind), Reason: "invalid records", Err: err}
		}
		seen := make(map[string]struct{}, len(d.Manual.Records))
		for _, r := range d.Manual.Records {
			key := strings.TrimSpace(r.Name)
			if _, dup := seen[key]; dup {
				return invalidSource(d.Kind, fmt.Sprintf("duplicate record name %q", key))
			}
			seen[key] = struct{}{}
		}
	default:
		return invalidSource(d.Kind, "unrecognized source kind")
	}
	return nil
}

// Label is a short human-readable description used in logs and listings.
func (d *SourceDescriptor) Label() string {
	switch d.Kind {
	case SourceLegGovUK:
		q := d.LegGovUK
		if q == nil {
			return string(d.Kind)
		}
		return fmt.Sprintf("leg_gov_uk %04d-%02d-%02d..%02d", q.Year, q.Month, q.DayFrom, q.DayTo)
	case SourceManual:
		if d.Manual == nil || len(d.Manual.Records) == 0 {
			return "manual"
		}
		return fmt.Sprintf("manual (%d records)", len(d.Manual.Records))
	default:
		return string(d.Kind)
	}
}

func invalidSource(kind SourceKind, reason string) *Error {
	entity := string(kind)
	if entity == "" {
		entity = "<empty>"
	}
	return &Error{Kind: KindInvalidSource, Entity: entity, Reason: reason}
}
