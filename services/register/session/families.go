// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
)

// knownFamilies are the register's law families, used as grouping keys.
var knownFamilies = []string{
	"AGRICULTURE",
	"ANIMALS & ANIMAL HEALTH",
	"BUILDINGS",
	"CLIMATE CHANGE",
	"ENERGY",
	"ENVIRONMENTAL PROTECTION",
	"FIRE",
	"FIRE: Dangerous and Explosive Substances",
	"FOOD",
	"HEALTH: Public",
	"HR: Employment",
	"MARINE & RIVERINE",
	"NUCLEAR & RADIOLOGICAL",
	"OH&S: Mines & Quarries",
	"OH&S: Occupational / Personal Safety",
	"OH&S: Offshore Safety",
	"PLANNING & INFRASTRUCTURE",
	"POLLUTION",
	"PUBLIC",
	"TRANSPORT: Air Safety",
	"TRANSPORT: Rail Safety",
	"TRANSPORT: Road Safety",
	"WASTE",
	"WATER & WASTEWATER",
	"WILDLIFE & COUNTRYSIDE",
}

var familyIndex = func() map[string]string {
	m := make(map[string]string, len(knownFamilies))
	for _, f := range knownFamilies {
		m[normalizeFamily(f)] = f
	}
	return m
}()

// FamilyOptions returns the known family labels, sorted. Metadata only.
func FamilyOptions() []string {
	out := append([]string(nil), knownFamilies...)
	sort.Strings(out)
	return out
}

// ClassifyFamily maps a raw family label onto a known family. Matching
// ignores case, surrounding whitespace and leading emoji or symbols.
// Unknown or empty labels return ok=false.
func ClassifyFamily(raw string) (family string, ok bool) {
	family, ok = familyIndex[normalizeFamily(raw)]
	return family, ok
}

// GroupKey returns the grouping key and family label for a record.
func GroupKey(r datatypes.RawRecord) (key, family string) {
	if f, ok := ClassifyFamily(r.Family); ok {
		return Slug(f), f
	}
	return datatypes.UnclassifiedGroup, datatypes.UnclassifiedGroup
}

// Slug lowercases s and collapses every run of non-alphanumerics into '-'.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func normalizeFamily(s string) string {
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
