// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"github.com/AleutianAI/legalcascade/services/register/datatypes"
)

// Diff computes the change that turns current into desired for one source.
//
// # Description
//
// Edges present in both sets are counted as unchanged and left alone.
// Duplicate entries in desired collapse to one edge. When kinds is non-empty
// only current edges of those kinds are candidates for removal, which lets a
// caller replace e.g. the amends/revokes subset while keeping enacts edges.
//
// # Inputs
//
//   - source: The instrument whose outgoing set is being replaced.
//   - current: The committed outgoing edges of source.
//   - desired: Targets and kinds of the new outgoing set.
//   - kinds: Optional scope of the replacement.
//
// # Outputs
//
//   - datatypes.LinkDiff: Added and removed edges, sorted.
func Diff(source string, current []datatypes.EnactingLink, desired []datatypes.LinkTarget, kinds ...datatypes.LinkKind) datatypes.LinkDiff {
	scoped := func(k datatypes.LinkKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, s := range kinds {
			if s == k {
				return true
			}
		}
		return false
	}

	have := make(map[string]datatypes.EnactingLink, len(current))
	for _, l := range current {
		if scoped(l.Kind) {
			have[l.Key()] = l
		}
	}

	diff := datatypes.LinkDiff{
		Source:  source,
		Added:   []datatypes.EnactingLink{},
		Removed: []datatypes.EnactingLink{},
	}
	want := make(map[string]struct{}, len(desired))
	for _, t := range desired {
		l := datatypes.EnactingLink{Source: source, Target: t.Target, Kind: t.Kind}
		k := l.Key()
		if _, dup := want[k]; dup {
			continue
		}
		want[k] = struct{}{}
		if _, ok := have[k]; ok {
			diff.Unchanged++
			continue
		}
		diff.Added = append(diff.Added, l)
	}
	for k, l := range have {
		if _, ok := want[k]; !ok {
			diff.Removed = append(diff.Removed, l)
		}
	}

	SortLinks(diff.Added)
	SortLinks(diff.Removed)
	return diff
}

// Targets converts links into the LinkTarget form Diff accepts.
func Targets(links []datatypes.EnactingLink) []datatypes.LinkTarget {
	out := make([]datatypes.LinkTarget, len(links))
	for i, l := range links {
		out[i] = datatypes.LinkTarget{Target: l.Target, Kind: l.Kind}
	}
	return out
}
