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
	"github.com/AleutianAI/legalcascade/services/register/datatypes"
)

// Operation names a session-mutating operation for state checks.
type Operation string

const (
	OpGroup   Operation = "group"
	OpSelect  Operation = "select"
	OpPersist Operation = "persist"
	OpParse   Operation = "parse"
	OpConfirm Operation = "confirm"
	OpReparse Operation = "reparse"
)

// Advance returns the furthest of cur and reached. The session state is a
// high-water mark: per-group progress never moves it backwards.
func Advance(cur, reached datatypes.SessionState) datatypes.SessionState {
	if reached.Rank() > cur.Rank() {
		return reached
	}
	return cur
}

// CheckSession reports whether op may run on a session in state.
//
// # Description
//
// Deleted sessions accept nothing. Confirmed sessions accept no mutation but
// may still drive a cascade reparse. Grouping only runs on a freshly created
// session. Selection and persistence need groups. Confirm and cascade
// reparse need at least one persisted group.
//
// # Outputs
//
//   - error: *datatypes.Error of kind invalid_state, or nil.
func CheckSession(s *datatypes.ScrapeSession, op Operation) error {
	if s.State == datatypes.SessionDeleted ||
		(s.State == datatypes.SessionConfirmed && op != OpReparse) {
		return datatypes.NewError(datatypes.KindInvalidState, s.ID, "session is %s", s.State)
	}

	rank := s.State.Rank()
	switch op {
	case OpGroup:
		if s.State != datatypes.SessionCreated {
			return datatypes.NewError(datatypes.KindInvalidState, s.ID, "session is already %s", s.State)
		}
	case OpSelect, OpPersist, OpParse:
		if rank < datatypes.SessionGrouped.Rank() {
			return datatypes.NewError(datatypes.KindInvalidState, s.ID, "session has not been grouped")
		}
	case OpConfirm, OpReparse:
		if rank < datatypes.SessionPersisted.Rank() {
			return datatypes.NewError(datatypes.KindInvalidState, s.ID, "no group has been persisted")
		}
	}
	return nil
}

// CheckGroup reports whether op may run on group g.
//
//	select:  pending | selected
//	persist: selected | persisted | parsed (re-persist is idempotent)
//	parse:   persisted | parsed
func CheckGroup(sessionID string, g *datatypes.Group, op Operation) error {
	allowed := false
	switch op {
	case OpSelect:
		allowed = g.State == datatypes.GroupPending || g.State == datatypes.GroupSelected
	case OpPersist:
		allowed = g.State != datatypes.GroupPending
	case OpParse:
		allowed = g.State == datatypes.GroupPersisted || g.State == datatypes.GroupParsed
	default:
		allowed = true
	}
	if allowed {
		return nil
	}
	return &datatypes.Error{
		Kind:   datatypes.KindInvalidState,
		Entity: sessionID + "/" + g.Key,
		Reason: "group is " + string(g.State) + ", cannot " + string(op),
	}
}
