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
	"testing"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/stretchr/testify/assert"
)

func TestAdvance_IsHighWaterMark(t *testing.T) {
	assert.Equal(t, datatypes.SessionPersisted, Advance(datatypes.SessionPersisted, datatypes.SessionGroupSelected))
	assert.Equal(t, datatypes.SessionParsed, Advance(datatypes.SessionPersisted, datatypes.SessionParsed))
}

func TestCheckSession(t *testing.T) {
	tests := []struct {
		name  string
		state datatypes.SessionState
		op    Operation
		ok    bool
	}{
		{"group created", datatypes.SessionCreated, OpGroup, true},
		{"group twice", datatypes.SessionGrouped, OpGroup, false},
		{"select ungrouped", datatypes.SessionCreated, OpSelect, false},
		{"select grouped", datatypes.SessionGrouped, OpSelect, true},
		{"persist after parse", datatypes.SessionParsed, OpPersist, true},
		{"confirm selected", datatypes.SessionGroupSelected, OpConfirm, false},
		{"confirm persisted", datatypes.SessionPersisted, OpConfirm, true},
		{"confirm twice", datatypes.SessionConfirmed, OpConfirm, false},
		{"reparse confirmed", datatypes.SessionConfirmed, OpReparse, true},
		{"reparse deleted", datatypes.SessionDeleted, OpReparse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSession(&datatypes.ScrapeSession{ID: "s", State: tt.state}, tt.op)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, datatypes.ErrInvalidState)
		})
	}
}

func TestCheckGroup(t *testing.T) {
	g := &datatypes.Group{Key: "fire", State: datatypes.GroupPending}
	assert.NoError(t, CheckGroup("s", g, OpSelect))
	assert.ErrorIs(t, CheckGroup("s", g, OpPersist), datatypes.ErrInvalidState)

	g.State = datatypes.GroupPersisted
	err := CheckGroup("s", g, OpSelect)
	assert.ErrorIs(t, err, datatypes.ErrInvalidState)
	assert.Equal(t, "s/fire", datatypes.EntityOf(err))
	assert.NoError(t, CheckGroup("s", g, OpParse))
}

func TestClassifyFamily(t *testing.T) {
	tests := []struct {
		raw    string
		family string
		ok     bool
	}{
		{"POLLUTION", "POLLUTION", true},
		{"  pollution ", "POLLUTION", true},
		{"💚 CLIMATE   CHANGE", "CLIMATE CHANGE", true},
		{"oh&s: occupational / personal safety", "OH&S: Occupational / Personal Safety", true},
		{"", "", false},
		{"ASTROLOGY", "", false},
	}
	for _, tt := range tests {
		family, ok := ClassifyFamily(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.family, family, tt.raw)
	}
}

func TestGroupKey(t *testing.T) {
	key, family := GroupKey(datatypes.RawRecord{Family: "WATER & WASTEWATER"})
	assert.Equal(t, "water-wastewater", key)
	assert.Equal(t, "WATER & WASTEWATER", family)

	key, _ = GroupKey(datatypes.RawRecord{Family: "unknown"})
	assert.Equal(t, datatypes.UnclassifiedGroup, key)
}

func TestFamilyOptions_Sorted(t *testing.T) {
	opts := FamilyOptions()
	assert.IsIncreasing(t, opts)
	assert.Contains(t, opts, "POLLUTION")
}
