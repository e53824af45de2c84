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
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	kv "github.com/AleutianAI/legalcascade/services/register/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, scrapers ...Scraper) *Manager {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(NewStore(db), NewRegistry(scrapers...), nil, nil)
}

func manualSource(records ...datatypes.RawRecord) datatypes.SourceDescriptor {
	return datatypes.SourceDescriptor{
		Kind:   datatypes.SourceManual,
		Manual: &datatypes.ManualImport{Records: records},
	}
}

func cleanAirRecords() []datatypes.RawRecord {
	return []datatypes.RawRecord{
		{Name: "UK_ukpga_1993_11", Title: "Clean Air Act 1993", Family: "💚 POLLUTION"},
		{Name: "UK_uksi_2024_1", Title: "Smoke Control Order", Family: "POLLUTION", EnactedBy: []string{"UK_ukpga_1993_11"}},
		{Name: "UK_uksi_2024_2", Title: "Fire Safety Rules", Family: "FIRE"},
		{Name: "UK_uksi_2024_3", Title: "Misc Order"},
	}
}

func candidateIDs(t *testing.T, m *Manager, sid, key string) map[string]string {
	t.Helper()
	detail, err := m.ShowGroup(context.Background(), sid, key)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, c := range detail.Candidates {
		out[c.Name()] = c.ID
	}
	return out
}

type failingScraper struct{}

func (failingScraper) Kind() datatypes.SourceKind { return datatypes.SourceLegGovUK }

func (failingScraper) Fetch(context.Context, datatypes.SourceDescriptor) ([]datatypes.RawRecord, error) {
	return nil, errors.New("upstream unavailable")
}

func TestManager_CreateAndGroup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, manualSource(cleanAirRecords()...), "ops")
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionCreated, sess.State)
	assert.Equal(t, 4, sess.CandidateCount)

	grouped, groups, err := m.Group(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionGrouped, grouped.State)
	assert.Equal(t, []string{"fire", "pollution", "unclassified"}, grouped.GroupKeys)

	require.Len(t, groups, 3)
	byKey := map[string]datatypes.GroupSummary{}
	total := 0
	for _, g := range groups {
		byKey[g.Key] = g
		total += g.CandidateCount
		assert.Equal(t, datatypes.GroupPending, g.State)
	}
	assert.Equal(t, 4, total, "every candidate lands in exactly one group")
	assert.Equal(t, 2, byKey["pollution"].CandidateCount)
	assert.Equal(t, "POLLUTION", byKey["pollution"].Family)

	_, _, err = m.Group(ctx, sess.ID)
	assert.ErrorIs(t, err, datatypes.ErrInvalidState)
}

func TestManager_CreateRejectsUnknownSource(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, datatypes.SourceDescriptor{Kind: "ftp"}, "")
	assert.ErrorIs(t, err, datatypes.ErrInvalidSource)

	// leg_gov_uk is well-formed but has no scraper registered.
	src := datatypes.SourceDescriptor{
		Kind:     datatypes.SourceLegGovUK,
		LegGovUK: &datatypes.LegGovUKQuery{Year: 2024, Month: 5, DayFrom: 1, DayTo: 7},
	}
	_, err = m.Create(ctx, src, "")
	assert.ErrorIs(t, err, datatypes.ErrInvalidSource)

	sessions, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestManager_CreatePropagatesScraperError(t *testing.T) {
	m := newTestManager(t, failingScraper{})
	src := datatypes.SourceDescriptor{
		Kind:     datatypes.SourceLegGovUK,
		LegGovUK: &datatypes.LegGovUKQuery{Year: 2024, Month: 5, DayFrom: 1, DayTo: 7},
	}
	_, err := m.Create(context.Background(), src, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestManager_SelectReplacesSet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, manualSource(cleanAirRecords()...), "")
	require.NoError(t, err)
	_, _, err = m.Group(ctx, sess.ID)
	require.NoError(t, err)

	ids := candidateIDs(t, m, sess.ID, "pollution")

	g, err := m.Select(ctx, sess.ID, "pollution", []string{ids["UK_ukpga_1993_11"], ids["UK_uksi_2024_1"]})
	require.NoError(t, err)
	assert.Equal(t, datatypes.GroupSelected, g.State)
	assert.Len(t, g.Selected, 2)

	g, err = m.Select(ctx, sess.ID, "pollution", []string{ids["UK_uksi_2024_1"], ids["UK_uksi_2024_1"]})
	require.NoError(t, err)
	assert.Equal(t, []string{ids["UK_uksi_2024_1"]}, g.Selected)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionGroupSelected, got.State)

	g, err = m.Select(ctx, sess.ID, "pollution", nil)
	require.NoError(t, err)
	assert.Equal(t, datatypes.GroupPending, g.State)
	assert.Empty(t, g.Selected)
}

func TestManager_SelectRejectsNonMember(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, manualSource(cleanAirRecords()...), "")
	require.NoError(t, err)
	_, _, err = m.Group(ctx, sess.ID)
	require.NoError(t, err)

	fire := candidateIDs(t, m, sess.ID, "fire")
	pollution := candidateIDs(t, m, sess.ID, "pollution")

	_, err = m.Select(ctx, sess.ID, "pollution", []string{pollution["UK_uksi_2024_1"], fire["UK_uksi_2024_2"]})
	require.ErrorIs(t, err, datatypes.ErrInvalidSelection)
	assert.Equal(t, fire["UK_uksi_2024_2"], datatypes.EntityOf(err))

	detail, err := m.ShowGroup(ctx, sess.ID, "pollution")
	require.NoError(t, err)
	assert.Empty(t, detail.Group.Selected, "a rejected selection changes nothing")
}

func TestManager_OperationsBeforeGrouping(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, manualSource(cleanAirRecords()...), "")
	require.NoError(t, err)

	_, err = m.Select(ctx, sess.ID, "pollution", nil)
	assert.ErrorIs(t, err, datatypes.ErrNotFound, "groups do not exist before grouping")

	_, err = m.SelectedCandidates(ctx, sess.ID, "pollution")
	assert.ErrorIs(t, err, datatypes.ErrInvalidState)
}

func TestManager_PersistParseConfirmLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, manualSource(cleanAirRecords()...), "")
	require.NoError(t, err)
	_, _, err = m.Group(ctx, sess.ID)
	require.NoError(t, err)

	_, err = m.SelectedCandidates(ctx, sess.ID, "pollution")
	assert.ErrorIs(t, err, datatypes.ErrInvalidState, "empty selection cannot persist")

	_, err = m.MarkConfirmed(ctx, sess.ID, &datatypes.ConfirmReport{})
	assert.ErrorIs(t, err, datatypes.ErrInvalidState, "confirm requires a persisted group")

	ids := candidateIDs(t, m, sess.ID, "pollution")
	_, err = m.Select(ctx, sess.ID, "pollution", []string{ids["UK_ukpga_1993_11"], ids["UK_uksi_2024_1"]})
	require.NoError(t, err)

	cands, err := m.SelectedCandidates(ctx, sess.ID, "pollution")
	require.NoError(t, err)
	require.Len(t, cands, 2)

	_, err = m.PersistedGroup(ctx, sess.ID, "pollution")
	assert.ErrorIs(t, err, datatypes.ErrInvalidState, "parse requires persistence")

	g, err := m.MarkPersisted(ctx, sess.ID, "pollution", []string{"UK_uksi_2024_1", "UK_ukpga_1993_11"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.GroupPersisted, g.State)
	assert.Equal(t, []string{"UK_ukpga_1993_11", "UK_uksi_2024_1"}, g.PersistedNames)

	_, err = m.Select(ctx, sess.ID, "pollution", nil)
	assert.ErrorIs(t, err, datatypes.ErrInvalidState, "selection is frozen after persist")

	_, err = m.PersistedGroup(ctx, sess.ID, "pollution")
	require.NoError(t, err)
	g, err = m.MarkParsed(ctx, sess.ID, "pollution")
	require.NoError(t, err)
	assert.Equal(t, datatypes.GroupParsed, g.State)

	// Re-persisting a parsed group keeps it parsed.
	g, err = m.MarkPersisted(ctx, sess.ID, "pollution", []string{"UK_ukpga_1993_11", "UK_uksi_2024_1"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.GroupParsed, g.State)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionParsed, got.State)

	persisted, err := m.PersistedCandidates(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, []string{"UK_ukpga_1993_11"}, persisted[1].Record.EnactedBy)

	confirmed, err := m.MarkConfirmed(ctx, sess.ID, &datatypes.ConfirmReport{Instruments: []string{"UK_ukpga_1993_11", "UK_uksi_2024_1"}})
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionConfirmed, confirmed.State)
	require.NotNil(t, confirmed.ConfirmedAt)

	_, err = m.Select(ctx, sess.ID, "fire", nil)
	assert.ErrorIs(t, err, datatypes.ErrInvalidState, "confirmed sessions are terminal")

	_, err = m.Require(ctx, sess.ID, OpReparse)
	assert.NoError(t, err, "a confirmed session still drives cascade reparse")
}

func TestManager_StatusAndDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, manualSource(cleanAirRecords()...), "")
	require.NoError(t, err)
	_, _, err = m.Group(ctx, sess.ID)
	require.NoError(t, err)

	status, err := m.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, status.Session.ID)
	assert.Len(t, status.Groups, 3)

	require.NoError(t, m.Delete(ctx, sess.ID))

	_, err = m.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
	_, err = m.ListGroups(ctx, sess.ID)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
	_, err = m.ShowGroup(ctx, sess.ID, "pollution")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, sess.ID), datatypes.ErrNotFound)
}

func TestManager_ListNewestFirst(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Create(ctx, manualSource(datatypes.RawRecord{Name: "A"}), "")
	require.NoError(t, err)
	second, err := m.Create(ctx, manualSource(datatypes.RawRecord{Name: "B"}), "")
	require.NoError(t, err)

	sessions, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	if sessions[0].CreatedAt.Equal(sessions[1].CreatedAt) {
		assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{sessions[0].ID, sessions[1].ID})
		return
	}
	assert.Equal(t, second.ID, sessions[0].ID)
}
