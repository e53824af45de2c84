// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/cascade"
	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/graph"
	"github.com/AleutianAI/legalcascade/services/register/lock"
	"github.com/AleutianAI/legalcascade/services/register/parse"
	"github.com/AleutianAI/legalcascade/services/register/progress"
	"github.com/AleutianAI/legalcascade/services/register/session"
	kv "github.com/AleutianAI/legalcascade/services/register/storage/badger"
	"github.com/AleutianAI/legalcascade/services/register/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	p      *Pipeline
	locks  *lock.Manager
	broker *progress.Broker
	store  *sqlite.Store
}

func newFixture(t *testing.T, autoCascade bool) *fixture {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "register.db"), nil)
	require.NoError(t, err)

	g := graph.New()
	locks := lock.NewManager()
	broker := progress.NewBroker(progress.Config{Buffer: 256})
	parser := parse.NewEngine(parse.Config{
		Store:     store,
		Extractor: parse.NewHTMLExtractor(),
		Locks:     locks,
		Pool:      parse.NewPool(2, nil),
	})
	p := New(Config{
		Sessions:    session.NewManager(session.NewStore(db), session.NewRegistry(), nil, nil),
		Instruments: store,
		Graph:       g,
		Locks:       locks,
		Parser:      parser,
		Cascade: cascade.NewEngine(cascade.Config{
			Graph:     g,
			Store:     cascade.NewStore(db),
			Parser:    parser,
			Publisher: broker,
		}),
		Broker:      broker,
		AutoCascade: autoCascade,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
		_ = broker.Close(ctx)
		_ = store.Close()
		_ = db.Close()
	})
	return &fixture{p: p, locks: locks, broker: broker, store: store}
}

func record(name, family string) datatypes.RawRecord {
	return datatypes.RawRecord{
		Name:    name,
		Title:   name,
		Family:  family,
		Content: "<p>The occupier of premises must not emit dark smoke.</p>",
	}
}

func createSession(t *testing.T, p *Pipeline, records ...datatypes.RawRecord) string {
	t.Helper()
	st, err := p.CreateSession(context.Background(), &datatypes.CreateSessionRequest{
		Source: datatypes.SourceDescriptor{
			Kind:   datatypes.SourceManual,
			Manual: &datatypes.ManualImport{Records: records},
		},
		Operator: "ops",
	})
	require.NoError(t, err)
	require.Equal(t, datatypes.SessionGrouped, st.Session.State)
	return st.Session.ID
}

func selectNames(t *testing.T, p *Pipeline, sid, key string, names ...string) {
	t.Helper()
	detail, err := p.ShowGroup(context.Background(), sid, key)
	require.NoError(t, err)
	byName := map[string]string{}
	for _, c := range detail.Candidates {
		byName[c.Name()] = c.ID
	}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		require.Contains(t, byName, n)
		ids = append(ids, byName[n])
	}
	_, err = p.SelectCandidates(context.Background(), sid, key, &datatypes.SelectCandidatesRequest{CandidateIDs: ids})
	require.NoError(t, err)
}

func waitIdle(t *testing.T, p *Pipeline, owner string) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Running(owner)) == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestPipeline_CleanAirScenario(t *testing.T) {
	tests := []struct {
		name        string
		autoCascade bool
	}{
		{"manual cascade", false},
		{"default auto cascade", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runCleanAirScenario(t, newFixture(t, tt.autoCascade))
		})
	}
}

func runCleanAirScenario(t *testing.T, f *fixture) {
	ctx := context.Background()

	other := createSession(t, f.p, record("Clean Air (NI) 2025", "POLLUTION"))
	selectNames(t, f.p, other, "pollution", "Clean Air (NI) 2025")
	_, err := f.p.Persist(ctx, other, "pollution")
	require.NoError(t, err)

	sid := createSession(t, f.p,
		record("Clean Air Act 2024", "POLLUTION"),
		record("Clean Air Regs 2024", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "Clean Air Act 2024")

	report, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)
	assert.Equal(t, []string{"Clean Air Act 2024"}, report.Created)
	_, err = f.p.GetInstrument(ctx, "Clean Air Regs 2024")
	assert.ErrorIs(t, err, datatypes.ErrNotFound, "unselected candidates are never persisted")

	links := &datatypes.UpdateLinksRequest{
		Links: []datatypes.LinkTarget{{Target: "Clean Air (NI) 2025", Kind: datatypes.LinkAmends}},
	}
	diff, err := f.p.UpdateEnactingLinks(ctx, "Clean Air Act 2024", links)
	require.NoError(t, err)
	assert.Len(t, diff.Added, 1)
	waitIdle(t, f.p, "")

	affected, err := f.p.AffectedForInstrument(ctx, "Clean Air Act 2024")
	require.NoError(t, err)
	assert.Equal(t, []string{"Clean Air (NI) 2025"}, affected.Names())

	d, err := f.p.ReparseSession(ctx, sid)
	require.NoError(t, err)
	require.Len(t, d.Jobs, 1)
	assert.Equal(t, "Clean Air (NI) 2025", d.Jobs[0].Instrument)
	assert.Equal(t, "/v1/sessions/"+sid+"/progress?run="+d.Traversal, d.Progress)
	waitIdle(t, f.p, sid)

	jobs, err := f.p.ListCascadeJobs(ctx, sid)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, datatypes.JobDone, jobs[0].Status)

	view, err := f.p.GetInstrument(ctx, "Clean Air (NI) 2025")
	require.NoError(t, err)
	require.NotNil(t, view.Annotation, "the cascade committed an annotation")
	assert.Len(t, view.Incoming, 1)
	parsedAt := view.Annotation.ParsedAt

	diff, err = f.p.UpdateEnactingLinks(ctx, "Clean Air Act 2024", links)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
	waitIdle(t, f.p, "")

	view, err = f.p.GetInstrument(ctx, "Clean Air (NI) 2025")
	require.NoError(t, err)
	require.NotNil(t, view.Annotation)
	assert.Equal(t, parsedAt, view.Annotation.ParsedAt, "an unchanged link set reparses nothing")
}

func TestPipeline_PersistFailsFastOnLockedInstrument(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sid := createSession(t, f.p, record("A", "POLLUTION"), record("B", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "A", "B")

	require.NoError(t, f.locks.TryAcquire("B", "parse:x", "parse"))
	_, err := f.p.Persist(ctx, sid, "pollution")
	require.ErrorIs(t, err, datatypes.ErrPersistenceConflict)
	assert.Equal(t, "B", datatypes.EntityOf(err))

	_, err = f.p.GetInstrument(ctx, "A")
	assert.ErrorIs(t, err, datatypes.ErrNotFound, "nothing is written on conflict")
	locked, _ := f.locks.IsLocked("A")
	assert.False(t, locked, "locks already taken are released")

	require.NoError(t, f.locks.Release("B", "parse:x"))
	report, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, report.Created)

	report, err = f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, report.Unchanged, "persist is idempotent")
}

func TestPipeline_ParseGroupAndConfirm(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	base := createSession(t, f.p, record("Parent Act", "POLLUTION"), record("Old Regs", "POLLUTION"))
	selectNames(t, f.p, base, "pollution", "Parent Act", "Old Regs")
	_, err := f.p.Persist(ctx, base, "pollution")
	require.NoError(t, err)

	child := record("New Regs", "POLLUTION")
	child.EnactedBy = []string{"Parent Act", "Missing Act"}
	child.Amending = []string{"Old Regs"}
	child.Rescinding = []string{"Gone Regs"}
	sid := createSession(t, f.p, child)
	selectNames(t, f.p, sid, "pollution", "New Regs")
	_, err = f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)

	sub := f.broker.Subscribe(sid)
	defer sub.Close()

	accepted, err := f.p.ParseGroup(ctx, sid, "pollution")
	require.NoError(t, err)
	assert.Equal(t, "/v1/sessions/"+sid+"/progress?run="+accepted.Run, accepted.Progress)
	waitIdle(t, f.p, sid)

	var types []datatypes.ProgressEventType
	for ev := range sub.Events() {
		assert.Equal(t, accepted.Run, ev.Run)
		assert.Equal(t, "pollution", ev.Group)
		types = append(types, ev.Type)
		if ev.Type.Terminal() {
			break
		}
	}
	assert.Equal(t, []datatypes.ProgressEventType{
		datatypes.EventStageEntered, datatypes.EventItemSucceeded, datatypes.EventStageComplete,
	}, types)

	st, err := f.p.Status(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionParsed, st.Session.State)
	require.Len(t, st.Groups, 1)
	assert.Equal(t, datatypes.GroupParsed, st.Groups[0].State)

	sess, err := f.p.Confirm(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionConfirmed, sess.State)
	require.NotNil(t, sess.ConfirmReport)
	assert.Equal(t, []string{"New Regs"}, sess.ConfirmReport.Instruments)
	assert.Equal(t, 2, sess.ConfirmReport.LinksAdded)
	assert.Len(t, sess.ConfirmReport.SkippedLinks, 2)

	links, err := f.p.ListLinks(ctx, "Parent Act")
	require.NoError(t, err)
	assert.Equal(t, []datatypes.EnactingLink{{Source: "Parent Act", Target: "New Regs", Kind: datatypes.LinkEnacts}}, links)

	affected, err := f.p.AffectedForInstrument(ctx, "Parent Act")
	require.NoError(t, err)
	assert.Equal(t, []string{"New Regs", "Old Regs"}, affected.Names())

	_, err = f.p.Persist(ctx, sid, "pollution")
	assert.ErrorIs(t, err, datatypes.ErrInvalidState, "a confirmed session accepts no mutation")
}

func TestPipeline_AutoCascadeOnLinkUpdate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sid := createSession(t, f.p, record("A", "POLLUTION"), record("B", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "A", "B")
	_, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)

	_, err = f.p.UpdateEnactingLinks(ctx, "A", &datatypes.UpdateLinksRequest{
		Links: []datatypes.LinkTarget{{Target: "B", Kind: datatypes.LinkEnacts}},
	})
	require.NoError(t, err)
	waitIdle(t, f.p, "")

	jobs, err := f.p.ListCascadeJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "B", jobs[0].Instrument)
	assert.Empty(t, jobs[0].SessionID)
	assert.Equal(t, datatypes.JobDone, jobs[0].Status)

	_, err = f.p.UpdateEnactingLinks(ctx, "A", &datatypes.UpdateLinksRequest{
		Links: []datatypes.LinkTarget{{Target: "B", Kind: datatypes.LinkEnacts}},
	})
	require.NoError(t, err)
	waitIdle(t, f.p, "")
	jobs, err = f.p.ListCascadeJobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "an unchanged link set triggers nothing")

	res, err := f.p.ClearProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
}

func TestPipeline_DeleteSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sid := createSession(t, f.p, record("A", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "A")
	_, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)
	_, err = f.p.SaveCascadeMetadata(ctx, sid, &datatypes.CascadeMetadataRequest{Metadata: map[string]string{"note": "x"}})
	require.NoError(t, err)

	sub := f.broker.Subscribe(sid)
	require.NoError(t, f.p.DeleteSession(ctx, sid))

	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, datatypes.EventSessionDeleted, ev.Type)
	_, ok = <-sub.Events()
	assert.False(t, ok, "the stream ends with the session")

	_, err = f.p.Status(ctx, sid)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
	_, err = f.p.GetInstrument(ctx, "A")
	assert.NoError(t, err, "instruments outlive their session")
	assert.ErrorIs(t, f.p.DeleteSession(ctx, sid), datatypes.ErrNotFound)
}

func TestPipeline_DeleteInstrument(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sid := createSession(t, f.p, record("A", "POLLUTION"), record("B", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "A", "B")
	_, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)
	_, err = f.p.UpdateEnactingLinks(ctx, "A", &datatypes.UpdateLinksRequest{
		Links: []datatypes.LinkTarget{{Target: "B", Kind: datatypes.LinkAmends}},
	})
	require.NoError(t, err)

	require.NoError(t, f.locks.TryAcquire("B", "parse:x", "parse"))
	assert.ErrorIs(t, f.p.DeleteInstrument(ctx, "B"), datatypes.ErrPersistenceConflict)
	require.NoError(t, f.locks.Release("B", "parse:x"))

	require.NoError(t, f.p.DeleteInstrument(ctx, "B"))
	affected, err := f.p.AffectedForInstrument(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, affected.Affected)
	links, err := f.p.ListLinks(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestPipeline_ReparseAfterCloseFailsJobs(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sid := createSession(t, f.p, record("A", "POLLUTION"), record("B", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "A", "B")
	_, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)
	_, err = f.p.UpdateEnactingLinks(ctx, "A", &datatypes.UpdateLinksRequest{
		Links: []datatypes.LinkTarget{{Target: "B", Kind: datatypes.LinkAmends}},
	})
	require.NoError(t, err)

	require.NoError(t, f.p.Close(ctx))
	_, err = f.p.ReparseSession(ctx, sid)
	require.Error(t, err)

	jobs, err := f.p.ListCascadeJobs(ctx, sid)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	for _, j := range jobs {
		assert.Equal(t, datatypes.JobFailed, j.Status, j.Instrument)
		assert.Equal(t, cascade.ReasonNotStarted, j.Error)
	}
}

func TestPipeline_BatchReparse(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sid := createSession(t, f.p, record("A", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "A")
	_, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)

	sub := f.broker.Subscribe(datatypes.CascadeStreamKey)
	defer sub.Close()

	accepted, err := f.p.BatchReparse(ctx, &datatypes.BatchReparseRequest{Names: []string{"A"}})
	require.NoError(t, err)
	assert.Equal(t, datatypes.StageBatchReparse, accepted.Stage)
	waitIdle(t, f.p, "")

	var last datatypes.ProgressEvent
	var types []datatypes.ProgressEventType
	for ev := range sub.Events() {
		assert.Equal(t, accepted.Run, ev.Run)
		types = append(types, ev.Type)
		last = ev
		if ev.Type.Terminal() {
			break
		}
	}
	assert.Equal(t, []datatypes.ProgressEventType{
		datatypes.EventStageEntered, datatypes.EventItemSucceeded, datatypes.EventStageComplete,
	}, types)
	require.NotNil(t, last.Report)
	assert.Equal(t, []string{"A"}, last.Report.Succeeded)

	_, err = f.p.BatchReparse(ctx, &datatypes.BatchReparseRequest{})
	assert.ErrorIs(t, err, datatypes.ErrInvalidRequest)
}

func TestPipeline_DeleteInstrumentWaitsForIncomingSources(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sid := createSession(t, f.p, record("A", "POLLUTION"), record("B", "POLLUTION"))
	selectNames(t, f.p, sid, "pollution", "A", "B")
	_, err := f.p.Persist(ctx, sid, "pollution")
	require.NoError(t, err)
	_, err = f.p.UpdateEnactingLinks(ctx, "A", &datatypes.UpdateLinksRequest{
		Links: []datatypes.LinkTarget{{Target: "B", Kind: datatypes.LinkAmends}},
	})
	require.NoError(t, err)

	unlock := f.p.linkMu.Lock("A")
	deleted := make(chan error, 1)
	go func() { deleted <- f.p.DeleteInstrument(ctx, "B") }()

	select {
	case err := <-deleted:
		t.Fatalf("delete finished while a link writer held its source: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("delete did not finish")
	}
	links, err := f.p.ListLinks(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, links)
}
