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
	"errors"
	"log/slog"
	"net/url"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/lock"
	"github.com/AleutianAI/legalcascade/services/register/parse"
	"github.com/AleutianAI/legalcascade/services/register/session"
	"github.com/AleutianAI/legalcascade/services/register/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// Create / Group / Read
// =============================================================================

// CreateSession validates the request, stages the source's records and,
// unless auto_group is false, groups them in the same call.
func (p *Pipeline) CreateSession(ctx context.Context, req *datatypes.CreateSessionRequest) (*datatypes.SessionStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := p.sessions.Create(ctx, req.Source, req.Operator)
	if err != nil {
		return nil, err
	}
	if req.ShouldGroup() {
		if _, err := p.Group(ctx, sess.ID); err != nil {
			return nil, err
		}
	}
	return p.Status(ctx, sess.ID)
}

// Group partitions the session's candidates into family groups.
func (p *Pipeline) Group(ctx context.Context, sid string) ([]datatypes.GroupSummary, error) {
	defer p.lockSession(sid)()

	_, groups, err := p.sessions.Group(ctx, sid)
	if err != nil {
		return nil, err
	}
	em := p.runEmitter(sid, datatypes.StageGroup, "")
	em.Entered(len(groups))
	for i, g := range groups {
		em.Succeeded(g.Key, i+1, len(groups))
	}
	em.Complete(len(groups), len(groups), "")
	return groups, nil
}

// ListSessions returns every session, newest first.
func (p *Pipeline) ListSessions(ctx context.Context) ([]datatypes.ScrapeSession, error) {
	return p.sessions.List(ctx)
}

// Status returns the session, its groups and its live background stages.
func (p *Pipeline) Status(ctx context.Context, sid string) (*datatypes.SessionStatus, error) {
	st, err := p.sessions.Status(ctx, sid)
	if err != nil {
		return nil, err
	}
	st.Running = p.runs.Running(sid)
	return st, nil
}

// ListGroups returns the session's group summaries.
func (p *Pipeline) ListGroups(ctx context.Context, sid string) ([]datatypes.GroupSummary, error) {
	return p.sessions.ListGroups(ctx, sid)
}

// ShowGroup returns one group with its candidates.
func (p *Pipeline) ShowGroup(ctx context.Context, sid, key string) (*datatypes.GroupDetail, error) {
	return p.sessions.ShowGroup(ctx, sid, key)
}

// FamilyOptions returns the known family labels.
func (p *Pipeline) FamilyOptions() []string {
	return session.FamilyOptions()
}

// SelectCandidates replaces a group's selection.
func (p *Pipeline) SelectCandidates(ctx context.Context, sid, key string, req *datatypes.SelectCandidatesRequest) (*datatypes.Group, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	defer p.lockSession(sid)()
	return p.sessions.Select(ctx, sid, key, req.CandidateIDs)
}

// =============================================================================
// Persist
// =============================================================================

// Persist writes a group's selected candidates as instruments.
//
// # Description
//
// The instrument lock of every selected name is taken up front and fails
// fast: if any is held, nothing is written and PersistenceConflict names the
// locked instrument. All instruments are upserted in one SQLite transaction
// with the session as provenance, then the group is marked persisted.
// Repeating the call is idempotent. When two selected candidates share a
// name the first one selected wins.
//
// Updated instruments whose content changed start a session-independent
// cascade when auto-cascade is enabled.
//
// # Outputs
//
//   - *datatypes.PersistReport: created, updated and unchanged names.
//   - error: NotFound, InvalidState, PersistenceConflict or a storage error.
func (p *Pipeline) Persist(ctx context.Context, sid, key string) (report *datatypes.PersistReport, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.Persist",
		attribute.String("session_id", sid),
		attribute.String("group", key))
	defer func() { telemetry.End(span, err) }()

	defer p.lockSession(sid)()

	cands, err := p.sessions.SelectedCandidates(ctx, sid, key)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(cands))
	instruments := make([]datatypes.LegalInstrument, 0, len(cands))
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		if seen[c.Name()] {
			continue
		}
		seen[c.Name()] = true
		instruments = append(instruments, datatypes.InstrumentFromRecord(c.Record, sid))
		names = append(names, c.Name())
	}

	release, err := p.locks.TryAcquireAll(names, "persist:"+sid+"/"+key, "persist")
	if err != nil {
		p.metrics.RecordLockConflict("persist")
		return nil, persistenceConflict(err)
	}
	defer release()

	em := p.runEmitter(sid, datatypes.StagePersist, key)
	em.Entered(len(instruments))

	res, err := p.instruments.UpsertInstruments(ctx, instruments)
	if err != nil {
		em.Complete(0, len(instruments), err.Error())
		return nil, err
	}
	if _, err := p.sessions.MarkPersisted(ctx, sid, key, names); err != nil {
		em.Complete(0, len(instruments), err.Error())
		return nil, err
	}

	report = &datatypes.PersistReport{
		SessionID: sid,
		Group:     key,
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
	}
	for i, n := range report.Names() {
		em.Succeeded(n, i+1, len(instruments))
	}
	em.Complete(len(instruments), len(instruments), "")

	p.logger.Info("group persisted",
		slog.String("session_id", sid),
		slog.String("group", key),
		slog.Int("created", len(res.Created)),
		slog.Int("updated", len(res.Updated)),
		slog.Int("unchanged", len(res.Unchanged)))

	release()
	p.cascadeFrom(ctx, res.ContentChanged)
	return report, nil
}

func persistenceConflict(err error) error {
	var le *lock.InstrumentLockError
	if errors.As(err, &le) {
		return &datatypes.Error{
			Kind:   datatypes.KindPersistenceConflict,
			Entity: le.Instrument,
			Reason: "instrument is locked for " + le.Reason,
			Err:    err,
		}
	}
	return &datatypes.Error{Kind: datatypes.KindPersistenceConflict, Reason: err.Error(), Err: err}
}

// =============================================================================
// Parse Group
// =============================================================================

// ParseGroup starts a background parse of every instrument the group
// persisted. Per-item failures are aggregated in the progress stream; the
// group becomes parsed once every item is terminal, unless the run was
// cancelled.
func (p *Pipeline) ParseGroup(ctx context.Context, sid, key string) (*datatypes.AcceptedResponse, error) {
	defer p.lockSession(sid)()

	g, err := p.sessions.PersistedGroup(ctx, sid, key)
	if err != nil {
		return nil, err
	}
	names := append([]string(nil), g.PersistedNames...)
	em := p.runEmitter(sid, datatypes.StageParse, key)

	err = p.runs.Go(sid, datatypes.StageParse+":"+key, func(ctx context.Context) {
		report := p.parser.ParseBatch(ctx, names, parse.BatchOptions{
			Entry:    parse.EntryGroup,
			Progress: em,
		})
		if report.Cancelled || ctx.Err() != nil {
			p.logger.Info("group parse cancelled", slog.String("session_id", sid), slog.String("group", key))
			return
		}
		if _, err := p.sessions.MarkParsed(context.WithoutCancel(ctx), sid, key); err != nil {
			p.logger.Warn("mark group parsed",
				slog.String("session_id", sid),
				slog.String("group", key),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, err
	}
	return &datatypes.AcceptedResponse{
		SessionID: sid,
		Group:     key,
		Stage:     datatypes.StageParse,
		Run:       em.Run(),
		Progress:  progressPath(sid, em.Run()),
	}, nil
}

// progressPath is the stream of one run on a session.
func progressPath(sid, run string) string {
	return "/v1/sessions/" + sid + "/progress?run=" + url.QueryEscape(run)
}

// =============================================================================
// Confirm
// =============================================================================

// Confirm commits the links declared by the session's persisted candidates
// and stores the session's affected set.
//
// # Description
//
// For every persisted instrument the outgoing amends and revokes edges are
// replaced from the candidate's amending and rescinding lists, and an
// enacts edge is added from each enacted_by parent. A declared link whose
// other endpoint does not exist is skipped and reported. The affected set
// of the persisted instruments is then stored and the session becomes
// confirmed.
//
// # Outputs
//
//   - *datatypes.ScrapeSession: The confirmed session with its report.
//   - error: NotFound, InvalidState or a storage error.
func (p *Pipeline) Confirm(ctx context.Context, sid string) (sess *datatypes.ScrapeSession, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.Confirm", attribute.String("session_id", sid))
	defer func() { telemetry.End(span, err) }()

	defer p.lockSession(sid)()

	if _, err := p.sessions.Require(ctx, sid, session.OpConfirm); err != nil {
		return nil, err
	}
	cands, err := p.sessions.PersistedCandidates(ctx, sid)
	if err != nil {
		return nil, err
	}

	report := &datatypes.ConfirmReport{Instruments: []string{}}
	em := p.runEmitter(sid, datatypes.StageConfirm, "")
	em.Entered(len(cands))

	var parents []datatypes.EnactingLink
	done := 0
	for _, c := range cands {
		name := c.Name()
		diff, skipped, err := p.replaceDeclaredLinks(ctx, name, c.Record)
		if err != nil {
			done++
			em.Failed(name, err.Error(), done, len(cands))
			em.Complete(done, len(cands), err.Error())
			return nil, err
		}
		report.Instruments = append(report.Instruments, name)
		report.LinksAdded += len(diff.Added)
		report.LinksRemoved += len(diff.Removed)
		report.SkippedLinks = append(report.SkippedLinks, skipped...)
		for _, parent := range c.Record.EnactedBy {
			parents = append(parents, datatypes.EnactingLink{Source: parent, Target: name, Kind: datatypes.LinkEnacts})
		}
		done++
		em.Succeeded(name, done, len(cands))
	}

	if len(parents) > 0 {
		sources := make([]string, len(parents))
		for i, l := range parents {
			sources[i] = l.Source
		}
		unlock := p.linkMu.LockAll(sources...)
		added, skipped, err := p.instruments.AddLinks(ctx, parents)
		if err == nil {
			p.graph.Apply(datatypes.LinkDiff{Added: added})
		}
		unlock()
		if err != nil {
			em.Complete(done, len(cands), err.Error())
			return nil, err
		}
		report.LinksAdded += len(added)
		report.SkippedLinks = append(report.SkippedLinks, skipped...)
	}

	rec, err := p.cascade.AffectedForSession(ctx, sid, report.Instruments)
	if err != nil {
		em.Complete(done, len(cands), err.Error())
		return nil, err
	}
	report.Affected = rec.Affected

	sess, err = p.sessions.MarkConfirmed(ctx, sid, report)
	if err != nil {
		em.Complete(done, len(cands), err.Error())
		return nil, err
	}
	em.Complete(done, len(cands), "")
	return sess, nil
}

// replaceDeclaredLinks replaces name's amends and revokes edges with the
// record's declarations whose targets exist.
func (p *Pipeline) replaceDeclaredLinks(ctx context.Context, name string, rec datatypes.RawRecord) (datatypes.LinkDiff, []datatypes.SkippedLink, error) {
	declared := make([]datatypes.EnactingLink, 0, len(rec.Amending)+len(rec.Rescinding))
	for _, t := range rec.Amending {
		declared = append(declared, datatypes.EnactingLink{Source: name, Target: t, Kind: datatypes.LinkAmends})
	}
	for _, t := range rec.Rescinding {
		declared = append(declared, datatypes.EnactingLink{Source: name, Target: t, Kind: datatypes.LinkRevokes})
	}

	targets := make([]string, len(declared))
	for i, l := range declared {
		targets[i] = l.Target
	}
	missing, err := p.instruments.MissingInstruments(ctx, targets)
	if err != nil {
		return datatypes.LinkDiff{}, nil, err
	}
	absent := make(map[string]bool, len(missing))
	for _, m := range missing {
		absent[m] = true
	}

	var skipped []datatypes.SkippedLink
	desired := make([]datatypes.LinkTarget, 0, len(declared))
	for _, l := range declared {
		if absent[l.Target] {
			skipped = append(skipped, datatypes.SkippedLink{
				Link:   l,
				Reason: string(datatypes.KindGraphConflict) + ": endpoint does not exist: " + l.Target,
			})
			continue
		}
		desired = append(desired, datatypes.LinkTarget{Target: l.Target, Kind: l.Kind})
	}

	defer p.linkMu.Lock(name)()
	diff, err := p.instruments.ReplaceOutgoingLinks(ctx, name, desired, datatypes.LinkAmends, datatypes.LinkRevokes)
	if err != nil {
		return datatypes.LinkDiff{}, nil, err
	}
	p.graph.Apply(diff)
	return diff, skipped, nil
}

// =============================================================================
// Delete
// =============================================================================

// DeleteSession removes a session and everything staged under it.
//
// # Description
//
// Subscribers receive session_deleted, background work of the session is
// cancelled, its cascade bookkeeping is cleared (in-flight jobs stop at the
// next instrument), and the staged data is removed. Instruments and links
// are never touched.
func (p *Pipeline) DeleteSession(ctx context.Context, sid string) error {
	unlock := p.lockSession(sid)
	defer func() {
		unlock()
		p.sessionMu.Forget(sid)
	}()

	if _, err := p.sessions.Get(ctx, sid); err != nil {
		return err
	}
	if p.pub != nil {
		p.pub.Publish(datatypes.ProgressEvent{
			Key:   sid,
			Type:  datatypes.EventSessionDeleted,
			Stage: datatypes.StageDelete,
		})
	}
	cancelled := p.runs.Cancel(sid)
	if _, err := p.cascade.ClearSession(ctx, sid); err != nil {
		return err
	}
	if err := p.sessions.Delete(ctx, sid); err != nil {
		return err
	}
	if p.broker != nil {
		p.broker.CloseKey(sid)
	}
	p.logger.Info("session removed",
		slog.String("session_id", sid),
		slog.Int("cancelled_tasks", cancelled))
	return nil
}
