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
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/observability"
	"github.com/google/uuid"
)

// Manager runs the session state machine over the staging store.
//
// # Description
//
// Manager owns every session and group transition. It checks the state rules
// before each mutation and applies the mutation inside one store
// transaction. It does not serialize callers; the pipeline holds a per-session
// mutex around the mutating operations.
//
// # Thread Safety
//
// Safe for concurrent use. Badger conflict retries make concurrent updates of
// one session last-write-wins.
type Manager struct {
	store   *Store
	sources *Registry
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a session manager.
//
// # Inputs
//
//   - store: Staging store. Required.
//   - sources: Source registry. Required.
//   - metrics: Optional; nil disables transition counting.
//   - logger: Optional; defaults to slog.Default().
func NewManager(store *Store, sources *Registry, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		sources: sources,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "session")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sources returns the source registry.
func (m *Manager) Sources() *Registry { return m.sources }

// =============================================================================
// Create / Group
// =============================================================================

// Create fetches the source and stages its records as a new session in
// state created.
//
// # Description
//
// Each record becomes one candidate with a fresh id. The candidate's group
// key is fixed at creation from its family, so grouping never rewrites
// candidates.
//
// # Outputs
//
//   - *datatypes.ScrapeSession: The new session.
//   - error: InvalidSource when the descriptor is rejected or yields nothing.
func (m *Manager) Create(ctx context.Context, src datatypes.SourceDescriptor, operator string) (*datatypes.ScrapeSession, error) {
	records, err := m.sources.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sess := &datatypes.ScrapeSession{
		ID:             uuid.NewString(),
		Source:         src,
		State:          datatypes.SessionCreated,
		Operator:       operator,
		CandidateCount: len(records),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Inline records live on as candidates; the session keeps only the tag.
	if sess.Source.Manual != nil {
		sess.Source.Manual = &datatypes.ManualImport{}
	}

	cands := make([]datatypes.Candidate, len(records))
	for i, r := range records {
		key, _ := GroupKey(r)
		cands[i] = datatypes.Candidate{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Group:     key,
			Record:    r,
			CreatedAt: now,
		}
	}

	if err := m.store.Create(ctx, sess, cands); err != nil {
		return nil, err
	}
	m.metrics.RecordTransition(string(sess.State))
	m.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("source", src.Label()),
		slog.Int("candidates", len(cands)))
	return sess, nil
}

// Group partitions the session's candidates by grouping key and moves the
// session to grouped. Every group starts pending with an empty selection.
func (m *Manager) Group(ctx context.Context, sid string) (*datatypes.ScrapeSession, []datatypes.GroupSummary, error) {
	sess, err := m.store.Get(ctx, sid)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckSession(sess, OpGroup); err != nil {
		return nil, nil, err
	}

	cands, err := m.store.Candidates(ctx, sid)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	byKey := make(map[string]*datatypes.Group)
	for _, c := range cands {
		g, ok := byKey[c.Group]
		if !ok {
			family := datatypes.UnclassifiedGroup
			if c.Group != datatypes.UnclassifiedGroup {
				_, family = GroupKey(c.Record)
			}
			g = &datatypes.Group{
				Key:       c.Group,
				Family:    family,
				SessionID: sid,
				State:     datatypes.GroupPending,
				Selected:  []string{},
				UpdatedAt: now,
			}
			byKey[c.Group] = g
		}
		g.CandidateIDs = append(g.CandidateIDs, c.ID)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	groups := make([]datatypes.Group, len(keys))
	for i, k := range keys {
		groups[i] = *byKey[k]
	}

	updated, err := m.store.SaveGrouping(ctx, sid, groups, func(s *datatypes.ScrapeSession) error {
		if err := CheckSession(s, OpGroup); err != nil {
			return err
		}
		s.State = datatypes.SessionGrouped
		s.GroupKeys = keys
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	m.metrics.RecordTransition(string(updated.State))
	m.logger.Info("session grouped",
		slog.String("session_id", sid),
		slog.Int("groups", len(groups)))

	summaries := make([]datatypes.GroupSummary, len(groups))
	for i := range groups {
		summaries[i] = summarize(&groups[i])
	}
	return updated, summaries, nil
}

// =============================================================================
// Read Operations
// =============================================================================

// Get returns one session.
func (m *Manager) Get(ctx context.Context, sid string) (*datatypes.ScrapeSession, error) {
	return m.store.Get(ctx, sid)
}

// List returns every session, newest first.
func (m *Manager) List(ctx context.Context) ([]datatypes.ScrapeSession, error) {
	return m.store.List(ctx)
}

// ListGroups returns the group summaries of a session. A session that has
// not been grouped yet has none.
func (m *Manager) ListGroups(ctx context.Context, sid string) ([]datatypes.GroupSummary, error) {
	if _, err := m.store.Get(ctx, sid); err != nil {
		return nil, err
	}
	groups, err := m.store.Groups(ctx, sid)
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.GroupSummary, len(groups))
	for i := range groups {
		out[i] = summarize(&groups[i])
	}
	return out, nil
}

// ShowGroup returns a group with its candidates.
func (m *Manager) ShowGroup(ctx context.Context, sid, key string) (*datatypes.GroupDetail, error) {
	if _, err := m.store.Get(ctx, sid); err != nil {
		return nil, err
	}
	g, err := m.store.Group(ctx, sid, key)
	if err != nil {
		return nil, err
	}
	cands, err := m.store.CandidatesByID(ctx, sid, g.CandidateIDs)
	if err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Record.Name < cands[j].Record.Name })
	return &datatypes.GroupDetail{Group: *g, Candidates: cands}, nil
}

// Status returns the session with its group summaries. Running is filled in
// by the caller, which knows the background work.
func (m *Manager) Status(ctx context.Context, sid string) (*datatypes.SessionStatus, error) {
	sess, err := m.store.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	groups, err := m.ListGroups(ctx, sid)
	if err != nil {
		return nil, err
	}
	return &datatypes.SessionStatus{Session: *sess, Groups: groups}, nil
}

// Require loads the session and checks that op may run on it.
func (m *Manager) Require(ctx context.Context, sid string, op Operation) (*datatypes.ScrapeSession, error) {
	sess, err := m.store.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if err := CheckSession(sess, op); err != nil {
		return nil, err
	}
	return sess, nil
}

// =============================================================================
// Selection
// =============================================================================

// Select replaces the group's selection with ids.
//
// # Description
//
// Duplicate ids collapse. Every id must be a member of the group, otherwise
// nothing changes and InvalidSelection names the first offender. An empty
// list clears the selection and returns the group to pending. Selecting on
// a persisted or parsed group is InvalidState.
//
// # Outputs
//
//   - *datatypes.Group: The group after the change.
//   - error: NotFound, InvalidState or InvalidSelection.
func (m *Manager) Select(ctx context.Context, sid, key string, ids []string) (*datatypes.Group, error) {
	selected := dedupe(ids)
	now := m.now()

	g, err := m.store.UpdateGroup(ctx, sid, key,
		func(g *datatypes.Group) error {
			if err := CheckGroup(sid, g, OpSelect); err != nil {
				return err
			}
			for _, id := range selected {
				if !g.IsMember(id) {
					return datatypes.NewError(datatypes.KindInvalidSelection, id,
						"candidate is not a member of group %s", key)
				}
			}
			g.Selected = selected
			if len(selected) == 0 {
				g.State = datatypes.GroupPending
			} else {
				g.State = datatypes.GroupSelected
			}
			g.UpdatedAt = now
			return nil
		},
		func(s *datatypes.ScrapeSession) error {
			if err := CheckSession(s, OpSelect); err != nil {
				return err
			}
			if len(selected) > 0 {
				s.State = Advance(s.State, datatypes.SessionGroupSelected)
			}
			s.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("selection replaced",
		slog.String("session_id", sid),
		slog.String("group", key),
		slog.Int("selected", len(selected)))
	return g, nil
}

// =============================================================================
// Persist / Parse / Confirm Bookkeeping
// =============================================================================

// SelectedCandidates checks that the group may be persisted and returns its
// selected candidates in selection order.
func (m *Manager) SelectedCandidates(ctx context.Context, sid, key string) ([]datatypes.Candidate, error) {
	if _, err := m.Require(ctx, sid, OpPersist); err != nil {
		return nil, err
	}
	g, err := m.store.Group(ctx, sid, key)
	if err != nil {
		return nil, err
	}
	if err := CheckGroup(sid, g, OpPersist); err != nil {
		return nil, err
	}
	if len(g.Selected) == 0 {
		return nil, datatypes.NewError(datatypes.KindInvalidState, sid+"/"+key, "group has no selection")
	}
	return m.store.CandidatesByID(ctx, sid, g.Selected)
}

// MarkPersisted records the instruments produced by persisting a group and
// advances the session to persisted. A parsed group stays parsed.
func (m *Manager) MarkPersisted(ctx context.Context, sid, key string, names []string) (*datatypes.Group, error) {
	now := m.now()
	persisted := append([]string(nil), names...)
	sort.Strings(persisted)

	var advanced bool
	g, err := m.store.UpdateGroup(ctx, sid, key,
		func(g *datatypes.Group) error {
			if err := CheckGroup(sid, g, OpPersist); err != nil {
				return err
			}
			if g.State != datatypes.GroupParsed {
				g.State = datatypes.GroupPersisted
			}
			g.PersistedNames = persisted
			g.UpdatedAt = now
			return nil
		},
		func(s *datatypes.ScrapeSession) error {
			if err := CheckSession(s, OpPersist); err != nil {
				return err
			}
			next := Advance(s.State, datatypes.SessionPersisted)
			advanced = next != s.State
			s.State = next
			s.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}
	if advanced {
		m.metrics.RecordTransition(string(datatypes.SessionPersisted))
	}
	return g, nil
}

// PersistedGroup checks that the group may be parsed and returns it.
func (m *Manager) PersistedGroup(ctx context.Context, sid, key string) (*datatypes.Group, error) {
	if _, err := m.Require(ctx, sid, OpParse); err != nil {
		return nil, err
	}
	g, err := m.store.Group(ctx, sid, key)
	if err != nil {
		return nil, err
	}
	if err := CheckGroup(sid, g, OpParse); err != nil {
		return nil, err
	}
	return g, nil
}

// MarkParsed moves the group to parsed and advances the session to parsed.
func (m *Manager) MarkParsed(ctx context.Context, sid, key string) (*datatypes.Group, error) {
	now := m.now()
	var advanced bool
	g, err := m.store.UpdateGroup(ctx, sid, key,
		func(g *datatypes.Group) error {
			if err := CheckGroup(sid, g, OpParse); err != nil {
				return err
			}
			g.State = datatypes.GroupParsed
			g.UpdatedAt = now
			return nil
		},
		func(s *datatypes.ScrapeSession) error {
			// A session confirmed while the parse ran keeps its terminal state.
			if s.State == datatypes.SessionConfirmed {
				return nil
			}
			if err := CheckSession(s, OpParse); err != nil {
				return err
			}
			next := Advance(s.State, datatypes.SessionParsed)
			advanced = next != s.State
			s.State = next
			s.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}
	if advanced {
		m.metrics.RecordTransition(string(datatypes.SessionParsed))
	}
	return g, nil
}

// PersistedNames returns the union of every group's persisted instruments,
// sorted.
func (m *Manager) PersistedNames(ctx context.Context, sid string) ([]string, error) {
	groups, err := m.store.Groups(ctx, sid)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, g := range groups {
		for _, n := range g.PersistedNames {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// PersistedCandidates returns the candidates behind every persisted
// instrument of the session, ordered by name. The confirm step reads their
// declared links.
func (m *Manager) PersistedCandidates(ctx context.Context, sid string) ([]datatypes.Candidate, error) {
	names, err := m.PersistedNames(ctx, sid)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	cands, err := m.store.Candidates(ctx, sid)
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.Candidate, 0, len(names))
	for _, c := range cands {
		if _, ok := want[c.Name()]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// MarkConfirmed moves the session to confirmed and stores the report.
func (m *Manager) MarkConfirmed(ctx context.Context, sid string, report *datatypes.ConfirmReport) (*datatypes.ScrapeSession, error) {
	now := m.now()
	sess, err := m.store.Update(ctx, sid, func(s *datatypes.ScrapeSession) error {
		if err := CheckSession(s, OpConfirm); err != nil {
			return err
		}
		s.State = datatypes.SessionConfirmed
		s.ConfirmedAt = &now
		s.ConfirmReport = report
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.RecordTransition(string(datatypes.SessionConfirmed))
	m.logger.Info("session confirmed",
		slog.String("session_id", sid),
		slog.Int("instruments", len(report.Instruments)),
		slog.Int("links_added", report.LinksAdded),
		slog.Int("links_skipped", len(report.SkippedLinks)))
	return sess, nil
}

// Delete removes the session with its groups and candidates. Instruments and
// links are never touched.
func (m *Manager) Delete(ctx context.Context, sid string) error {
	if err := m.store.Delete(ctx, sid); err != nil {
		return err
	}
	m.metrics.RecordTransition(string(datatypes.SessionDeleted))
	m.logger.Info("session deleted", slog.String("session_id", sid))
	return nil
}

func summarize(g *datatypes.Group) datatypes.GroupSummary {
	return datatypes.GroupSummary{
		Key:            g.Key,
		Family:         g.Family,
		State:          g.State,
		CandidateCount: len(g.CandidateIDs),
		SelectedCount:  len(g.Selected),
		PersistedCount: len(g.PersistedNames),
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
