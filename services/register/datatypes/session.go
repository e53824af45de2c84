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

import "time"

// SessionState is the furthest pipeline stage a session has reached.
type SessionState string

const (
	SessionCreated       SessionState = "created"
	SessionGrouped       SessionState = "grouped"
	SessionGroupSelected SessionState = "group_selected"
	SessionPersisted     SessionState = "persisted"
	SessionParsed        SessionState = "parsed"
	SessionConfirmed     SessionState = "confirmed"
	SessionDeleted       SessionState = "deleted"
)

// Rank orders session states along the pipeline. Deleted ranks last.
func (s SessionState) Rank() int {
	switch s {
	case SessionCreated:
		return 0
	case SessionGrouped:
		return 1
	case SessionGroupSelected:
		return 2
	case SessionPersisted:
		return 3
	case SessionParsed:
		return 4
	case SessionConfirmed:
		return 5
	case SessionDeleted:
		return 6
	default:
		return -1
	}
}

// GroupState is the per-group sub-state layered under the session marker.
type GroupState string

const (
	GroupPending   GroupState = "pending"
	GroupSelected  GroupState = "selected"
	GroupPersisted GroupState = "persisted"
	GroupParsed    GroupState = "parsed"
)

// UnclassifiedGroup is the grouping key for candidates without a known family.
const UnclassifiedGroup = "unclassified"

// ScrapeSession is one bounded unit of scrape-to-confirm work over a source.
type ScrapeSession struct {
	ID             string           `json:"id"`
	Source         SourceDescriptor `json:"source"`
	State          SessionState     `json:"state"`
	Operator       string           `json:"operator,omitempty"`
	CandidateCount int              `json:"candidate_count"`
	GroupKeys      []string         `json:"group_keys,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ConfirmedAt    *time.Time       `json:"confirmed_at,omitempty"`
	ConfirmReport  *ConfirmReport   `json:"confirm_report,omitempty"`
}

// Candidate is a raw scraped record staged in exactly one group of one session.
type Candidate struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Group     string    `json:"group"`
	Record    RawRecord `json:"record"`
	CreatedAt time.Time `json:"created_at"`
}

// Name is the natural key the candidate persists under.
func (c *Candidate) Name() string { return c.Record.Name }

// Group is a partition of a session's candidates.
type Group struct {
	Key            string     `json:"key"`
	Family         string     `json:"family"`
	SessionID      string     `json:"session_id"`
	State          GroupState `json:"state"`
	CandidateIDs   []string   `json:"candidate_ids"`
	Selected       []string   `json:"selected"`
	PersistedNames []string   `json:"persisted_names,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsMember reports whether candidateID belongs to the group.
func (g *Group) IsMember(candidateID string) bool {
	for _, id := range g.CandidateIDs {
		if id == candidateID {
			return true
		}
	}
	return false
}

// GroupSummary is the listGroups projection of a group.
type GroupSummary struct {
	Key            string     `json:"key"`
	Family         string     `json:"family"`
	State          GroupState `json:"state"`
	CandidateCount int        `json:"candidate_count"`
	SelectedCount  int        `json:"selected_count"`
	PersistedCount int        `json:"persisted_count"`
}

// GroupDetail is the showGroup projection: the group plus its candidates.
type GroupDetail struct {
	Group      Group       `json:"group"`
	Candidates []Candidate `json:"candidates"`
}

// SessionStatus is the showStatus projection polled by the UI.
type SessionStatus struct {
	Session ScrapeSession  `json:"session"`
	Groups  []GroupSummary `json:"groups"`
	Running []string       `json:"running,omitempty"`
}

// PersistReport describes the outcome of persisting one group.
type PersistReport struct {
	SessionID string   `json:"session_id"`
	Group     string   `json:"group"`
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Names returns every instrument the persistence touched.
func (r *PersistReport) Names() []string {
	out := make([]string, 0, len(r.Created)+len(r.Updated)+len(r.Unchanged))
	out = append(out, r.Created...)
	out = append(out, r.Updated...)
	return append(out, r.Unchanged...)
}

// ConfirmReport describes the links committed when a session is confirmed.
type ConfirmReport struct {
	Instruments  []string      `json:"instruments"`
	LinksAdded   int           `json:"links_added"`
	LinksRemoved int           `json:"links_removed"`
	SkippedLinks []SkippedLink `json:"skipped_links,omitempty"`
	Affected     []AffectedLaw `json:"affected,omitempty"`
}

// SkippedLink is a declared link that could not be committed.
type SkippedLink struct {
	Link   EnactingLink `json:"link"`
	Reason string       `json:"reason"`
}
