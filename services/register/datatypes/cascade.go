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
	"sort"
	"time"
)

// JobStatus is the lifecycle status of a CascadeJob.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Active reports whether the job still occupies its instrument.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// CascadeJob is a tracked unit of re-parse work for one instrument.
//
// Traversal is the visited-set marker: the id of the affected-laws traversal
// that enqueued the job. One traversal never enqueues an instrument twice.
type CascadeJob struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id,omitempty"`
	Instrument      string     `json:"instrument"`
	TriggeredBy     []string   `json:"triggered_by"`
	Traversal       string     `json:"traversal"`
	Path            []string   `json:"path,omitempty"`
	Status          JobStatus  `json:"status"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// AffectedLaw is one member of an affected-laws set with the path that reached it.
type AffectedLaw struct {
	Instrument string         `json:"instrument"`
	Depth      int            `json:"depth"`
	Via        []EnactingLink `json:"via"`
	Roots      []string       `json:"roots,omitempty"`
}

// PathNames renders Via as the ordered instrument names from root to member.
func (a AffectedLaw) PathNames() []string {
	if len(a.Via) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.Via)+1)
	out = append(out, a.Via[0].Source)
	for _, l := range a.Via {
		out = append(out, l.Target)
	}
	return out
}

// AffectedResult is the outcome of an affected-laws traversal.
type AffectedResult struct {
	Roots     []string      `json:"roots"`
	Traversal string        `json:"traversal"`
	Affected  []AffectedLaw `json:"affected"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Names returns the affected instrument names in result order.
func (r *AffectedResult) Names() []string {
	out := make([]string, len(r.Affected))
	for i, a := range r.Affected {
		out[i] = a.Instrument
	}
	return out
}

// CascadeRecord is a session's stored affected-laws set and operator metadata.
type CascadeRecord struct {
	SessionID  string            `json:"session_id"`
	Affected   []AffectedLaw     `json:"affected"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ComputedAt *time.Time        `json:"computed_at,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// BatchReport aggregates a batch of per-instrument parses.
type BatchReport struct {
	Submitted int               `json:"submitted"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
	Cancelled bool              `json:"cancelled,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
}

// NewBatchReport returns an empty report for n submitted instruments.
func NewBatchReport(n int) *BatchReport {
	return &BatchReport{
		Submitted: n,
		Succeeded: make([]string, 0, n),
		Failed:    make(map[string]string),
		StartedAt: time.Now(),
	}
}

// Complete reports whether every submitted instrument reached a terminal outcome.
func (r *BatchReport) Complete() bool {
	return len(r.Succeeded)+len(r.Failed) == r.Submitted
}

// Sort orders Succeeded for stable output.
func (r *BatchReport) Sort() {
	sort.Strings(r.Succeeded)
}

// CascadeDispatch is returned when a cascade batch is handed to the workers.
type CascadeDispatch struct {
	SessionID string        `json:"session_id,omitempty"`
	Traversal string        `json:"traversal"`
	Jobs      []CascadeJob  `json:"jobs"`
	Skipped   []string      `json:"skipped,omitempty"`
	Affected  []AffectedLaw `json:"affected"`
	Progress  string        `json:"progress,omitempty"`
}
