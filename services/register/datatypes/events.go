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

// ProgressEventType identifies what a ProgressEvent reports.
type ProgressEventType string

const (
	EventStageEntered   ProgressEventType = "stage_entered"
	EventItemSucceeded  ProgressEventType = "item_succeeded"
	EventItemFailed     ProgressEventType = "item_failed"
	EventStageComplete  ProgressEventType = "stage_complete"
	EventSessionDeleted ProgressEventType = "session_deleted"
)

// Terminal reports whether the event can end a progress stream.
func (t ProgressEventType) Terminal() bool {
	return t == EventStageComplete || t == EventSessionDeleted
}

// Stage names carried by progress events.
const (
	StageGroup    = "group"
	StagePersist  = "persist"
	StageParse    = "parse"
	StageReparse  = "reparse"
	StageCascade  = "cascade"
	StageConfirm  = "confirm"
	StageDelete   = "delete"
	StagePreview  = "preview"
	StageParseOne = "parse_one"

	StageBatchReparse = "batch_reparse"
)

// CascadeStreamKey is the progress key for session-independent cascades.
const CascadeStreamKey = "_cascade"

// ProgressEvent is one observable pipeline step.
//
// # Description
//
// Events are published per stream key (a session id, or CascadeStreamKey)
// and are informational only; pipeline state never depends on delivery.
// Seq is assigned by the broker and increases per key. Run identifies one
// dispatch of a stage and Group the session group it works on, so that
// concurrent stages on one key can be told apart. Report is set on the
// stage_complete of batch parses.
type ProgressEvent struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Seq       uint64            `json:"seq"`
	Type      ProgressEventType `json:"type"`
	Stage     string            `json:"stage"`
	Run       string            `json:"run,omitempty"`
	Group     string            `json:"group,omitempty"`
	Item      string            `json:"item,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Done      int               `json:"done,omitempty"`
	Total     int               `json:"total,omitempty"`
	Report    *BatchReport      `json:"report,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
