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
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification of a pipeline failure.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindInvalidSelection    ErrorKind = "invalid_selection"
	KindInvalidSource       ErrorKind = "invalid_source"
	KindInvalidState        ErrorKind = "invalid_state"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindPersistenceConflict ErrorKind = "persistence_conflict"
	KindParseFailure        ErrorKind = "parse_failure"
	KindParseBusy           ErrorKind = "parse_busy"
	KindGraphConflict       ErrorKind = "graph_conflict"
)

// Error is the error type returned by every pipeline, parse and graph operation.
//
// # Description
//
// Error carries the failing entity identifier (session id, group key or
// instrument name) and a kind so callers can decide between retrying and
// surfacing the failure to an operator. Err holds the underlying cause, if any.
//
// Matching uses errors.Is against the sentinel values below, which compare
// by Kind only:
//
//	if errors.Is(err, datatypes.ErrParseBusy) {
//	    // another job holds the instrument
//	}
type Error struct {
	Kind   ErrorKind
	Entity string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Entity != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Entity)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidSelection    = &Error{Kind: KindInvalidSelection}
	ErrInvalidSource       = &Error{Kind: KindInvalidSource}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrPersistenceConflict = &Error{Kind: KindPersistenceConflict}
	ErrParseFailure        = &Error{Kind: KindParseFailure}
	ErrParseBusy           = &Error{Kind: KindParseBusy}
	ErrGraphConflict       = &Error{Kind: KindGraphConflict}
)

// NewError builds an *Error with a formatted reason.
func NewError(kind ErrorKind, entity, format string, args ...any) *Error {
	return &Error{Kind: kind, Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing session, group or instrument.
func NotFound(entity, what string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, Reason: what + " not found"}
}

// ParseFailure wraps an extraction error for one instrument.
func ParseFailure(instrument string, cause error) *Error {
	return &Error{Kind: KindParseFailure, Entity: instrument, Reason: "extraction failed", Err: cause}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// EntityOf returns the failing entity of err, or "" when err is not an *Error.
func EntityOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Entity
	}
	return ""
}
