// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the domain model and wire types of the legal
// register pipeline.
//
// This file contains HTTP request and response bodies. Domain entities live
// in session.go, instrument.go and cascade.go.
package datatypes

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxSelection is the maximum number of candidate ids in one selection.
	MaxSelection = 5000

	// MaxLinksPerInstrument bounds the outgoing set of one updateEnactingLinks call.
	MaxLinksPerInstrument = 2000

	// MaxBatchReparse bounds an explicit batchReparse name list.
	MaxBatchReparse = 5000

	// MaxMetadataEntries bounds a saveCascadeMetadata payload.
	MaxMetadataEntries = 256
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator for request bodies.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("instrument", validateInstrumentName)
}

// validateInstrumentName rejects empty names and names with control characters.
func validateInstrumentName(fl validator.FieldLevel) bool {
	return ValidInstrumentName(fl.Field().String())
}

// ValidInstrumentName reports whether name can be used as an instrument key.
func ValidInstrumentName(name string) bool {
	if strings.TrimSpace(name) == "" || len(name) > 512 {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func invalidRequest(err error) error {
	return &Error{Kind: KindInvalidRequest, Reason: "request validation failed", Err: err}
}

// =============================================================================
// Session Requests
// =============================================================================

// CreateSessionRequest is the body of POST /v1/sessions.
//
// # Fields
//
//   - Source: Required. The tagged source descriptor.
//   - Operator: Optional. Free-form operator label recorded on the session.
//   - AutoGroup: Optional. Group the candidates in the same request.
//     Defaults to true when omitted.
type CreateSessionRequest struct {
	Source    SourceDescriptor `json:"source"`
	Operator  string           `json:"operator,omitempty" validate:"max=128"`
	AutoGroup *bool            `json:"auto_group,omitempty"`
}

// Validate checks the operator label. The source is validated by the registry.
func (r *CreateSessionRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return invalidRequest(err)
	}
	return nil
}

// ShouldGroup reports whether the candidates should be grouped immediately.
func (r *CreateSessionRequest) ShouldGroup() bool {
	return r.AutoGroup == nil || *r.AutoGroup
}

// SelectCandidatesRequest is the body of PUT .../groups/:group/selection.
// An empty list clears the selection.
type SelectCandidatesRequest struct {
	CandidateIDs []string `json:"candidate_ids" validate:"max=5000,dive,required"`
}

// Validate applies the validator tags.
func (r *SelectCandidatesRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return invalidRequest(err)
	}
	return nil
}

// CascadeMetadataRequest is the body of PUT .../cascade/metadata.
type CascadeMetadataRequest struct {
	Metadata map[string]string `json:"metadata" validate:"required,max=256,dive,keys,required,max=128,endkeys,max=4096"`
}

// Validate applies the validator tags.
func (r *CascadeMetadataRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return invalidRequest(err)
	}
	return nil
}

// =============================================================================
// Instrument Requests
// =============================================================================

// UpdateLinksRequest is the body of PUT /v1/instruments/:name/links. The list
// is the complete desired outgoing set.
type UpdateLinksRequest struct {
	Links []LinkTarget `json:"links" validate:"max=2000,dive"`
}

// Validate applies the validator tags and rejects duplicate targets.
func (r *UpdateLinksRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return invalidRequest(err)
	}
	for _, l := range r.Links {
		if !ValidInstrumentName(l.Target) {
			return &Error{Kind: KindInvalidRequest, Entity: l.Target, Reason: "invalid target name"}
		}
	}
	return nil
}

// BatchReparseRequest is the body of POST /v1/instruments/reparse.
type BatchReparseRequest struct {
	Names []string `json:"names" validate:"required,min=1,max=5000,dive,instrument"`
}

// Validate applies the validator tags.
func (r *BatchReparseRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return invalidRequest(err)
	}
	return nil
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is the body returned for every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Entity string `json:"entity,omitempty"`
}

// AcceptedResponse is returned when work is dispatched to the background.
type AcceptedResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Group     string `json:"group,omitempty"`
	Stage     string `json:"stage"`
	Run       string `json:"run,omitempty"`
	Progress  string `json:"progress,omitempty"`
}

// FamiliesResponse is the body of GET /v1/families.
type FamiliesResponse struct {
	Families []string `json:"families"`
}
