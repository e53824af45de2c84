// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parse turns persisted instruments into structured annotations.
//
// The Engine coordinates single parses, metadata previews and bounded batch
// reparses. The extraction itself is delegated to an Extractor: the
// structural HTML extractor, the LLM extractor, or either behind a rate
// limiter.
package parse

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"golang.org/x/time/rate"
)

// ErrNoContent is returned by extractors for an instrument without text.
var ErrNoContent = errors.New("instrument has no content")

// Extractor derives structured data from an instrument's content.
//
// # Description
//
// Extract produces the full annotation; Instrument and ParsedAt are filled in
// by the Engine. Metadata is the cheap preview extraction and must not have
// side effects.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.ParseAnnotation, error)
	Metadata(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.InstrumentMetadata, error)
}

// RateLimited returns next behind a token bucket of perSecond calls with the
// given burst. A non-positive rate returns next unchanged.
func RateLimited(next Extractor, perSecond float64, burst int) Extractor {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

type rateLimited struct {
	next    Extractor
	limiter *rate.Limiter
}

func (r *rateLimited) Name() string { return r.next.Name() }

func (r *rateLimited) Extract(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.ParseAnnotation, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Extract(ctx, inst)
}

func (r *rateLimited) Metadata(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.InstrumentMetadata, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Metadata(ctx, inst)
}
