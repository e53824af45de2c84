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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
)

// Scraper fetches the raw records a source descriptor refers to.
//
// Scraping mechanics are the implementation's business; the pipeline only
// needs the records.
type Scraper interface {
	Kind() datatypes.SourceKind
	Fetch(ctx context.Context, src datatypes.SourceDescriptor) ([]datatypes.RawRecord, error)
}

// Registry maps source kinds to scrapers.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[datatypes.SourceKind]Scraper
}

// NewRegistry returns a registry with the manual source registered.
func NewRegistry(scrapers ...Scraper) *Registry {
	r := &Registry{scrapers: make(map[datatypes.SourceKind]Scraper)}
	r.Register(manualScraper{})
	for _, s := range scrapers {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the scraper for s.Kind().
func (r *Registry) Register(s Scraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[s.Kind()] = s
}

// Kinds returns the registered source kinds, sorted.
func (r *Registry) Kinds() []datatypes.SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]datatypes.SourceKind, 0, len(r.scrapers))
	for k := range r.scrapers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fetch validates src and returns its records.
//
// # Outputs
//
//   - []datatypes.RawRecord: Records with names trimmed. Never empty.
//   - error: InvalidSource for an unknown or unregistered kind, a malformed
//     descriptor, an empty result or duplicate names; otherwise the
//     scraper's error wrapped with the source label.
func (r *Registry) Fetch(ctx context.Context, src datatypes.SourceDescriptor) ([]datatypes.RawRecord, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	scraper, ok := r.scrapers[src.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, datatypes.NewError(datatypes.KindInvalidSource, string(src.Kind), "no scraper registered for source")
	}

	records, err := scraper.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.Label(), err)
	}
	if len(records) == 0 {
		return nil, datatypes.NewError(datatypes.KindInvalidSource, string(src.Kind), "source returned no records")
	}

	seen := make(map[string]struct{}, len(records))
	for i := range records {
		records[i].Name = strings.TrimSpace(records[i].Name)
		name := records[i].Name
		if !datatypes.ValidInstrumentName(name) {
			return nil, datatypes.NewError(datatypes.KindInvalidSource, string(src.Kind), "record %d has an invalid name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, datatypes.NewError(datatypes.KindInvalidSource, string(src.Kind), "duplicate record name %q", name)
		}
		seen[name] = struct{}{}
	}
	return records, nil
}

// manualScraper returns the records carried inline by the descriptor.
type manualScraper struct{}

func (manualScraper) Kind() datatypes.SourceKind { return datatypes.SourceManual }

func (manualScraper) Fetch(_ context.Context, src datatypes.SourceDescriptor) ([]datatypes.RawRecord, error) {
	out := make([]datatypes.RawRecord, len(src.Manual.Records))
	copy(out, src.Manual.Records)
	return out, nil
}
