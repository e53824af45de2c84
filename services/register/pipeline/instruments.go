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
	"slices"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/parse"
	"github.com/google/uuid"
)

// GetInstrument returns an instrument with its annotation and committed links.
func (p *Pipeline) GetInstrument(ctx context.Context, name string) (*datatypes.InstrumentView, error) {
	inst, err := p.instruments.GetInstrument(ctx, name)
	if err != nil {
		return nil, err
	}
	view := &datatypes.InstrumentView{Instrument: *inst}
	ann, err := p.instruments.GetAnnotation(ctx, name)
	switch {
	case err == nil:
		view.Annotation = ann
	case !errors.Is(err, datatypes.ErrNotFound):
		return nil, err
	}
	if view.Outgoing, err = p.instruments.OutgoingLinks(ctx, name); err != nil {
		return nil, err
	}
	if view.Incoming, err = p.instruments.IncomingLinks(ctx, name); err != nil {
		return nil, err
	}
	return view, nil
}

// ListLinks returns an instrument's committed outgoing links.
func (p *Pipeline) ListLinks(ctx context.Context, name string) ([]datatypes.EnactingLink, error) {
	if _, err := p.instruments.GetInstrument(ctx, name); err != nil {
		return nil, err
	}
	return p.instruments.OutgoingLinks(ctx, name)
}

// UpdateEnactingLinks replaces an instrument's outgoing links with the
// requested set.
//
// # Description
//
// Writes for one source are serialized; different sources proceed in
// parallel. Only the difference is applied, in one SQLite transaction, and
// then mirrored into the in-memory graph. A non-empty diff starts a
// session-independent cascade from the source when auto-cascade is enabled.
//
// # Outputs
//
//   - datatypes.LinkDiff: added, removed and the unchanged count.
//   - error: InvalidRequest, NotFound for the source, GraphConflict for a
//     missing target, or a storage error.
func (p *Pipeline) UpdateEnactingLinks(ctx context.Context, name string, req *datatypes.UpdateLinksRequest) (*datatypes.LinkDiff, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := p.linkMu.Lock(name)
	diff, err := p.instruments.ReplaceOutgoingLinks(ctx, name, req.Links)
	if err == nil {
		p.graph.Apply(diff)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	if !diff.Empty() {
		p.logger.Info("enacting links updated",
			slog.String("instrument", name),
			slog.Int("added", len(diff.Added)),
			slog.Int("removed", len(diff.Removed)))
		p.cascadeFrom(ctx, []string{name})
	}
	return &diff, nil
}

// DeleteInstrument removes an instrument with its links and annotation.
// An instrument that is being persisted or parsed cannot be deleted.
func (p *Pipeline) DeleteInstrument(ctx context.Context, name string) error {
	holder := "delete:" + uuid.NewString()
	if err := p.locks.TryAcquire(name, holder, "delete"); err != nil {
		p.metrics.RecordLockConflict("delete")
		return persistenceConflict(err)
	}
	defer func() { _ = p.locks.Release(name, holder) }()

	unlock, err := p.lockLinksOf(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.instruments.DeleteInstrument(ctx, name); err != nil {
		return err
	}
	p.graph.RemoveNode(name)
	p.logger.Info("instrument deleted", slog.String("instrument", name))
	return nil
}

// lockLinksOf takes the link mutex of name and of every source with an
// edge into name. The incoming set is re-read under the locks and the
// acquisition retried until it is stable.
func (p *Pipeline) lockLinksOf(ctx context.Context, name string) (func(), error) {
	sources, err := p.incomingSources(ctx, name)
	if err != nil {
		return nil, err
	}
	for {
		unlock := p.linkMu.LockAll(append(sources, name)...)
		current, err := p.incomingSources(ctx, name)
		if err != nil {
			unlock()
			return nil, err
		}
		if slices.Equal(current, sources) {
			return unlock, nil
		}
		unlock()
		sources = current
	}
}

func (p *Pipeline) incomingSources(ctx context.Context, name string) ([]string, error) {
	links, err := p.instruments.IncomingLinks(ctx, name)
	if err != nil {
		return nil, err
	}
	sources := make([]string, 0, len(links))
	for _, l := range links {
		sources = append(sources, l.Source)
	}
	slices.Sort(sources)
	return slices.Compact(sources), nil
}

// ParseOne parses one instrument synchronously.
func (p *Pipeline) ParseOne(ctx context.Context, name string) (*datatypes.ParseAnnotation, error) {
	return p.parser.ParseOne(ctx, name)
}

// Preview extracts an instrument's metadata without committing anything.
func (p *Pipeline) Preview(ctx context.Context, name string) (*datatypes.InstrumentMetadata, error) {
	return p.parser.ParseMetadataOnly(ctx, name)
}

// BatchReparse starts a background full parse of an explicit set of
// instruments. Progress is published on the cascade stream under a fresh
// run id, and the run's stage_complete carries the final report.
func (p *Pipeline) BatchReparse(ctx context.Context, req *datatypes.BatchReparseRequest) (*datatypes.AcceptedResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	names := append([]string(nil), req.Names...)
	em := p.runEmitter(datatypes.CascadeStreamKey, datatypes.StageBatchReparse, "")
	run := em.Run()

	err := p.runs.Go("", datatypes.StageBatchReparse, func(ctx context.Context) {
		report := p.parser.ParseBatch(ctx, names, parse.BatchOptions{
			Entry:    parse.EntryBatch,
			Progress: em,
		})
		p.logger.Info("batch reparse finished",
			slog.String("run", run),
			slog.Int("succeeded", len(report.Succeeded)),
			slog.Int("failed", len(report.Failed)),
			slog.Bool("cancelled", report.Cancelled))
	})
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "batch reparse started", slog.String("run", run), slog.Int("instruments", len(names)))
	return &datatypes.AcceptedResponse{
		Stage:    datatypes.StageBatchReparse,
		Run:      run,
		Progress: "/v1/cascade/progress?run=" + url.QueryEscape(run),
	}, nil
}
