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

	"github.com/AleutianAI/legalcascade/services/register/cascade"
	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/session"
)

// AffectedForInstrument computes the instruments depending on name.
func (p *Pipeline) AffectedForInstrument(ctx context.Context, name string) (*datatypes.AffectedResult, error) {
	if _, err := p.instruments.GetInstrument(ctx, name); err != nil {
		return nil, err
	}
	return p.cascade.Affected(ctx, name)
}

// AffectedForSession recomputes the union affected set of the session's
// persisted instruments and stores it.
func (p *Pipeline) AffectedForSession(ctx context.Context, sid string) (*datatypes.CascadeRecord, error) {
	if _, err := p.sessions.Get(ctx, sid); err != nil {
		return nil, err
	}
	names, err := p.sessions.PersistedNames(ctx, sid)
	if err != nil {
		return nil, err
	}
	return p.cascade.AffectedForSession(ctx, sid, names)
}

// ClearAffectedLaws empties the session's stored affected set. In-flight
// jobs of the session stop at their next instrument.
func (p *Pipeline) ClearAffectedLaws(ctx context.Context, sid string) (*cascade.ClearResult, error) {
	if _, err := p.sessions.Get(ctx, sid); err != nil {
		return nil, err
	}
	return p.cascade.ClearAffected(ctx, sid)
}

// ReparseSession recomputes the session's affected set, records one job per
// affected instrument without an active job, and parses them in the
// background. The dispatch is returned as soon as the jobs exist.
func (p *Pipeline) ReparseSession(ctx context.Context, sid string) (*datatypes.CascadeDispatch, error) {
	defer p.lockSession(sid)()

	if _, err := p.sessions.Require(ctx, sid, session.OpReparse); err != nil {
		return nil, err
	}
	names, err := p.sessions.PersistedNames(ctx, sid)
	if err != nil {
		return nil, err
	}
	d, err := p.cascade.Enqueue(ctx, sid, names)
	if err != nil {
		return nil, err
	}
	d.Progress = progressPath(sid, d.Traversal)
	err = p.runs.Go(sid, datatypes.StageReparse, func(ctx context.Context) {
		p.cascade.Run(ctx, d)
	})
	if err != nil {
		p.abandon(d, err)
		return nil, err
	}
	return d, nil
}

// SaveCascadeMetadata merges operator annotations into the session's
// cascade record.
func (p *Pipeline) SaveCascadeMetadata(ctx context.Context, sid string, req *datatypes.CascadeMetadataRequest) (*datatypes.CascadeRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := p.sessions.Get(ctx, sid); err != nil {
		return nil, err
	}
	return p.cascade.SaveMetadata(ctx, sid, req.Metadata)
}

// ClearCascadeSession removes the session's cascade record and finished
// jobs. It works for sessions that no longer exist.
func (p *Pipeline) ClearCascadeSession(ctx context.Context, sid string) (*cascade.ClearResult, error) {
	return p.cascade.ClearSession(ctx, sid)
}

// ListCascadeJobs returns cascade jobs, optionally for one session.
func (p *Pipeline) ListCascadeJobs(ctx context.Context, sid string) ([]datatypes.CascadeJob, error) {
	return p.cascade.ListJobs(ctx, sid)
}

// DeleteCascadeJob deletes a finished job or flags a live one for
// cancellation.
func (p *Pipeline) DeleteCascadeJob(ctx context.Context, id string) (*cascade.ClearResult, error) {
	return p.cascade.DeleteJob(ctx, id)
}

// ClearProcessed deletes every finished cascade job.
func (p *Pipeline) ClearProcessed(ctx context.Context) (*cascade.ClearResult, error) {
	return p.cascade.ClearProcessed(ctx)
}
