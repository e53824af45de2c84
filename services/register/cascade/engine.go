// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cascade turns graph traversals into tracked re-parse work.
//
// An affected-laws set is computed from the in-memory dependency graph, one
// CascadeJob is recorded per affected instrument, and the batch is handed to
// the parse engine. Job statuses follow the per-item outcomes. Clearing
// operations are bookkeeping only: in-flight jobs are flagged and stop at the
// next per-instrument checkpoint.
package cascade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/graph"
	"github.com/AleutianAI/legalcascade/services/register/observability"
	"github.com/AleutianAI/legalcascade/services/register/parse"
	"github.com/AleutianAI/legalcascade/services/register/progress"
	"github.com/AleutianAI/legalcascade/services/register/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ReasonInterrupted is the error recorded on jobs found active at startup.
const ReasonInterrupted = "interrupted by restart"

// ReasonNotStarted is the error recorded on dispatched jobs whose run could
// not be started.
const ReasonNotStarted = "not started"

// Parser runs batches of full parses.
type Parser interface {
	ParseBatch(ctx context.Context, names []string, opts parse.BatchOptions) *datatypes.BatchReport
}

// Config wires an Engine.
type Config struct {
	Graph     *graph.Graph
	Store     *Store
	Parser    Parser
	Publisher progress.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	// Limit caps affected-set sizes. Zero selects graph.DefaultLimit.
	Limit int

	// MaxDepth caps traversal depth. Zero leaves it unbounded.
	MaxDepth int
}

// Engine computes affected sets and drives cascade jobs.
//
// # Thread Safety
//
// Safe for concurrent use. Enqueue is serialized so two concurrent cascades
// never both create a job for the same instrument.
type Engine struct {
	graph     *graph.Graph
	store     *Store
	parser    Parser
	pub       progress.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	limit     int
	maxDepth  int
	enqueueMu sync.Mutex
	now       func() time.Time
}

func (e *Engine) traversal() []graph.TraversalOption {
	return []graph.TraversalOption{graph.WithLimit(e.limit), graph.WithMaxDepth(e.maxDepth)}
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		graph:    cfg.Graph,
		store:    cfg.Store,
		parser:   cfg.Parser,
		pub:      cfg.Publisher,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With(slog.String("component", "cascade")),
		limit:    cfg.Limit,
		maxDepth: cfg.MaxDepth,
		now:      time.Now,
	}
}

// Affected computes the affected-laws set of one instrument.
func (e *Engine) Affected(ctx context.Context, instrument string) (res *datatypes.AffectedResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "cascade.Engine.Affected", attribute.String("instrument", instrument))
	defer func() { telemetry.End(span, err) }()

	res, err = e.graph.Affected(ctx, []string{instrument}, e.traversal()...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("affected", len(res.Affected)))
	return res, nil
}

// AffectedForSession computes the union affected set of roots and stores it
// as the session's cascade record. Existing metadata is kept.
func (e *Engine) AffectedForSession(ctx context.Context, sid string, roots []string) (*datatypes.CascadeRecord, error) {
	res, err := e.graph.Affected(ctx, roots, e.traversal()...)
	if err != nil {
		return nil, err
	}
	return e.storeAffected(ctx, sid, res)
}

func (e *Engine) storeAffected(ctx context.Context, sid string, res *datatypes.AffectedResult) (*datatypes.CascadeRecord, error) {
	now := e.now().UTC()
	return e.store.UpdateRecord(ctx, sid, func(rec *datatypes.CascadeRecord) {
		rec.Affected = res.Affected
		rec.ComputedAt = &now
		rec.UpdatedAt = now
	})
}

// Record returns the session's stored cascade record.
func (e *Engine) Record(ctx context.Context, sid string) (*datatypes.CascadeRecord, error) {
	return e.store.Record(ctx, sid)
}

// Enqueue computes the affected set of roots and records one queued job per
// member that has no active job.
//
// # Description
//
// With a session id the affected set is also stored as the session's
// cascade record. Members already covered by a queued or running job are
// listed in Skipped. The returned dispatch is not started; pass it to Run.
//
// # Inputs
//
//   - ctx: Cancels the traversal and the job writes.
//   - sid: Owning session, or "" for a session-independent cascade.
//   - roots: Instruments whose change triggered the cascade.
func (e *Engine) Enqueue(ctx context.Context, sid string, roots []string) (*datatypes.CascadeDispatch, error) {
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	res, err := e.graph.Affected(ctx, roots, e.traversal()...)
	if err != nil {
		return nil, err
	}
	if sid != "" {
		if _, err := e.storeAffected(ctx, sid, res); err != nil {
			return nil, err
		}
	}

	byName := make(map[string]datatypes.AffectedLaw, len(res.Affected))
	for _, a := range res.Affected {
		byName[a.Instrument] = a
	}
	now := e.now().UTC()
	jobs, skipped, err := e.store.Enqueue(ctx, res.Names(), func(name string) datatypes.CascadeJob {
		a := byName[name]
		triggered := a.Roots
		if len(triggered) == 0 {
			triggered = res.Roots
		}
		return datatypes.CascadeJob{
			ID:          uuid.NewString(),
			SessionID:   sid,
			Instrument:  name,
			TriggeredBy: triggered,
			Traversal:   res.Traversal,
			Path:        a.PathNames(),
			Status:      datatypes.JobQueued,
			CreatedAt:   now,
		}
	})
	if err != nil {
		return nil, err
	}
	for range jobs {
		e.metrics.RecordJob(string(datatypes.JobQueued), 1)
	}
	if jobs == nil {
		jobs = []datatypes.CascadeJob{}
	}

	e.logger.Info("cascade enqueued",
		slog.String("session_id", sid),
		slog.Any("roots", roots),
		slog.String("traversal", res.Traversal),
		slog.Int("jobs", len(jobs)),
		slog.Int("skipped", len(skipped)))
	return &datatypes.CascadeDispatch{
		SessionID: sid,
		Traversal: res.Traversal,
		Jobs:      jobs,
		Skipped:   skipped,
		Affected:  res.Affected,
	}, nil
}

// Run parses the dispatched jobs and blocks until every job is terminal.
//
// # Description
//
// Events go to the session's stream, or to datatypes.CascadeStreamKey for a
// session-independent cascade. Before each instrument the job is re-read;
// a job flagged cancel_requested or removed is reported cancelled. Job
// bookkeeping is written even after ctx is cancelled.
func (e *Engine) Run(ctx context.Context, d *datatypes.CascadeDispatch) *datatypes.BatchReport {
	ctx, span := telemetry.StartSpan(ctx, "cascade.Engine.Run",
		attribute.String("session_id", d.SessionID),
		attribute.String("traversal", d.Traversal),
		attribute.Int("jobs", len(d.Jobs)))
	defer span.End()

	key, stage := d.SessionID, datatypes.StageReparse
	if key == "" {
		key, stage = datatypes.CascadeStreamKey, datatypes.StageCascade
	}

	ids := make(map[string]string, len(d.Jobs))
	names := make([]string, 0, len(d.Jobs))
	for _, j := range d.Jobs {
		ids[j.Instrument] = j.ID
		names = append(names, j.Instrument)
	}
	book := context.WithoutCancel(ctx)

	report := e.parser.ParseBatch(ctx, names, parse.BatchOptions{
		Entry:    parse.EntryCascade,
		Progress: progress.NewEmitter(e.pub, key, stage).Scoped(d.Traversal, ""),
		Cancelled: func(name string) bool {
			j, err := e.store.Job(book, ids[name])
			return err != nil || j.CancelRequested
		},
		OnStart: func(name string) {
			started := e.now().UTC()
			e.updateJob(book, ids[name], func(j *datatypes.CascadeJob) {
				j.Status = datatypes.JobRunning
				j.StartedAt = &started
			})
		},
		OnDone: func(name string, err error) {
			finished := e.now().UTC()
			status := datatypes.JobDone
			if err != nil {
				status = datatypes.JobFailed
			}
			e.updateJob(book, ids[name], func(j *datatypes.CascadeJob) {
				j.Status = status
				j.FinishedAt = &finished
				if err != nil {
					j.Error = parse.FailureReason(err)
				}
			})
			e.metrics.RecordJob(string(status), -1)
		},
	})
	return report
}

func (e *Engine) updateJob(ctx context.Context, id string, fn func(*datatypes.CascadeJob)) {
	_, err := e.store.UpdateJob(ctx, id, func(j *datatypes.CascadeJob) error {
		fn(j)
		return nil
	})
	if err != nil {
		e.logger.Warn("update cascade job", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}

// SaveMetadata merges descriptive annotations into the session's record.
// An empty value removes its key.
func (e *Engine) SaveMetadata(ctx context.Context, sid string, md map[string]string) (*datatypes.CascadeRecord, error) {
	now := e.now().UTC()
	return e.store.UpdateRecord(ctx, sid, func(rec *datatypes.CascadeRecord) {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, len(md))
		}
		for k, v := range md {
			if v == "" {
				delete(rec.Metadata, k)
				continue
			}
			rec.Metadata[k] = v
		}
		rec.UpdatedAt = now
	})
}

// ClearResult counts the effect of a clearing operation.
type ClearResult struct {
	Removed   int `json:"removed"`
	Cancelled int `json:"cancelled"`
}

// ClearAffected empties the session's stored affected set and flags its
// active jobs for cancellation. Metadata is kept.
func (e *Engine) ClearAffected(ctx context.Context, sid string) (*ClearResult, error) {
	now := e.now().UTC()
	if _, err := e.store.UpdateRecord(ctx, sid, func(rec *datatypes.CascadeRecord) {
		rec.Affected = []datatypes.AffectedLaw{}
		rec.ComputedAt = nil
		rec.UpdatedAt = now
	}); err != nil {
		return nil, err
	}
	_, cancelled, err := e.store.Sweep(ctx,
		func(j *datatypes.CascadeJob) bool { return j.SessionID == sid && j.Status.Active() && !j.CancelRequested },
		func(j *datatypes.CascadeJob) bool {
			j.CancelRequested = true
			return false
		})
	if err != nil {
		return nil, err
	}
	return &ClearResult{Cancelled: cancelled}, nil
}

// ClearSession removes all cascade bookkeeping of a session. Terminal jobs
// are deleted and active ones are flagged for cancellation.
func (e *Engine) ClearSession(ctx context.Context, sid string) (*ClearResult, error) {
	removed, cancelled, err := e.store.Sweep(ctx,
		func(j *datatypes.CascadeJob) bool { return j.SessionID == sid },
		func(j *datatypes.CascadeJob) bool {
			if j.Status.Terminal() {
				return true
			}
			j.CancelRequested = true
			return false
		})
	if err != nil {
		return nil, err
	}
	if err := e.store.DeleteRecord(ctx, sid); err != nil {
		return nil, err
	}
	e.logger.Info("cascade session cleared",
		slog.String("session_id", sid),
		slog.Int("removed", removed),
		slog.Int("cancelled", cancelled))
	return &ClearResult{Removed: removed, Cancelled: cancelled}, nil
}

// ClearProcessed deletes every terminal job.
func (e *Engine) ClearProcessed(ctx context.Context) (*ClearResult, error) {
	removed, _, err := e.store.Sweep(ctx,
		func(j *datatypes.CascadeJob) bool { return j.Status.Terminal() },
		func(*datatypes.CascadeJob) bool { return true })
	if err != nil {
		return nil, err
	}
	return &ClearResult{Removed: removed}, nil
}

// DeleteJob deletes a terminal job, or flags an active one for cancellation.
func (e *Engine) DeleteJob(ctx context.Context, id string) (*ClearResult, error) {
	removed, cancelled, err := e.store.Sweep(ctx,
		func(j *datatypes.CascadeJob) bool { return j.ID == id },
		func(j *datatypes.CascadeJob) bool {
			if j.Status.Terminal() {
				return true
			}
			j.CancelRequested = true
			return false
		})
	if err != nil {
		return nil, err
	}
	if removed+cancelled == 0 {
		return nil, datatypes.NotFound(id, "cascade job")
	}
	return &ClearResult{Removed: removed, Cancelled: cancelled}, nil
}

// ListJobs returns jobs oldest first, restricted to one session when sid is set.
func (e *Engine) ListJobs(ctx context.Context, sid string) ([]datatypes.CascadeJob, error) {
	if sid == "" {
		return e.store.Jobs(ctx, nil)
	}
	return e.store.Jobs(ctx, func(j *datatypes.CascadeJob) bool { return j.SessionID == sid })
}

// Job returns one job.
func (e *Engine) Job(ctx context.Context, id string) (*datatypes.CascadeJob, error) {
	return e.store.Job(ctx, id)
}

// Recover fails every job left queued or running by a previous process.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	now := e.now().UTC()
	_, n, err := e.store.Sweep(ctx,
		func(j *datatypes.CascadeJob) bool { return j.Status.Active() },
		func(j *datatypes.CascadeJob) bool {
			j.Status = datatypes.JobFailed
			j.Error = ReasonInterrupted
			j.FinishedAt = &now
			return false
		})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warn("recovered interrupted cascade jobs", slog.Int("jobs", n))
	}
	return n, nil
}

// Abandon fails the still-queued jobs of a dispatch that was enqueued but
// never handed to Run, so that they do not stay queued forever.
func (e *Engine) Abandon(ctx context.Context, d *datatypes.CascadeDispatch) (int, error) {
	ids := make(map[string]bool, len(d.Jobs))
	for _, j := range d.Jobs {
		ids[j.ID] = true
	}
	now := e.now().UTC()
	_, n, err := e.store.Sweep(ctx,
		func(j *datatypes.CascadeJob) bool { return ids[j.ID] && j.Status == datatypes.JobQueued },
		func(j *datatypes.CascadeJob) bool {
			j.Status = datatypes.JobFailed
			j.Error = ReasonNotStarted
			j.FinishedAt = &now
			return false
		})
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		e.metrics.RecordJob(string(datatypes.JobFailed), -1)
	}
	return n, nil
}
