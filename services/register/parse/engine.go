// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/lock"
	"github.com/AleutianAI/legalcascade/services/register/observability"
	"github.com/AleutianAI/legalcascade/services/register/progress"
	"github.com/AleutianAI/legalcascade/services/register/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Metric entry labels.
const (
	EntrySingle  = "single"
	EntryGroup   = "group"
	EntryBatch   = "batch"
	EntryCascade = "cascade"
	EntryPreview = "preview"
)

// ReasonCancelled is the failure reason of items skipped by cancellation.
const ReasonCancelled = "cancelled"

// Store is the instrument storage the engine reads and annotates.
type Store interface {
	GetInstrument(ctx context.Context, name string) (*datatypes.LegalInstrument, error)
	ReplaceAnnotation(ctx context.Context, ann datatypes.ParseAnnotation) (*datatypes.ParseAnnotation, error)
}

// Config wires an Engine.
type Config struct {
	Store     Store
	Extractor Extractor
	Locks     *lock.Manager
	Pool      *Pool
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Engine coordinates parsing.
//
// # Description
//
// Every committed parse holds the instrument lock for its duration, so a
// parse never overlaps a persistence or another parse of the same
// instrument. Batches run on the shared Pool. Previews are never committed
// and take no lock; concurrent previews of one instrument share a call.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	store     Store
	extractor Extractor
	locks     *lock.Manager
	pool      *Pool
	metrics   *observability.Metrics
	logger    *slog.Logger
	previews  singleflight.Group
	now       func() time.Time
}

// NewEngine creates an Engine. Locks and Pool default to fresh instances.
func NewEngine(cfg Config) *Engine {
	if cfg.Locks == nil {
		cfg.Locks = lock.NewManager()
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPool(0, cfg.Metrics)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:     cfg.Store,
		extractor: cfg.Extractor,
		locks:     cfg.Locks,
		pool:      cfg.Pool,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With(slog.String("component", "parse")),
		now:       time.Now,
	}
}

// ExtractorName returns the configured extractor's name.
func (e *Engine) ExtractorName() string { return e.extractor.Name() }

// ParseOne parses one instrument synchronously and commits its annotation.
//
// # Outputs
//
//   - *datatypes.ParseAnnotation: The stored annotation.
//   - error: ParseBusy when the instrument is locked, NotFound when it does
//     not exist, ParseFailure when extraction fails.
func (e *Engine) ParseOne(ctx context.Context, name string) (ann *datatypes.ParseAnnotation, err error) {
	ctx, span := telemetry.StartSpan(ctx, "parse.Engine.ParseOne", attribute.String("instrument", name))
	defer func() { telemetry.End(span, err) }()

	start := time.Now()
	ann, err = e.parseLocked(ctx, name)
	e.metrics.RecordParse(EntrySingle, outcomeOf(err), time.Since(start))
	return ann, err
}

// ParseMetadataOnly extracts preview metadata. Nothing is stored.
func (e *Engine) ParseMetadataOnly(ctx context.Context, name string) (*datatypes.InstrumentMetadata, error) {
	ctx, span := telemetry.StartSpan(ctx, "parse.Engine.ParseMetadataOnly", attribute.String("instrument", name))
	start := time.Now()

	v, err, shared := e.previews.Do(name, func() (interface{}, error) {
		inst, err := e.store.GetInstrument(ctx, name)
		if err != nil {
			return nil, err
		}
		md, err := e.extractor.Metadata(ctx, inst)
		e.metrics.RecordExtractorCall(e.extractor.Name(), err)
		if err != nil {
			return nil, datatypes.ParseFailure(name, err)
		}
		md.Instrument = name
		return md, nil
	})
	e.metrics.RecordParse(EntryPreview, outcomeOf(err), time.Since(start))
	telemetry.AddSpanEvent(span, "preview", attribute.Bool("shared", shared))
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}
	md := *v.(*datatypes.InstrumentMetadata)
	return &md, nil
}

// BatchOptions customizes one batch.
type BatchOptions struct {
	// Entry labels metrics; defaults to EntryBatch.
	Entry string

	// Progress receives per-item events. May be nil.
	Progress *progress.Emitter

	// Cancelled is checked before each instrument; true skips it.
	Cancelled func(name string) bool

	// OnStart runs when an instrument is picked up by a worker.
	OnStart func(name string)

	// OnDone runs once per instrument with its outcome (nil on success).
	OnDone func(name string, err error)
}

// ParseBatch fully parses names on the shared pool.
//
// # Description
//
// Duplicate names collapse. Each instrument is parsed under its lock; a
// failure never stops the others. Cancellation of ctx, or opts.Cancelled
// reporting true, is checked before each instrument and reports the item
// failed with ReasonCancelled. The report is returned only once every item
// is terminal.
//
// # Outputs
//
//   - *datatypes.BatchReport: Succeeded plus Failed cover every name.
func (e *Engine) ParseBatch(ctx context.Context, names []string, opts BatchOptions) *datatypes.BatchReport {
	entry := opts.Entry
	if entry == "" {
		entry = EntryBatch
	}
	ctx, span := telemetry.StartSpan(ctx, "parse.Engine.ParseBatch",
		attribute.String("entry", entry),
		attribute.Int("instruments", len(names)))
	defer span.End()

	names = uniqueNames(names)
	total := len(names)
	report := datatypes.NewBatchReport(total)
	opts.Progress.Entered(total)

	var (
		mu   sync.Mutex
		done int
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		done++
		if err == nil {
			report.Succeeded = append(report.Succeeded, name)
			opts.Progress.Succeeded(name, done, total)
		} else {
			reason := FailureReason(err)
			if reason == ReasonCancelled {
				report.Cancelled = true
			}
			report.Failed[name] = reason
			opts.Progress.Failed(name, reason, done, total)
		}
		if opts.OnDone != nil {
			opts.OnDone(name, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(e.pool.Size())
	for _, name := range names {
		g.Go(func() error {
			if err := e.pool.Acquire(ctx); err != nil {
				record(name, errCancelled)
				return nil
			}
			defer e.pool.Release()

			if ctx.Err() != nil || (opts.Cancelled != nil && opts.Cancelled(name)) {
				record(name, errCancelled)
				return nil
			}
			if opts.OnStart != nil {
				opts.OnStart(name)
			}
			start := time.Now()
			_, err := e.parseLocked(ctx, name)
			if err != nil && ctx.Err() != nil {
				err = errCancelled
			}
			e.metrics.RecordParse(entry, outcomeOf(err), time.Since(start))
			record(name, err)
			return nil
		})
	}
	_ = g.Wait()

	report.Sort()
	report.Duration = time.Since(report.StartedAt)
	completeReason := ""
	if report.Cancelled {
		completeReason = ReasonCancelled
	}
	opts.Progress.CompleteReport(report, completeReason)

	span.SetAttributes(
		attribute.Int("succeeded", len(report.Succeeded)),
		attribute.Int("failed", len(report.Failed)))
	e.logger.Info("batch parse finished",
		slog.String("entry", entry),
		slog.Int("submitted", total),
		slog.Int("succeeded", len(report.Succeeded)),
		slog.Int("failed", len(report.Failed)),
		slog.Bool("cancelled", report.Cancelled),
		slog.Duration("duration", report.Duration))
	return report
}

// parseLocked takes the instrument lock and parses.
func (e *Engine) parseLocked(ctx context.Context, name string) (*datatypes.ParseAnnotation, error) {
	holder := "parse:" + uuid.NewString()
	if err := e.locks.TryAcquire(name, holder, "parse"); err != nil {
		e.metrics.RecordLockConflict("parse")
		var le *lock.InstrumentLockError
		if errors.As(err, &le) {
			return nil, datatypes.NewError(datatypes.KindParseBusy, name, "instrument is locked for %s", le.Reason)
		}
		return nil, datatypes.NewError(datatypes.KindParseBusy, name, "instrument is locked")
	}
	defer func() {
		if err := e.locks.Release(name, holder); err != nil {
			e.logger.Warn("release parse lock", slog.String("instrument", name), slog.String("error", err.Error()))
		}
	}()
	return e.parse(ctx, name)
}

func (e *Engine) parse(ctx context.Context, name string) (*datatypes.ParseAnnotation, error) {
	inst, err := e.store.GetInstrument(ctx, name)
	if err != nil {
		return nil, err
	}
	ann, err := e.extractor.Extract(ctx, inst)
	e.metrics.RecordExtractorCall(e.extractor.Name(), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, datatypes.ParseFailure(name, err)
	}
	ann.Instrument = name
	ann.ParsedAt = e.now().UnixNano()
	stored, err := e.store.ReplaceAnnotation(ctx, *ann)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("instrument parsed",
		slog.String("instrument", name),
		slog.Int("clauses", len(stored.Clauses)),
		slog.Int("paragraphs", stored.Paragraphs.Total))
	return stored, nil
}

var errCancelled = errors.New(ReasonCancelled)

// FailureReason renders err for a batch report.
func FailureReason(err error) string {
	if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCancelled
	}
	return err.Error()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, errCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, datatypes.ErrParseBusy):
		return "busy"
	case errors.Is(err, datatypes.ErrNotFound):
		return "not_found"
	default:
		return "failure"
	}
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
