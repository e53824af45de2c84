// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements every inbound operation of the legal register
// on top of the session, storage, parse and cascade components.
//
// The Pipeline serializes mutating operations per session, serializes link
// writes per source instrument, and runs long stages (group parse, session
// reparse, automatic cascades) in the background. Background work is
// cancelled when its session is deleted and drained on Close.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/legalcascade/services/register/cascade"
	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/graph"
	"github.com/AleutianAI/legalcascade/services/register/lock"
	"github.com/AleutianAI/legalcascade/services/register/observability"
	"github.com/AleutianAI/legalcascade/services/register/parse"
	"github.com/AleutianAI/legalcascade/services/register/progress"
	"github.com/AleutianAI/legalcascade/services/register/session"
	"github.com/AleutianAI/legalcascade/services/register/storage/sqlite"
	"github.com/google/uuid"
)

// Config wires a Pipeline. Every component except Broker and Metrics is
// required.
type Config struct {
	Sessions    *session.Manager
	Instruments *sqlite.Store
	Graph       *graph.Graph
	Locks       *lock.Manager
	Parser      *parse.Engine
	Cascade     *cascade.Engine
	Broker      *progress.Broker
	Metrics     *observability.Metrics
	Logger      *slog.Logger

	// AutoCascade re-parses dependents after link changes and after a
	// persistence changes an instrument's content.
	AutoCascade bool
}

// Pipeline is the facade the HTTP transport and CLI call into.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pipeline struct {
	sessions    *session.Manager
	instruments *sqlite.Store
	graph       *graph.Graph
	locks       *lock.Manager
	parser      *parse.Engine
	cascade     *cascade.Engine
	broker      *progress.Broker
	pub         progress.Publisher
	metrics     *observability.Metrics
	logger      *slog.Logger
	autoCascade bool

	sessionMu lock.KeyedMutex
	linkMu    lock.KeyedMutex
	runs      *runner
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "pipeline"))
	p := &Pipeline{
		sessions:    cfg.Sessions,
		instruments: cfg.Instruments,
		graph:       cfg.Graph,
		locks:       cfg.Locks,
		parser:      cfg.Parser,
		cascade:     cfg.Cascade,
		broker:      cfg.Broker,
		metrics:     cfg.Metrics,
		logger:      logger,
		autoCascade: cfg.AutoCascade,
		runs:        newRunner(logger),
	}
	if cfg.Broker != nil {
		p.pub = cfg.Broker
	}
	return p
}

// Close cancels background work and waits for it to stop.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.runs.Shutdown(ctx)
}

// Broker returns the progress broker, or nil when streaming is disabled.
func (p *Pipeline) Broker() *progress.Broker { return p.broker }

// lockSession serializes mutating operations on one session.
func (p *Pipeline) lockSession(sid string) func() {
	return p.sessionMu.Lock(sid)
}

// runEmitter returns an emitter for one dispatch of stage, tagged with a
// fresh run id and the group it works on.
func (p *Pipeline) runEmitter(key, stage, group string) *progress.Emitter {
	return progress.NewEmitter(p.pub, key, stage).Scoped(uuid.NewString(), group)
}

// cascadeFrom enqueues a session-independent cascade from roots and runs it
// in the background. Failures are logged; the triggering write has already
// committed.
func (p *Pipeline) cascadeFrom(ctx context.Context, roots []string) {
	if !p.autoCascade || len(roots) == 0 {
		return
	}
	d, err := p.cascade.Enqueue(context.WithoutCancel(ctx), "", roots)
	if err != nil {
		p.logger.Error("auto cascade enqueue failed", slog.Any("roots", roots), slog.String("error", err.Error()))
		return
	}
	if len(d.Jobs) == 0 {
		return
	}
	if err := p.runs.Go("", datatypes.StageCascade, func(ctx context.Context) {
		p.cascade.Run(ctx, d)
	}); err != nil {
		p.abandon(d, err)
	}
}

// abandon fails the queued jobs of a dispatch whose run could not start.
func (p *Pipeline) abandon(d *datatypes.CascadeDispatch, cause error) {
	n, err := p.cascade.Abandon(context.Background(), d)
	if err != nil {
		p.logger.Error("abandon cascade jobs",
			slog.String("traversal", d.Traversal),
			slog.String("error", err.Error()))
		return
	}
	p.logger.Warn("cascade not started",
		slog.String("session_id", d.SessionID),
		slog.String("traversal", d.Traversal),
		slog.Int("jobs", n),
		slog.String("error", cause.Error()))
}

// Running returns the live background stages of a session, or of
// session-independent cascades when sid is "".
func (p *Pipeline) Running(sid string) []string {
	return p.runs.Running(sid)
}
