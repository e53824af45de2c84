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
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// task is one background unit of work owned by a session (or by nobody,
// for session-independent cascades).
type task struct {
	id     string
	owner  string
	label  string
	cancel context.CancelFunc
}

// runner starts background work detached from request contexts and keeps
// enough bookkeeping to cancel it per session and to drain it on shutdown.
type runner struct {
	mu     sync.Mutex
	base   context.Context
	stop   context.CancelFunc
	tasks  map[string]*task
	wg     sync.WaitGroup
	closed bool
	logger *slog.Logger
}

func newRunner(logger *slog.Logger) *runner {
	base, stop := context.WithCancel(context.Background())
	return &runner{
		base:   base,
		stop:   stop,
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// Go runs fn in the background. owner is a session id or "".
func (r *runner) Go(owner, label string, fn func(ctx context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("pipeline is shutting down")
	}
	ctx, cancel := context.WithCancel(r.base)
	t := &task{id: uuid.NewString(), owner: owner, label: label, cancel: cancel}
	r.tasks[t.id] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.tasks, t.id)
			r.mu.Unlock()
			cancel()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background task panicked",
					slog.String("owner", owner),
					slog.String("task", label),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		fn(ctx)
	}()
	return nil
}

// Running returns the labels of the owner's live tasks, sorted.
func (r *runner) Running(owner string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		if t.owner == owner {
			out = append(out, t.label)
		}
	}
	sort.Strings(out)
	return out
}

// Cancel cancels every live task of owner and returns how many there were.
func (r *runner) Cancel(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.owner == owner {
			t.cancel()
			n++
		}
	}
	return n
}

// Shutdown refuses new work, cancels live tasks and waits for them to
// return or for ctx to end.
func (r *runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
