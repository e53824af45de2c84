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
	"runtime"

	"github.com/AleutianAI/legalcascade/services/register/observability"
	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of parses running at once across every batch.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	sem     *semaphore.Weighted
	size    int
	metrics *observability.Metrics
}

// NewPool returns a pool of size workers. A non-positive size uses
// runtime.NumCPU().
func NewPool(size int, metrics *observability.Metrics) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size, metrics: metrics}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

// Acquire blocks until a worker slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.metrics.WorkerAcquired()
	return nil
}

// Release frees a slot taken by Acquire.
func (p *Pool) Release() {
	p.metrics.WorkerReleased()
	p.sem.Release(1)
}
