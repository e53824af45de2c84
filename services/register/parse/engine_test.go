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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/lock"
	"github.com/AleutianAI/legalcascade/services/register/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	instruments map[string]datatypes.LegalInstrument
	annotations map[string]datatypes.ParseAnnotation
}

func newMemStore(names ...string) *memStore {
	s := &memStore{
		instruments: map[string]datatypes.LegalInstrument{},
		annotations: map[string]datatypes.ParseAnnotation{},
	}
	for _, n := range names {
		s.instruments[n] = datatypes.LegalInstrument{Name: n, Content: "The employer must act."}
	}
	return s
}

func (s *memStore) GetInstrument(_ context.Context, name string) (*datatypes.LegalInstrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[name]
	if !ok {
		return nil, datatypes.NotFound(name, "instrument")
	}
	return &inst, nil
}

func (s *memStore) ReplaceAnnotation(_ context.Context, ann datatypes.ParseAnnotation) (*datatypes.ParseAnnotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.annotations[ann.Instrument]; ok && ann.ParsedAt <= prev.ParsedAt {
		ann.ParsedAt = prev.ParsedAt + 1
	}
	s.annotations[ann.Instrument] = ann
	return &ann, nil
}

func (s *memStore) annotation(name string) (datatypes.ParseAnnotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.annotations[name]
	return a, ok
}

// fakeExtractor fails for names in fail and can block on gate.
type fakeExtractor struct {
	fail     map[string]bool
	gate     chan struct{}
	started  chan string
	calls    atomic.Int64
	active   atomic.Int64
	maxSeen  atomic.Int64
	metaCall atomic.Int64
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) Extract(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.ParseAnnotation, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.started != nil {
		f.started <- inst.Name
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[inst.Name] {
		return nil, errors.New("unreadable markup")
	}
	return &datatypes.ParseAnnotation{Title: "T " + inst.Name, DutyTypes: []string{"Duty"}}, nil
}

func (f *fakeExtractor) Metadata(_ context.Context, inst *datatypes.LegalInstrument) (*datatypes.InstrumentMetadata, error) {
	f.metaCall.Add(1)
	return &datatypes.InstrumentMetadata{Title: "M " + inst.Name}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []datatypes.ProgressEvent
}

func (r *recordingPublisher) Publish(ev datatypes.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) types() []datatypes.ProgressEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]datatypes.ProgressEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestEngine(store Store, x Extractor, locks *lock.Manager, workers int) *Engine {
	return NewEngine(Config{Store: store, Extractor: x, Locks: locks, Pool: NewPool(workers, nil)})
}

func TestEngine_ParseOne(t *testing.T) {
	store := newMemStore("A")
	e := newTestEngine(store, &fakeExtractor{}, nil, 2)

	ann, err := e.ParseOne(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "A", ann.Instrument)
	assert.Equal(t, "T A", ann.Title)

	first, _ := store.annotation("A")
	_, err = e.ParseOne(context.Background(), "A")
	require.NoError(t, err)
	second, _ := store.annotation("A")
	assert.Greater(t, second.ParsedAt, first.ParsedAt, "parsed_at strictly increases")
}

func TestEngine_ParseOneErrors(t *testing.T) {
	store := newMemStore("A", "B")
	locks := lock.NewManager()
	e := newTestEngine(store, &fakeExtractor{fail: map[string]bool{"B": true}}, locks, 2)
	ctx := context.Background()

	_, err := e.ParseOne(ctx, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	_, err = e.ParseOne(ctx, "B")
	require.ErrorIs(t, err, datatypes.ErrParseFailure)
	assert.Contains(t, err.Error(), "unreadable markup")
	_, stored := store.annotation("B")
	assert.False(t, stored, "a failed parse leaves no annotation")

	require.NoError(t, locks.TryAcquire("A", "persist:s1", "persist"))
	_, err = e.ParseOne(ctx, "A")
	assert.ErrorIs(t, err, datatypes.ErrParseBusy)
	require.NoError(t, locks.Release("A", "persist:s1"))

	_, err = e.ParseOne(ctx, "A")
	assert.NoError(t, err, "the lock is free again")
}

func TestEngine_ParseOneConcurrentSameInstrument(t *testing.T) {
	store := newMemStore("A")
	x := &fakeExtractor{gate: make(chan struct{}), started: make(chan string, 1)}
	e := newTestEngine(store, x, nil, 2)

	errc := make(chan error, 1)
	go func() {
		_, err := e.ParseOne(context.Background(), "A")
		errc <- err
	}()
	<-x.started

	_, err := e.ParseOne(context.Background(), "A")
	assert.ErrorIs(t, err, datatypes.ErrParseBusy)

	close(x.gate)
	require.NoError(t, <-errc)
}

func TestEngine_ParseMetadataOnlyCommitsNothing(t *testing.T) {
	store := newMemStore("A")
	x := &fakeExtractor{}
	e := newTestEngine(store, x, nil, 2)

	md, err := e.ParseMetadataOnly(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "A", md.Instrument)
	assert.Equal(t, "M A", md.Title)
	assert.Zero(t, x.calls.Load())
	_, stored := store.annotation("A")
	assert.False(t, stored)

	_, err = e.ParseMetadataOnly(context.Background(), "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestEngine_ParseBatchAggregates(t *testing.T) {
	store := newMemStore("A", "B", "C", "D")
	pub := &recordingPublisher{}
	e := newTestEngine(store, &fakeExtractor{fail: map[string]bool{"C": true}}, nil, 2)

	var started, finished atomic.Int64
	report := e.ParseBatch(context.Background(), []string{"D", "A", "C", "B", "A", "missing"}, BatchOptions{
		Progress: progress.NewEmitter(pub, "s1", datatypes.StageReparse),
		OnStart:  func(string) { started.Add(1) },
		OnDone:   func(string, error) { finished.Add(1) },
	})

	assert.Equal(t, 5, report.Submitted)
	assert.Equal(t, []string{"A", "B", "D"}, report.Succeeded)
	require.Len(t, report.Failed, 2)
	assert.Contains(t, report.Failed["C"], "unreadable markup")
	assert.Contains(t, report.Failed["missing"], "not found")
	assert.False(t, report.Cancelled)
	assert.True(t, report.Complete())
	assert.EqualValues(t, 5, started.Load())
	assert.EqualValues(t, 5, finished.Load())

	types := pub.types()
	require.Len(t, types, 7)
	assert.Equal(t, datatypes.EventStageEntered, types[0])
	assert.Equal(t, datatypes.EventStageComplete, types[6])
}

func TestEngine_ParseBatchRespectsPoolBound(t *testing.T) {
	names := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	store := newMemStore(names...)
	x := &fakeExtractor{gate: make(chan struct{}), started: make(chan string, len(names))}
	e := newTestEngine(store, x, nil, 3)

	done := make(chan *datatypes.BatchReport, 1)
	go func() { done <- e.ParseBatch(context.Background(), names, BatchOptions{}) }()

	for i := 0; i < 3; i++ {
		<-x.started
	}
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 3, x.active.Load(), "no more than the pool size run at once")

	close(x.gate)
	report := <-done
	assert.Len(t, report.Succeeded, len(names))
	assert.LessOrEqual(t, x.maxSeen.Load(), int64(3))
}

func TestEngine_ParseBatchCancellation(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	store := newMemStore(names...)
	x := &fakeExtractor{}
	e := newTestEngine(store, x, nil, 1)

	report := e.ParseBatch(context.Background(), names, BatchOptions{
		Cancelled: func(name string) bool { return name == "B" || name == "D" },
	})
	assert.Equal(t, []string{"A", "C"}, report.Succeeded)
	assert.Equal(t, map[string]string{"B": ReasonCancelled, "D": ReasonCancelled}, report.Failed)
	assert.True(t, report.Cancelled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report = e.ParseBatch(ctx, names, BatchOptions{})
	assert.Empty(t, report.Succeeded)
	assert.Len(t, report.Failed, 4)
	for _, reason := range report.Failed {
		assert.Equal(t, ReasonCancelled, reason)
	}
}

func TestRateLimited_PassesThrough(t *testing.T) {
	x := &fakeExtractor{}
	assert.Same(t, Extractor(x), RateLimited(x, 0, 0))

	limited := RateLimited(x, 1000, 1)
	assert.Equal(t, "fake", limited.Name())
	_, err := limited.Extract(context.Background(), &datatypes.LegalInstrument{Name: "A"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RateLimited(x, 0.001, 1).Metadata(ctx, &datatypes.LegalInstrument{Name: "A"})
	assert.Error(t, err)
}
