// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress fans pipeline progress events out to live subscribers.
//
// # Description
//
// Events are published per stream key: a session id, or
// datatypes.CascadeStreamKey for cascades not tied to a session. Every
// subscriber owns a bounded buffer. Publish never blocks: when a buffer is
// full the event is dropped for that subscriber only and counted. There is
// no replay; a subscriber sees events published after it subscribed.
//
// # Thread Safety
//
// Broker and Subscription are safe for concurrent use.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/observability"
	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber buffer when none is configured.
const DefaultBuffer = 256

// Publisher is the write side of the broker used by pipeline components.
type Publisher interface {
	Publish(ev datatypes.ProgressEvent)
}

// Mirror forwards published events to an external system.
type Mirror interface {
	Forward(ev datatypes.ProgressEvent)
	Close() error
}

// Config configures a Broker.
type Config struct {
	// Buffer is the per-subscriber channel capacity. Default: 256.
	Buffer int

	// Mirror optionally receives every published event.
	Mirror Mirror

	// Metrics records subscriber counts and drops. Optional.
	Metrics *observability.Metrics

	// Logger is optional. Defaults to slog.Default().
	Logger *slog.Logger
}

// Broker is an in-process pub/sub hub keyed by stream key.
type Broker struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscription
	seq     map[string]uint64
	nextID  uint64
	buffer  int
	mirror  Mirror
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewBroker creates a broker.
func NewBroker(cfg Config) *Broker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		subs:    make(map[string]map[uint64]*Subscription),
		seq:     make(map[string]uint64),
		buffer:  cfg.Buffer,
		mirror:  cfg.Mirror,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Subscription is one live tail of a stream key.
type Subscription struct {
	id      uint64
	key     string
	ch      chan datatypes.ProgressEvent
	dropped atomic.Uint64
	broker  *Broker
	closed  bool
}

// Events returns the delivery channel. It is closed when the subscription
// ends, either through Close or because the broker closed the key.
func (s *Subscription) Events() <-chan datatypes.ProgressEvent { return s.ch }

// Key returns the subscribed stream key.
func (s *Subscription) Key() string { return s.key }

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription and frees its buffer. Safe to call repeatedly.
func (s *Subscription) Close() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

// Subscribe opens a live tail of key.
func (b *Broker) Subscribe(key string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		key:    key,
		ch:     make(chan datatypes.ProgressEvent, b.buffer),
		broker: b,
	}
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]*Subscription)
	}
	b.subs[key][sub.id] = sub
	b.metrics.SubscriberDelta(1)
	return sub
}

// Publish stamps ev with an id, a per-key sequence number and a timestamp and
// delivers it to every subscriber of ev.Key without blocking.
func (b *Broker) Publish(ev datatypes.ProgressEvent) {
	b.mu.Lock()
	b.seq[ev.Key]++
	ev.Seq = b.seq[ev.Key]
	ev.ID = uuid.NewString()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	for _, sub := range b.subs[ev.Key] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.metrics.EventDropped()
		}
	}
	mirror := b.mirror
	b.mu.Unlock()

	if mirror != nil {
		mirror.Forward(ev)
	}
}

// CloseKey ends every subscription of key after delivering what is buffered.
// Used when a session is deleted.
func (b *Broker) CloseKey(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[key] {
		b.removeLocked(sub)
	}
	delete(b.seq, key)
}

// SubscriberCount returns the number of open subscriptions for key.
func (b *Broker) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// Close ends every subscription and closes the mirror.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	for _, set := range b.subs {
		for _, sub := range set {
			b.removeLocked(sub)
		}
	}
	mirror := b.mirror
	b.mirror = nil
	b.mu.Unlock()

	if mirror == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- mirror.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set := b.subs[sub.key]; set != nil {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.subs, sub.key)
		}
	}
	b.metrics.SubscriberDelta(-1)
}

// Emitter publishes events of one stage under one key.
type Emitter struct {
	pub   Publisher
	key   string
	stage string
	run   string
	group string
}

// NewEmitter binds a publisher to a key and stage. A nil publisher yields a
// silent emitter.
func NewEmitter(pub Publisher, key, stage string) *Emitter {
	return &Emitter{pub: pub, key: key, stage: stage}
}

// Scoped returns a copy of e that tags every event with run and group.
func (e *Emitter) Scoped(run, group string) *Emitter {
	if e == nil {
		return nil
	}
	c := *e
	c.run, c.group = run, group
	return &c
}

// Run returns the run id the emitter tags events with.
func (e *Emitter) Run() string {
	if e == nil {
		return ""
	}
	return e.run
}

func (e *Emitter) publish(ev datatypes.ProgressEvent) {
	if e == nil || e.pub == nil {
		return
	}
	ev.Key = e.key
	ev.Stage = e.stage
	ev.Run = e.run
	ev.Group = e.group
	e.pub.Publish(ev)
}

// Entered publishes stage_entered with the number of items to process.
func (e *Emitter) Entered(total int) {
	e.publish(datatypes.ProgressEvent{Type: datatypes.EventStageEntered, Total: total})
}

// Succeeded publishes item_succeeded.
func (e *Emitter) Succeeded(item string, done, total int) {
	e.publish(datatypes.ProgressEvent{Type: datatypes.EventItemSucceeded, Item: item, Done: done, Total: total})
}

// Failed publishes item_failed with a reason.
func (e *Emitter) Failed(item, reason string, done, total int) {
	e.publish(datatypes.ProgressEvent{Type: datatypes.EventItemFailed, Item: item, Reason: reason, Done: done, Total: total})
}

// Complete publishes stage_complete.
func (e *Emitter) Complete(done, total int, reason string) {
	e.publish(datatypes.ProgressEvent{Type: datatypes.EventStageComplete, Done: done, Total: total, Reason: reason})
}

// CompleteReport publishes stage_complete carrying the batch report.
func (e *Emitter) CompleteReport(report *datatypes.BatchReport, reason string) {
	done := len(report.Succeeded) + len(report.Failed)
	e.publish(datatypes.ProgressEvent{
		Type:   datatypes.EventStageComplete,
		Done:   done,
		Total:  report.Submitted,
		Reason: reason,
		Report: report,
	})
}
