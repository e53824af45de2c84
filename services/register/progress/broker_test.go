// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) datatypes.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return datatypes.ProgressEvent{}
	}
}

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(Config{})
	a := b.Subscribe("s1")
	c := b.Subscribe("s1")
	other := b.Subscribe("s2")
	defer a.Close()
	defer c.Close()
	defer other.Close()

	NewEmitter(b, "s1", datatypes.StageParse).Entered(2)

	evA, evC := recv(t, a), recv(t, c)
	assert.Equal(t, datatypes.EventStageEntered, evA.Type)
	assert.Equal(t, evA.ID, evC.ID)
	assert.Equal(t, uint64(1), evA.Seq)
	assert.Equal(t, datatypes.StageParse, evA.Stage)
	assert.Len(t, other.Events(), 0)
}

func TestBroker_NoReplay(t *testing.T) {
	b := NewBroker(Config{})
	e := NewEmitter(b, "s1", datatypes.StageParse)
	e.Entered(1)

	late := b.Subscribe("s1")
	defer late.Close()
	e.Succeeded("A", 1, 1)

	ev := recv(t, late)
	assert.Equal(t, datatypes.EventItemSucceeded, ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(Config{Buffer: 2})
	slow := b.Subscribe("s1")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		e := NewEmitter(b, "s1", datatypes.StageReparse)
		for i := 0; i < 10; i++ {
			e.Succeeded("X", i, 10)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(8), slow.Dropped())
}

func TestBroker_CloseKeyEndsStreams(t *testing.T) {
	b := NewBroker(Config{})
	sub := b.Subscribe("s1")
	NewEmitter(b, "s1", datatypes.StageDelete).publish(datatypes.ProgressEvent{Type: datatypes.EventSessionDeleted})
	b.CloseKey("s1")

	ev := recv(t, sub)
	assert.True(t, ev.Type.Terminal())
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount("s1"))

	assert.NotPanics(t, sub.Close)
}

func TestEmitter_NilPublisher(t *testing.T) {
	assert.NotPanics(t, func() {
		NewEmitter(nil, "s", "parse").Complete(0, 0, "")
		var e *Emitter
		e.Entered(1)
	})
}

func TestEmitter_ScopedTagsEvents(t *testing.T) {
	b := NewBroker(Config{})
	sub := b.Subscribe("s1")
	defer sub.Close()

	base := NewEmitter(b, "s1", datatypes.StageParse)
	em := base.Scoped("run-1", "pollution")
	assert.Equal(t, "run-1", em.Run())
	assert.Empty(t, base.Run(), "Scoped returns a copy")

	report := datatypes.NewBatchReport(3)
	report.Succeeded = []string{"A", "B"}
	report.Failed["C"] = "unreadable markup"
	em.Entered(3)
	em.CompleteReport(report, "")

	ev := recv(t, sub)
	assert.Equal(t, datatypes.EventStageEntered, ev.Type)
	assert.Equal(t, "run-1", ev.Run)
	assert.Equal(t, "pollution", ev.Group)

	ev = recv(t, sub)
	assert.Equal(t, datatypes.EventStageComplete, ev.Type)
	assert.Equal(t, 3, ev.Done)
	assert.Equal(t, 3, ev.Total)
	require.NotNil(t, ev.Report)
	assert.Equal(t, []string{"A", "B"}, ev.Report.Succeeded)

	var nilEmitter *Emitter
	assert.Nil(t, nilEmitter.Scoped("r", "g"))
	assert.Empty(t, nilEmitter.Run())
}

type fakeRedis struct {
	mu       sync.Mutex
	messages map[string][]string
	closed   bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][]string)
	}
	f.messages[channel] = append(f.messages[channel], string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRedisMirror_ForwardsOnClose(t *testing.T) {
	fake := &fakeRedis{}
	mirror := newRedisMirror(fake, 16, nil)
	b := NewBroker(Config{Mirror: mirror})

	NewEmitter(b, datatypes.CascadeStreamKey, datatypes.StageCascade).Entered(3)
	require.NoError(t, b.Close(context.Background()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.closed)
	msgs := fake.messages[Channel(datatypes.CascadeStreamKey)]
	require.Len(t, msgs, 1)

	var ev datatypes.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &ev))
	assert.Equal(t, datatypes.EventStageEntered, ev.Type)
	assert.Equal(t, 3, ev.Total)
	assert.Equal(t, "legalcascade:progress:_cascade", Channel(datatypes.CascadeStreamKey))
}
