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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/redis/go-redis/v9"
)

// ChannelPrefix prefixes the Redis channel of every stream key.
const ChannelPrefix = "legalcascade:progress:"

// redisPublisher is the subset of *redis.Client the mirror uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisMirror republishes progress events on Redis pub/sub so processes
// other than this one can follow a session.
//
// # Description
//
// Forward enqueues onto a bounded queue drained by one goroutine; a full
// queue drops the event. A slow or unreachable Redis therefore never stalls
// the pipeline.
type RedisMirror struct {
	client  redisPublisher
	queue   chan datatypes.ProgressEvent
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// DialRedisMirror connects to url (redis://...) and verifies it with PING.
func DialRedisMirror(ctx context.Context, url string, logger *slog.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisMirror(client, 1024, logger), nil
}

func newRedisMirror(client redisPublisher, queue int, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &RedisMirror{
		client:  client,
		queue:   make(chan datatypes.ProgressEvent, queue),
		timeout: 2 * time.Second,
		logger:  logger,
	}
	m.wg.Add(1)
	go m.drain()
	return m
}

// Channel returns the Redis channel for a stream key.
func Channel(key string) string {
	return ChannelPrefix + key
}

// Forward enqueues ev for publication. Events forwarded after Close are dropped.
func (m *RedisMirror) Forward(ev datatypes.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.dropped++
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.dropped++
	}
}

func (m *RedisMirror) countDrop() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// Dropped returns how many events were not mirrored.
func (m *RedisMirror) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *RedisMirror) drain() {
	defer m.wg.Done()
	for ev := range m.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			m.logger.Warn("encode progress event", slog.String("error", err.Error()))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err = m.client.Publish(ctx, Channel(ev.Key), payload).Err()
		cancel()
		if err != nil {
			m.countDrop()
			m.logger.Debug("mirror progress event to redis",
				slog.String("key", ev.Key),
				slog.String("error", err.Error()))
		}
	}
}

// Close flushes the queue and closes the Redis client.
func (m *RedisMirror) Close() error {
	var err error
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()
		m.wg.Wait()
		err = m.client.Close()
	})
	return err
}
