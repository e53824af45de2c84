// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides instrument-level mutual exclusion.
//
// At most one parse, cascade job or group persistence may operate on a
// LegalInstrument at a time. Locks never block: a second acquirer gets an
// *InstrumentLockError immediately so the operator sees an actionable
// conflict instead of a silently queued request.
package lock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrInstrumentLocked is wrapped by InstrumentLockError.
	ErrInstrumentLocked = errors.New("instrument is locked")

	// ErrLockNotHeld is returned when releasing a lock the caller does not own.
	ErrLockNotHeld = errors.New("lock not held by caller")
)

// LockInfo describes a held instrument lock.
type LockInfo struct {
	Instrument string    `json:"instrument"`
	Holder     string    `json:"holder"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// InstrumentLockError reports a lock conflict and who holds the lock.
type InstrumentLockError struct {
	Instrument string
	Holder     string
	Reason     string
	Err        error
}

func (e *InstrumentLockError) Error() string {
	return fmt.Sprintf("instrument %q locked by %s (%s)", e.Instrument, e.Holder, e.Reason)
}

func (e *InstrumentLockError) Unwrap() error { return e.Err }

// Manager hands out non-blocking instrument locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*LockInfo
	now   func() time.Time
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*LockInfo),
		now:   time.Now,
	}
}

// TryAcquire locks instrument for holder, failing fast on conflict.
//
// # Description
//
// Locks are not reentrant: a holder that already owns the lock conflicts
// with itself, which surfaces double-dispatch bugs instead of hiding them.
//
// # Outputs
//
//   - error: nil on success, *InstrumentLockError if the instrument is held.
func (m *Manager) TryAcquire(instrument, holder, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(instrument, holder, reason)
}

func (m *Manager) acquireLocked(instrument, holder, reason string) error {
	if cur, ok := m.locks[instrument]; ok {
		return &InstrumentLockError{
			Instrument: instrument,
			Holder:     cur.Holder,
			Reason:     cur.Reason,
			Err:        ErrInstrumentLocked,
		}
	}
	m.locks[instrument] = &LockInfo{
		Instrument: instrument,
		Holder:     holder,
		Reason:     reason,
		AcquiredAt: m.now(),
	}
	return nil
}

// TryAcquireAll locks every instrument or none.
//
// # Description
//
// Instruments are locked in sorted order under one critical section. On the
// first conflict every lock taken by this call is released and the conflict
// is returned. Duplicate names are locked once.
//
// # Outputs
//
//   - func(): Releases every lock taken. Safe to call more than once.
//   - error: *InstrumentLockError naming the first locked instrument.
//
// # Example
//
//	release, err := locks.TryAcquireAll(names, "persist:"+sessionID, "persist group")
//	if err != nil {
//	    return err
//	}
//	defer release()
func (m *Manager) TryAcquireAll(instruments []string, holder, reason string) (func(), error) {
	names := uniqueSorted(instruments)

	m.mu.Lock()
	defer m.mu.Unlock()

	taken := make([]string, 0, len(names))
	for _, n := range names {
		if err := m.acquireLocked(n, holder, reason); err != nil {
			for _, t := range taken {
				delete(m.locks, t)
			}
			return func() {}, err
		}
		taken = append(taken, n)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for _, t := range taken {
				if cur, ok := m.locks[t]; ok && cur.Holder == holder {
					delete(m.locks, t)
				}
			}
		})
	}, nil
}

// Release unlocks instrument if holder owns it.
func (m *Manager) Release(instrument, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[instrument]
	if !ok || cur.Holder != holder {
		return ErrLockNotHeld
	}
	delete(m.locks, instrument)
	return nil
}

// IsLocked reports whether instrument is held and by whom.
func (m *Manager) IsLocked(instrument string) (bool, *LockInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[instrument]
	if !ok {
		return false, nil
	}
	info := *cur
	return true, &info
}

// Held returns a snapshot of every held lock, sorted by instrument.
func (m *Manager) Held() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LockInfo, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
