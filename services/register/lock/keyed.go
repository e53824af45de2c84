// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"sort"
	"sync"
)

// KeyedMutex serializes work per key while letting different keys proceed
// in parallel. Used for session-level exclusivity and per-source link writes.
//
// Mutexes are created on first use and never freed; keys are session ids and
// instrument names, both bounded by the data set.
type KeyedMutex struct {
	locks sync.Map // map[string]*sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// LockAll acquires the mutexes of every distinct key in sorted order and
// returns one function that releases them all. Callers that need several
// keys must use LockAll so that overlapping sets cannot deadlock.
func (k *KeyedMutex) LockAll(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		unlocks = append(unlocks, k.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Forget drops the mutex for key. Callers must hold no lock on key.
func (k *KeyedMutex) Forget(key string) {
	k.locks.Delete(key)
}
