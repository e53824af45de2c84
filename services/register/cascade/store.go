// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cascade

import (
	"context"
	"errors"
	"sort"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	kv "github.com/AleutianAI/legalcascade/services/register/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

const (
	jobPrefix    = "job"
	recordPrefix = "cascade"
)

func jobKey(id string) []byte { return kv.Key(jobPrefix, id) }

func recordKey(sid string) []byte { return kv.Key(recordPrefix, sid) }

// Store persists cascade jobs and per-session cascade records.
type Store struct {
	db *kv.DB
}

// NewStore wraps an open staging database.
func NewStore(db *kv.DB) *Store {
	return &Store{db: db}
}

// Enqueue creates a job for every instrument in want that has no active job.
//
// # Description
//
// The active check and the inserts run in one transaction. build is called
// once per instrument that gets a job. Instruments that already have a
// queued or running job are returned in skipped.
func (s *Store) Enqueue(ctx context.Context, want []string, build func(instrument string) datatypes.CascadeJob) (jobs []datatypes.CascadeJob, skipped []string, err error) {
	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		jobs, skipped = nil, nil
		active := map[string]bool{}
		err := kv.ScanJSON(txn, kv.Prefix(jobPrefix), func(_ []byte, j *datatypes.CascadeJob) error {
			if j.Status.Active() {
				active[j.Instrument] = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range want {
			if active[name] {
				skipped = append(skipped, name)
				continue
			}
			job := build(name)
			if err := kv.PutJSON(txn, jobKey(job.ID), &job); err != nil {
				return err
			}
			active[name] = true
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return jobs, skipped, nil
}

// Job returns one job.
func (s *Store) Job(ctx context.Context, id string) (*datatypes.CascadeJob, error) {
	var j datatypes.CascadeJob
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, jobKey(id), &j)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, datatypes.NotFound(id, "cascade job")
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJob applies fn to a job atomically.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*datatypes.CascadeJob) error) (*datatypes.CascadeJob, error) {
	var out datatypes.CascadeJob
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var j datatypes.CascadeJob
		if err := kv.GetJSON(txn, jobKey(id), &j); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return datatypes.NotFound(id, "cascade job")
			}
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		out = j
		return kv.PutJSON(txn, jobKey(id), &j)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Jobs returns the jobs matching keep (all when nil), oldest first.
func (s *Store) Jobs(ctx context.Context, keep func(*datatypes.CascadeJob) bool) ([]datatypes.CascadeJob, error) {
	out := []datatypes.CascadeJob{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.ScanJSON(txn, kv.Prefix(jobPrefix), func(_ []byte, j *datatypes.CascadeJob) error {
			if keep == nil || keep(j) {
				out = append(out, *j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out, nil
}

// Sweep visits every job matching match in one transaction. fn returns
// true to delete the job; otherwise a changed job is written back.
func (s *Store) Sweep(ctx context.Context, match func(*datatypes.CascadeJob) bool, fn func(*datatypes.CascadeJob) (remove bool)) (removed, updated int, err error) {
	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		removed, updated = 0, 0
		var batch []datatypes.CascadeJob
		err := kv.ScanJSON(txn, kv.Prefix(jobPrefix), func(_ []byte, j *datatypes.CascadeJob) error {
			if match(j) {
				batch = append(batch, *j)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := range batch {
			j := &batch[i]
			if fn(j) {
				if err := txn.Delete(jobKey(j.ID)); err != nil {
					return err
				}
				removed++
				continue
			}
			if err := kv.PutJSON(txn, jobKey(j.ID), j); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return removed, updated, err
}

// Record returns the cascade record of a session, or an empty record when
// none has been stored.
func (s *Store) Record(ctx context.Context, sid string) (*datatypes.CascadeRecord, error) {
	rec := datatypes.CascadeRecord{SessionID: sid, Affected: []datatypes.AffectedLaw{}}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, recordKey(sid), &rec)
	})
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord applies fn to the session's record, creating it if needed.
func (s *Store) UpdateRecord(ctx context.Context, sid string, fn func(*datatypes.CascadeRecord)) (*datatypes.CascadeRecord, error) {
	var out datatypes.CascadeRecord
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		rec := datatypes.CascadeRecord{SessionID: sid, Affected: []datatypes.AffectedLaw{}}
		if err := kv.GetJSON(txn, recordKey(sid), &rec); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		fn(&rec)
		if rec.Affected == nil {
			rec.Affected = []datatypes.AffectedLaw{}
		}
		out = rec
		return kv.PutJSON(txn, recordKey(sid), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRecord removes a session's record. Missing records are not an error.
func (s *Store) DeleteRecord(ctx context.Context, sid string) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(recordKey(sid))
	})
}
