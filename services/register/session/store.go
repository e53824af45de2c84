// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	kv "github.com/AleutianAI/legalcascade/services/register/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

const (
	sessionPrefix   = "session"
	groupPrefix     = "group"
	candidatePrefix = "cand"
)

// Store persists sessions, groups and candidates in the staging database.
//
// Store applies no state rules; Manager does. Every method is one Badger
// transaction.
type Store struct {
	db *kv.DB
}

// NewStore wraps an open staging database.
func NewStore(db *kv.DB) *Store {
	return &Store{db: db}
}

func sessionKey(id string) []byte { return kv.Key(sessionPrefix, id) }

func groupKey(sid, key string) []byte { return kv.Key(groupPrefix, sid, key) }

func candidateKey(sid, id string) []byte { return kv.Key(candidatePrefix, sid, id) }

func notFoundSession(id string) error { return datatypes.NotFound(id, "session") }

func notFoundGroup(sid, key string) error { return datatypes.NotFound(sid+"/"+key, "group") }

// Create writes a new session with its candidates.
//
// Candidates go through a WriteBatch so large scrapes never hit Badger's
// transaction size limit. The session record is written last: a session is
// only visible once all of its candidates are.
func (s *Store) Create(ctx context.Context, sess *datatypes.ScrapeSession, cands []datatypes.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range cands {
		data, err := json.Marshal(&cands[i])
		if err != nil {
			return fmt.Errorf("encode candidate %s: %w", cands[i].ID, err)
		}
		if err := wb.Set(candidateKey(sess.ID, cands[i].ID), data); err != nil {
			return fmt.Errorf("write candidate %s: %w", cands[i].ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush candidates: %w", err)
	}
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return kv.PutJSON(txn, sessionKey(sess.ID), sess)
	})
}

// Get returns the session with id.
func (s *Store) Get(ctx context.Context, id string) (*datatypes.ScrapeSession, error) {
	var sess datatypes.ScrapeSession
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, sessionKey(id), &sess)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFoundSession(id)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns every session, newest first.
func (s *Store) List(ctx context.Context) ([]datatypes.ScrapeSession, error) {
	out := []datatypes.ScrapeSession{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.ScanJSON(txn, kv.Prefix(sessionPrefix), func(_ []byte, sess *datatypes.ScrapeSession) error {
			out = append(out, *sess)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update loads the session, applies fn and writes it back atomically.
// fn may run more than once on conflict.
func (s *Store) Update(ctx context.Context, id string, fn func(*datatypes.ScrapeSession) error) (*datatypes.ScrapeSession, error) {
	var out datatypes.ScrapeSession
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var sess datatypes.ScrapeSession
		if err := kv.GetJSON(txn, sessionKey(id), &sess); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return notFoundSession(id)
			}
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		out = sess
		return kv.PutJSON(txn, sessionKey(id), &sess)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Candidates returns every candidate of a session, ordered by name.
func (s *Store) Candidates(ctx context.Context, sid string) ([]datatypes.Candidate, error) {
	out := []datatypes.Candidate{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.ScanJSON(txn, kv.Prefix(candidatePrefix, sid), func(_ []byte, c *datatypes.Candidate) error {
			out = append(out, *c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.Name < out[j].Record.Name })
	return out, nil
}

// CandidatesByID returns the candidates with ids, in ids order.
func (s *Store) CandidatesByID(ctx context.Context, sid string, ids []string) ([]datatypes.Candidate, error) {
	out := make([]datatypes.Candidate, 0, len(ids))
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			var c datatypes.Candidate
			if err := kv.GetJSON(txn, candidateKey(sid, id), &c); err != nil {
				if errors.Is(err, kv.ErrNotFound) {
					return datatypes.NotFound(id, "candidate")
				}
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveGrouping writes the groups and applies fn to the session in one
// transaction. Group membership lives on the groups; candidate records are
// immutable.
func (s *Store) SaveGrouping(ctx context.Context, sid string, groups []datatypes.Group, fn func(*datatypes.ScrapeSession) error) (*datatypes.ScrapeSession, error) {
	var out datatypes.ScrapeSession
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var sess datatypes.ScrapeSession
		if err := kv.GetJSON(txn, sessionKey(sid), &sess); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return notFoundSession(sid)
			}
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		for i := range groups {
			if err := kv.PutJSON(txn, groupKey(sid, groups[i].Key), &groups[i]); err != nil {
				return err
			}
		}
		out = sess
		return kv.PutJSON(txn, sessionKey(sid), &sess)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Groups returns every group of a session, ordered by key.
func (s *Store) Groups(ctx context.Context, sid string) ([]datatypes.Group, error) {
	out := []datatypes.Group{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.ScanJSON(txn, kv.Prefix(groupPrefix, sid), func(_ []byte, g *datatypes.Group) error {
			out = append(out, *g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Group returns one group.
func (s *Store) Group(ctx context.Context, sid, key string) (*datatypes.Group, error) {
	var g datatypes.Group
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return kv.GetJSON(txn, groupKey(sid, key), &g)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, notFoundGroup(sid, key)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGroup applies fn to the group and fn2 to its session in one
// transaction. Either function may be nil.
func (s *Store) UpdateGroup(ctx context.Context, sid, key string, fn func(*datatypes.Group) error, fn2 func(*datatypes.ScrapeSession) error) (*datatypes.Group, error) {
	var out datatypes.Group
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var g datatypes.Group
		if err := kv.GetJSON(txn, groupKey(sid, key), &g); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return notFoundGroup(sid, key)
			}
			return err
		}
		if fn != nil {
			if err := fn(&g); err != nil {
				return err
			}
		}
		if fn2 != nil {
			var sess datatypes.ScrapeSession
			if err := kv.GetJSON(txn, sessionKey(sid), &sess); err != nil {
				if errors.Is(err, kv.ErrNotFound) {
					return notFoundSession(sid)
				}
				return err
			}
			if err := fn2(&sess); err != nil {
				return err
			}
			if err := kv.PutJSON(txn, sessionKey(sid), &sess); err != nil {
				return err
			}
		}
		out = g
		return kv.PutJSON(txn, groupKey(sid, key), &g)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a session with its groups and candidates. Returns NotFound
// when the session does not exist.
//
// The session record goes first so the session disappears atomically;
// groups and candidates are then dropped by prefix, which has no
// transaction size limit.
func (s *Store) Delete(ctx context.Context, sid string) error {
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		ok, err := kv.Exists(txn, sessionKey(sid))
		if err != nil {
			return err
		}
		if !ok {
			return notFoundSession(sid)
		}
		return txn.Delete(sessionKey(sid))
	})
	if err != nil {
		return err
	}
	return s.db.DropPrefix(kv.Prefix(groupPrefix, sid), kv.Prefix(candidatePrefix, sid))
}
