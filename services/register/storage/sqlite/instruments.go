// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
)

const instrumentColumns = `name, title, type_code, number, year, family, url, content,
	content_hash, source_session, created_at, updated_at`

// UpsertResult classifies the instruments written by UpsertInstruments.
type UpsertResult struct {
	Created   []string
	Updated   []string
	Unchanged []string

	// ContentChanged lists updated instruments whose body hash changed.
	ContentChanged []string
}

// UpsertInstruments writes instruments keyed by name in one transaction.
//
// # Description
//
// Either every instrument is written or none is. A row whose descriptive
// fields and content hash already match is left untouched, so repeating an
// upsert is a no-op. Updated rows keep their created_at and take the new
// provenance.
//
// # Inputs
//
//   - ctx: Transaction context.
//   - instruments: Rows to write. Names must be unique and non-empty.
//
// # Outputs
//
//   - *UpsertResult: Names sorted within each class.
//   - error: Non-nil on storage failure; nothing is written.
func (s *Store) UpsertInstruments(ctx context.Context, instruments []datatypes.LegalInstrument) (*UpsertResult, error) {
	res := &UpsertResult{
		Created:   []string{},
		Updated:   []string{},
		Unchanged: []string{},
	}
	now := s.now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		seen := make(map[string]struct{}, len(instruments))
		for _, in := range instruments {
			if strings.TrimSpace(in.Name) == "" {
				return datatypes.NewError(datatypes.KindInvalidRequest, "", "instrument name is empty")
			}
			if _, dup := seen[in.Name]; dup {
				return datatypes.NewError(datatypes.KindInvalidRequest, in.Name, "duplicate instrument in one upsert")
			}
			seen[in.Name] = struct{}{}
			in.ContentHash = ContentHash(in.Content)

			existing, err := getInstrument(ctx, tx, in.Name)
			if errors.Is(err, datatypes.ErrNotFound) {
				_, err = tx.ExecContext(ctx,
					`INSERT INTO instruments (`+instrumentColumns+`)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					in.Name, in.Title, in.TypeCode, in.Number, in.Year, in.Family, in.URL,
					in.Content, in.ContentHash, in.SourceSession, now, now,
				)
				if err != nil {
					return fmt.Errorf("insert instrument %s: %w", in.Name, err)
				}
				res.Created = append(res.Created, in.Name)
				continue
			}
			if err != nil {
				return err
			}

			if sameInstrument(existing, &in) {
				res.Unchanged = append(res.Unchanged, in.Name)
				continue
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE instruments SET title = ?, type_code = ?, number = ?, year = ?, family = ?,
				 url = ?, content = ?, content_hash = ?, updated_at = ?
				 WHERE name = ?`,
				in.Title, in.TypeCode, in.Number, in.Year, in.Family, in.URL,
				in.Content, in.ContentHash, now, in.Name,
			)
			if err != nil {
				return fmt.Errorf("update instrument %s: %w", in.Name, err)
			}
			res.Updated = append(res.Updated, in.Name)
			if existing.ContentHash != in.ContentHash {
				res.ContentChanged = append(res.ContentChanged, in.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(res.Created)
	sort.Strings(res.Updated)
	sort.Strings(res.Unchanged)
	sort.Strings(res.ContentChanged)
	return res, nil
}

// sameInstrument compares the scraped fields. SourceSession is provenance
// of the first insert and never makes an instrument differ.
func sameInstrument(a, b *datatypes.LegalInstrument) bool {
	return a.Title == b.Title &&
		a.TypeCode == b.TypeCode &&
		a.Number == b.Number &&
		a.Year == b.Year &&
		a.Family == b.Family &&
		a.URL == b.URL &&
		a.ContentHash == b.ContentHash
}

// GetInstrument returns the instrument named name, or a NotFound error.
func (s *Store) GetInstrument(ctx context.Context, name string) (*datatypes.LegalInstrument, error) {
	return getInstrument(ctx, s.db, name)
}

func getInstrument(ctx context.Context, q queryer, name string) (*datatypes.LegalInstrument, error) {
	var in datatypes.LegalInstrument
	err := q.QueryRowContext(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE name = ?`, name,
	).Scan(&in.Name, &in.Title, &in.TypeCode, &in.Number, &in.Year, &in.Family, &in.URL,
		&in.Content, &in.ContentHash, &in.SourceSession, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datatypes.NotFound(name, "instrument")
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", name, err)
	}
	return &in, nil
}

// MissingInstruments returns the names that have no instrument row, sorted.
func (s *Store) MissingInstruments(ctx context.Context, names []string) ([]string, error) {
	return missingInstruments(ctx, s.db, names)
}

func missingInstruments(ctx context.Context, q queryer, names []string) ([]string, error) {
	var missing []string
	checked := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := checked[n]; ok {
			continue
		}
		checked[n] = struct{}{}

		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM instruments WHERE name = ?`, n).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, n)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check instrument %s: %w", n, err)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// DeleteInstrument removes an instrument together with its links and annotation.
func (s *Store) DeleteInstrument(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instruments WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete instrument %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete instrument %s: %w", name, err)
	}
	if n == 0 {
		return datatypes.NotFound(name, "instrument")
	}
	return nil
}

// CountInstruments returns the number of instruments.
func (s *Store) CountInstruments(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instruments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instruments: %w", err)
	}
	return n, nil
}
