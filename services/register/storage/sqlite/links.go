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
	"fmt"
	"strings"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/graph"
)

// AllLinks returns every enacting link, ordered by source, target and kind.
func (s *Store) AllLinks(ctx context.Context) ([]datatypes.EnactingLink, error) {
	return queryLinks(ctx, s.db, `SELECT source, target, kind FROM enacting_links ORDER BY source, target, kind`)
}

// OutgoingLinks returns the links whose source is name.
func (s *Store) OutgoingLinks(ctx context.Context, name string) ([]datatypes.EnactingLink, error) {
	return queryLinks(ctx, s.db,
		`SELECT source, target, kind FROM enacting_links WHERE source = ? ORDER BY target, kind`, name)
}

// IncomingLinks returns the links whose target is name.
func (s *Store) IncomingLinks(ctx context.Context, name string) ([]datatypes.EnactingLink, error) {
	return queryLinks(ctx, s.db,
		`SELECT source, target, kind FROM enacting_links WHERE target = ? ORDER BY source, kind`, name)
}

func queryLinks(ctx context.Context, q queryer, query string, args ...any) ([]datatypes.EnactingLink, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	links := []datatypes.EnactingLink{}
	for rows.Next() {
		var l datatypes.EnactingLink
		if err := rows.Scan(&l.Source, &l.Target, &l.Kind); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ReplaceOutgoingLinks replaces the outgoing links of source with desired.
//
// # Description
//
// Computes a diff against the committed set and applies only the removed and
// added edges, inside one transaction. Unchanged edges are never rewritten.
// The source and every desired target must exist; self-loops are allowed.
// When kinds is non-empty only edges of those kinds are replaced.
//
// # Inputs
//
//   - ctx: Transaction context.
//   - source: Instrument whose outgoing set is replaced.
//   - desired: The complete desired set (within kinds).
//   - kinds: Optional replacement scope.
//
// # Outputs
//
//   - datatypes.LinkDiff: What changed. Empty on a repeated call.
//   - error: NotFound for a missing source, GraphConflict naming the first
//     missing target, or a storage error. Nothing is written on error.
func (s *Store) ReplaceOutgoingLinks(ctx context.Context, source string, desired []datatypes.LinkTarget, kinds ...datatypes.LinkKind) (datatypes.LinkDiff, error) {
	var diff datatypes.LinkDiff

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getInstrument(ctx, tx, source); err != nil {
			return err
		}
		targets := make([]string, 0, len(desired))
		for _, d := range desired {
			if !d.Kind.Valid() {
				return datatypes.NewError(datatypes.KindGraphConflict, source, "unknown link kind %q", d.Kind)
			}
			targets = append(targets, d.Target)
		}
		missing, err := missingInstruments(ctx, tx, targets)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return datatypes.NewError(datatypes.KindGraphConflict, source,
				"link target does not exist: %s", strings.Join(missing, ", "))
		}

		current, err := queryLinks(ctx, tx,
			`SELECT source, target, kind FROM enacting_links WHERE source = ?`, source)
		if err != nil {
			return err
		}
		diff = graph.Diff(source, current, desired, kinds...)

		for _, l := range diff.Removed {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM enacting_links WHERE source = ? AND target = ? AND kind = ?`,
				l.Source, l.Target, l.Kind); err != nil {
				return fmt.Errorf("delete link %s: %w", l, err)
			}
		}
		now := s.now()
		for _, l := range diff.Added {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO enacting_links (source, target, kind, created_at) VALUES (?, ?, ?, ?)`,
				l.Source, l.Target, l.Kind, now); err != nil {
				return fmt.Errorf("insert link %s: %w", l, err)
			}
		}
		return nil
	})
	if err != nil {
		return datatypes.LinkDiff{}, err
	}
	return diff, nil
}

// AddLinks inserts links that are not yet present, in one transaction.
//
// Links with a missing endpoint are skipped and reported rather than failing
// the batch. Links already present are ignored.
func (s *Store) AddLinks(ctx context.Context, links []datatypes.EnactingLink) ([]datatypes.EnactingLink, []datatypes.SkippedLink, error) {
	added := []datatypes.EnactingLink{}
	var skipped []datatypes.SkippedLink

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		for _, l := range links {
			missing, err := missingInstruments(ctx, tx, []string{l.Source, l.Target})
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				skipped = append(skipped, datatypes.SkippedLink{
					Link:   l,
					Reason: fmt.Sprintf("%s: endpoint does not exist: %s", datatypes.KindGraphConflict, strings.Join(missing, ", ")),
				})
				continue
			}
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO enacting_links (source, target, kind, created_at) VALUES (?, ?, ?, ?)`,
				l.Source, l.Target, l.Kind, now)
			if err != nil {
				return fmt.Errorf("insert link %s: %w", l, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added = append(added, l)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	graph.SortLinks(added)
	return added, skipped, nil
}
