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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
)

// ReplaceAnnotation atomically supersedes the annotation of ann.Instrument.
//
// # Description
//
// The previous annotation, if any, is replaced wholesale; fields are never
// merged. ParsedAt is raised to at least one microsecond past the previous
// value so it strictly increases per instrument even under clock skew.
//
// # Outputs
//
//   - *datatypes.ParseAnnotation: The stored annotation with its final ParsedAt.
//   - error: NotFound when the instrument does not exist.
func (s *Store) ReplaceAnnotation(ctx context.Context, ann datatypes.ParseAnnotation) (*datatypes.ParseAnnotation, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getInstrument(ctx, tx, ann.Instrument); err != nil {
			return err
		}

		var prev int64
		err := tx.QueryRowContext(ctx,
			`SELECT parsed_at FROM parse_annotations WHERE instrument = ?`, ann.Instrument,
		).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read annotation %s: %w", ann.Instrument, err)
		}
		if ann.ParsedAt <= prev {
			ann.ParsedAt = prev + 1000
		}

		doc, err := json.Marshal(ann)
		if err != nil {
			return fmt.Errorf("encode annotation %s: %w", ann.Instrument, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO parse_annotations (instrument, document, parsed_at) VALUES (?, ?, ?)`,
			ann.Instrument, string(doc), ann.ParsedAt)
		if err != nil {
			return fmt.Errorf("write annotation %s: %w", ann.Instrument, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ann, nil
}

// GetAnnotation returns the current annotation of name, or NotFound.
func (s *Store) GetAnnotation(ctx context.Context, name string) (*datatypes.ParseAnnotation, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM parse_annotations WHERE instrument = ?`, name,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datatypes.NotFound(name, "annotation")
	}
	if err != nil {
		return nil, fmt.Errorf("get annotation %s: %w", name, err)
	}

	var ann datatypes.ParseAnnotation
	if err := json.Unmarshal([]byte(doc), &ann); err != nil {
		return nil, fmt.Errorf("decode annotation %s: %w", name, err)
	}
	return &ann, nil
}
