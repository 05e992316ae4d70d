package store

import (
	"context"
	"fmt"

	"github.com/roach88/cellsync/internal/ir"
)

// Apply persists a write batch in one SQL transaction.
//
// The commit log insert uses ON CONFLICT DO NOTHING: if the batch id is
// already known for the space nothing changes and Apply returns nil.
// Document rows only move forward, so a stale record never overwrites a
// newer marker.
func (s *Store) Apply(ctx context.Context, space, batchID string, records []Record) error {
	if len(records) == 0 {
		return ErrEmptyBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply batch %s: begin tx: %w", batchID, err)
	}
	defer tx.Rollback() // No-op if committed

	var known int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commits WHERE space = ? AND batch_id = ?`,
		space, batchID,
	).Scan(&known)
	if err != nil {
		return fmt.Errorf("apply batch %s: %w", batchID, err)
	}
	if known > 0 {
		return nil
	}

	for _, rec := range records {
		valueJSON, err := marshalValue(rec.Value)
		if err != nil {
			return fmt.Errorf("apply batch %s: %s: %w", batchID, rec.URI, err)
		}
		hash, err := ir.ValueHash(rec.Value)
		if err != nil {
			return fmt.Errorf("apply batch %s: %s: %w", batchID, rec.URI, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO commits (space, batch_id, uri, marker, value_hash)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, space, batchID, rec.URI, int64(rec.Marker), hash)
		if err != nil {
			return fmt.Errorf("apply batch %s: commit %s: %w", batchID, rec.URI, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (space, uri, value, marker)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(space, uri) DO UPDATE SET
				value = excluded.value,
				marker = excluded.marker
			WHERE excluded.marker > documents.marker
		`, space, rec.URI, valueJSON, int64(rec.Marker))
		if err != nil {
			return fmt.Errorf("apply batch %s: document %s: %w", batchID, rec.URI, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply batch %s: commit tx: %w", batchID, err)
	}
	return nil
}
