package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cellsync/internal/wire"
)

// Load returns the latest version of uri in space.
func (s *Store) Load(ctx context.Context, space, uri string) (Record, error) {
	var (
		valueJSON string
		marker    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, marker FROM documents WHERE space = ? AND uri = ?`,
		space, uri,
	).Scan(&valueJSON, &marker)
	if errors.Is(err, sql.ErrNoRows) {
		return missing(uri), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load %s: %w", uri, err)
	}

	v, err := unmarshalValue(valueJSON)
	if err != nil {
		return Record{}, fmt.Errorf("load %s: %w", uri, err)
	}
	return Record{URI: uri, Value: v, Marker: wire.Marker(marker)}, nil
}

// LookupBatch returns the markers batchID was applied with.
func (s *Store) LookupBatch(ctx context.Context, space, batchID string) (map[string]wire.Marker, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, marker FROM commits
		WHERE space = ? AND batch_id = ?
		ORDER BY uri ASC
	`, space, batchID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup batch %s: %w", batchID, err)
	}
	defer rows.Close()

	markers := make(map[string]wire.Marker)
	for rows.Next() {
		var (
			uri    string
			marker int64
		)
		if err := rows.Scan(&uri, &marker); err != nil {
			return nil, false, fmt.Errorf("lookup batch %s: scan: %w", batchID, err)
		}
		markers[uri] = wire.Marker(marker)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("lookup batch %s: %w", batchID, err)
	}
	if len(markers) == 0 {
		return nil, false, nil
	}
	return markers, true, nil
}

// MaxMarker returns the highest marker in the commit log, 0 when empty.
func (s *Store) MaxMarker(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(marker) FROM commits`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max marker: %w", err)
	}
	return max.Int64, nil
}
