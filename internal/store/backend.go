package store

import (
	"context"
	"errors"

	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/wire"
)

// ErrEmptyBatch is returned by Apply for a batch with no records.
var ErrEmptyBatch = errors.New("store: empty batch")

// Record is one document version.
type Record struct {
	URI    string
	Value  ir.Value
	Marker wire.Marker
}

// Backend is durable document storage for the reference store.
//
// Apply is all-or-nothing and idempotent on (space, batchID): re-applying
// a known batch is a no-op. Conflict detection is the caller's job.
type Backend interface {
	// Load returns the latest version of uri. A missing document is
	// Record{URI: uri, Value: ir.Null{}, Marker: 0}.
	Load(ctx context.Context, space, uri string) (Record, error)
	Apply(ctx context.Context, space, batchID string, records []Record) error
	// LookupBatch returns the markers a batch was applied with.
	LookupBatch(ctx context.Context, space, batchID string) (map[string]wire.Marker, bool, error)
	// MaxMarker returns the highest marker persisted in any space.
	MaxMarker(ctx context.Context) (int64, error)
	Close() error
}

func missing(uri string) Record {
	return Record{URI: uri, Value: ir.Null{}}
}
