package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/cellsync/internal/wire"
)

// BadgerConfig configures OpenBadger.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory; used by tests and the
	// "memory" server driver.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var _ Backend = (*Badger)(nil)

// Badger is the BadgerDB Backend.
//
// Key layout:
//
//	d/<space>\x00<uri>     -> documentRow JSON
//	c/<space>\x00<batchID> -> map[uri]marker JSON
//	m/max                  -> big-endian uint64 highest marker
type Badger struct {
	db *badger.DB
}

type documentRow struct {
	Value  json.RawMessage `json:"value"`
	Marker wire.Marker     `json:"marker"`
}

var maxMarkerKey = []byte("m/max")

// OpenBadger opens a Badger backend.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: badger path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Badger{db: db}, nil
}

func documentKey(space, uri string) []byte {
	return []byte("d/" + space + "\x00" + uri)
}

func commitKey(space, batchID string) []byte {
	return []byte("c/" + space + "\x00" + batchID)
}

// Load implements Backend.
func (b *Badger) Load(_ context.Context, space, uri string) (Record, error) {
	rec := missing(uri)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(documentKey(space, uri))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var row documentRow
			if err := json.Unmarshal(val, &row); err != nil {
				return err
			}
			v, err := unmarshalValue(string(row.Value))
			if err != nil {
				return err
			}
			rec.Value, rec.Marker = v, row.Marker
			return nil
		})
	})
	if err != nil {
		return Record{}, fmt.Errorf("load %s: %w", uri, err)
	}
	return rec, nil
}

// Apply implements Backend.
func (b *Badger) Apply(_ context.Context, space, batchID string, records []Record) error {
	if len(records) == 0 {
		return ErrEmptyBatch
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		ckey := commitKey(space, batchID)
		if _, err := txn.Get(ckey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		markers := make(map[string]wire.Marker, len(records))
		var highest wire.Marker
		for _, rec := range records {
			markers[rec.URI] = rec.Marker
			highest = max(highest, rec.Marker)

			valueJSON, err := marshalValue(rec.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", rec.URI, err)
			}
			current, err := b.markerIn(txn, space, rec.URI)
			if err != nil {
				return err
			}
			if rec.Marker <= current {
				continue
			}
			row, err := json.Marshal(documentRow{Value: json.RawMessage(valueJSON), Marker: rec.Marker})
			if err != nil {
				return err
			}
			if err := txn.Set(documentKey(space, rec.URI), row); err != nil {
				return err
			}
		}

		data, err := json.Marshal(markers)
		if err != nil {
			return err
		}
		if err := txn.Set(ckey, data); err != nil {
			return err
		}
		return b.raiseMax(txn, highest)
	})
	if err != nil {
		return fmt.Errorf("apply batch %s: %w", batchID, err)
	}
	return nil
}

func (b *Badger) markerIn(txn *badger.Txn, space, uri string) (wire.Marker, error) {
	item, err := txn.Get(documentKey(space, uri))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var row documentRow
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	})
	return row.Marker, err
}

func (b *Badger) raiseMax(txn *badger.Txn, marker wire.Marker) error {
	current, err := maxIn(txn)
	if err != nil {
		return err
	}
	if int64(marker) <= current {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(marker))
	return txn.Set(maxMarkerKey, buf)
}

func maxIn(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(maxMarkerKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var out int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt max marker: %d bytes", len(val))
		}
		out = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return out, err
}

// LookupBatch implements Backend.
func (b *Badger) LookupBatch(_ context.Context, space, batchID string) (map[string]wire.Marker, bool, error) {
	var markers map[string]wire.Marker
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(commitKey(space, batchID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &markers)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("lookup batch %s: %w", batchID, err)
	}
	return markers, markers != nil, nil
}

// MaxMarker implements Backend.
func (b *Badger) MaxMarker(_ context.Context) (int64, error) {
	var out int64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = maxIn(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("max marker: %w", err)
	}
	return out, nil
}

// Close implements Backend.
func (b *Badger) Close() error {
	return b.db.Close()
}
