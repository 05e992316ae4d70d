package runtime

import (
	"errors"

	"github.com/roach88/cellsync/internal/graph"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/storage"
	"github.com/roach88/cellsync/internal/wire"
)

type docKey struct {
	owner string
	seed  string
}

// document is one arena slot. Slots are never freed; a DocID stays valid
// for the runtime's lifetime.
type document struct {
	id    graph.DocID
	owner string
	seed  string
	uri   string

	// value is nil until the store's snapshot or a local write arrives.
	value ir.Value
	// marker is the store version value is based on; confirmed is the
	// value the store holds at marker.
	marker    wire.Marker
	confirmed ir.Value
	// pending counts batches for this document not yet settled.
	pending int
	// parked is the newest remote version that arrived while pending > 0.
	parked *storage.Update
	// failed is set when a batch for this document was rejected and the
	// revert waits for the document's other batches.
	failed bool

	watching bool
	unsink   func()
}

// docStore adapts the arena to graph.Store for one propagation. It
// remembers each document's value before the first write so observers
// can be diffed, and which documents now need sending.
type docStore struct {
	rt     *Runtime
	before map[graph.DocID]ir.Value
	dirty  map[graph.DocID]struct{}
}

func (rt *Runtime) newStore() *docStore {
	return &docStore{
		rt:     rt,
		before: make(map[graph.DocID]ir.Value),
		dirty:  make(map[graph.DocID]struct{}),
	}
}

func (s *docStore) remember(d *document) {
	if _, ok := s.before[d.id]; !ok {
		s.before[d.id] = d.value
	}
}

// Read implements graph.Store.
func (s *docStore) Read(addr graph.Address) ir.Value {
	d := s.rt.docs[addr.Doc]
	if _, err := s.rt.watchLocked(d); err != nil && !errors.Is(err, ErrDisposed) {
		s.rt.logger.Warn("watch document", "uri", d.uri, "error", err)
	}
	v, _ := ir.GetPath(d.value, addr.Path)
	return v
}

// Write implements graph.Store. Values are checked against the schema of
// the cell the derivation was registered with.
func (s *docStore) Write(addr graph.Address, v ir.Value) error {
	if sch, ok := s.rt.outputs[addressKey(addr)]; ok {
		if err := sch.Validate(v); err != nil {
			return withPath(err, addr.Path)
		}
	}
	d := s.rt.docs[addr.Doc]
	next, err := ir.SetPath(d.value, addr.Path, v)
	if err != nil {
		return err
	}
	s.remember(d)
	d.value = next
	s.dirty[d.id] = struct{}{}
	return nil
}

func addressKey(a graph.Address) string {
	return a.String()
}
