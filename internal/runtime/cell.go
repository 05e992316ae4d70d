package runtime

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/roach88/cellsync/internal/graph"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/wire"
)

// Cell is a schema-constrained view of a document at a path. Cells are
// values; copying one is free and every copy addresses the same storage.
type Cell struct {
	rt     *Runtime
	doc    graph.DocID
	path   ir.Path
	schema *schema.Schema
}

// Key narrows the cell to path + child. The schema narrows with it.
func (c Cell) Key(child ...string) Cell {
	return Cell{rt: c.rt, doc: c.doc, path: c.path.Append(child...), schema: c.schema.At(child)}
}

// Path returns the cell's path inside its document.
func (c Cell) Path() ir.Path {
	return c.path.Append()
}

// Schema returns the cell's schema.
func (c Cell) Schema() *schema.Schema {
	return c.schema
}

// URI returns the document URI.
func (c Cell) URI() string {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	return c.rt.docs[c.doc].uri
}

// Owner returns the identity whose space holds the document.
func (c Cell) Owner() string {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()
	return c.rt.docs[c.doc].owner
}

// String renders the cell for logs and errors.
func (c Cell) String() string {
	return c.URI() + "/" + c.path.String()
}

func (c Cell) address() graph.Address {
	return graph.Address{Doc: c.doc, Path: c.path.Append()}
}

// Get returns the committed value at the cell's path. An absent value
// reads as the schema's default, or null when the schema has none. The
// first read of a document starts its subscription.
func (c Cell) Get() ir.Value {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()

	d := c.rt.docs[c.doc]
	if _, err := c.rt.watchLocked(d); err != nil && !errors.Is(err, ErrDisposed) {
		c.rt.logger.Warn("watch document", "uri", d.uri, "error", err)
	}
	return c.resolve(d.value)
}

// resolve reads the cell's path out of a document value.
func (c Cell) resolve(doc ir.Value) ir.Value {
	return c.fill(ir.GetPath(doc, c.path))
}

// fill clamps a value read at the cell's path to its schema. A value the
// schema rejects reads like an absent one, and the rejection is published
// on Errors.
func (c Cell) fill(v ir.Value, ok bool) ir.Value {
	out, err := c.clamp(v, ok)
	if err != nil {
		c.rt.publish(err)
	}
	return out
}

// clamp is fill without publishing. An absent value reads as the schema's
// default, or null when the schema has none.
func (c Cell) clamp(v ir.Value, ok bool) (ir.Value, error) {
	var err error
	if ok {
		if _, null := v.(ir.Null); !null {
			if err = c.schema.Conforms(v); err == nil {
				return ir.Clone(v), nil
			}
			err = withPath(err, c.path)
		}
	}
	if def, ok := c.schema.Default(); ok {
		return def, err
	}
	return ir.Null{}, err
}

// Sync subscribes to the cell's sub-tree and returns once the store has
// acknowledged it and its snapshot has been applied. Repeated calls for
// the same path and schema share one subscription. There is no implicit
// deadline; bound the wait with ctx.
func (c Cell) Sync(ctx context.Context) error {
	c.rt.mu.Lock()
	d := c.rt.docs[c.doc]
	p, err := c.rt.watchLocked(d)
	uri := d.uri
	c.rt.mu.Unlock()
	if err != nil {
		return err
	}

	sel := wire.Selector{Path: c.path.Append(), Schema: c.schema.Source()}
	if err := p.Sync(ctx, uri, sel); err != nil {
		return err
	}
	return c.rt.sched.Idle(ctx)
}

// Set stages v at the cell's path in tx. The value is validated when tx
// commits.
func (c Cell) Set(tx *Tx, v ir.Value) error {
	if tx == nil {
		return &NoActiveTransactionError{Op: "set", Cell: c.String()}
	}
	return tx.stage(c, v)
}

// Observe registers fn to run with the cell's new value after each commit
// or remote version that changes it. The returned func removes it.
func (c Cell) Observe(fn func(ir.Value)) func() {
	rt := c.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.nextObs++
	id := rt.nextObs
	if rt.observers[c.doc] == nil {
		rt.observers[c.doc] = make(map[int]*observer)
	}
	rt.observers[c.doc][id] = &observer{cell: c, fn: fn}

	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		delete(rt.observers[c.doc], id)
	}
}

type observer struct {
	cell Cell
	fn   func(ir.Value)
}

// notifications are observer calls collected under the lock.
type notifications []func()

func (n notifications) run() {
	for _, fn := range n {
		fn()
	}
}

// observeLocked diffs each changed document against its previous value and
// returns calls for the observers whose view changed.
func (rt *Runtime) observeLocked(before map[graph.DocID]ir.Value) notifications {
	var calls notifications
	for _, id := range slices.Sorted(maps.Keys(before)) {
		obs := rt.observers[id]
		if len(obs) == 0 {
			continue
		}
		current := rt.docs[id].value
		for _, oid := range slices.Sorted(maps.Keys(obs)) {
			o := obs[oid]
			prev, _ := o.cell.clamp(ir.GetPath(before[id], o.cell.path))
			next := o.cell.resolve(current)
			if ir.Equal(prev, next) {
				continue
			}
			calls = append(calls, func() { o.fn(next) })
		}
	}
	return calls
}
