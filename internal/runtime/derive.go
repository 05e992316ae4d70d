package runtime

import (
	"github.com/roach88/cellsync/internal/graph"
	"github.com/roach88/cellsync/internal/ir"
)

// Reader is handed to a derivation. Every cell it reads becomes a
// dependency edge for the evaluation.
type Reader struct {
	log *graph.ReadLog
}

// Get reads c and records the read.
func (r *Reader) Get(c Cell) ir.Value {
	v := r.log.Get(c.address())
	return c.fill(v, v != nil)
}

// DeriveFunc computes a derivation's output from the cells it reads. It
// runs under the runtime lock: read through r, never Cell.Get.
type DeriveFunc func(r *Reader) (ir.Value, error)

// Derivation is a registered derivation.
type Derivation struct {
	rt *Runtime
	id graph.NodeID
}

// Derive registers fn as the derivation of out and evaluates it once.
// It re-runs whenever a cell it read changes; an output equal to the
// current value writes nothing and does not wake out's dependents.
// Outputs are validated against out's schema and sent to the store like
// committed writes.
func (rt *Runtime) Derive(name string, out Cell, fn DeriveFunc) (*Derivation, error) {
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		return nil, ErrDisposed
	}

	addr := out.address()
	rt.outputs[addressKey(addr)] = out.schema
	st := rt.newStore()
	id, res, err := rt.graph.AddDerivation(name, graph.Derivation{
		Out: addr,
		Fn: func(log *graph.ReadLog) (ir.Value, error) {
			return fn(&Reader{log: log})
		},
	}, st)
	if err != nil {
		delete(rt.outputs, addressKey(addr))
		rt.mu.Unlock()
		return nil, err
	}
	for _, err := range res.Errors {
		rt.publish(err)
	}
	calls := rt.observeLocked(st.before)
	if len(st.dirty) > 0 {
		rt.sendLocked(st.dirty, nil)
	}
	rt.mu.Unlock()

	calls.run()
	return &Derivation{rt: rt, id: id}, nil
}

// ID returns the derivation's graph node id.
func (d *Derivation) ID() graph.NodeID {
	return d.id
}

// Evaluations returns how many times the derivation has run.
func (d *Derivation) Evaluations() int {
	d.rt.mu.Lock()
	defer d.rt.mu.Unlock()
	return d.rt.graph.Evaluations(d.id)
}

// Stop removes the derivation and its dependency edges. Its last output
// stays in place.
func (d *Derivation) Stop() error {
	d.rt.mu.Lock()
	defer d.rt.mu.Unlock()
	return d.rt.graph.Remove(d.id)
}

// HandlerFunc handles one event. Writes staged in tx commit when it
// returns nil and are discarded when it returns an error.
type HandlerFunc func(tx *Tx, payload ir.Value) error

// Handle registers fn for trigger. Handlers never run on value changes,
// only for events passed to Send. The returned func unregisters it.
func (rt *Runtime) Handle(trigger string, fn HandlerFunc) func() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id := rt.graph.AddHandler(trigger, graph.Handler{
		Trigger: trigger,
		Invoke: func(payload ir.Value) error {
			return rt.invoke(trigger, fn, payload)
		},
	})
	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		_ = rt.graph.Remove(id)
	}
}

// invoke runs one handler in a transaction of its own.
func (rt *Runtime) invoke(trigger string, fn HandlerFunc, payload ir.Value) error {
	tx := rt.newTx(false)
	if err := fn(tx, payload); err != nil {
		tx.Abort()
		return &HandlerError{Trigger: trigger, Err: err}
	}
	if tx.State() != TxOpen {
		return nil
	}
	if _, err := tx.Commit(); err != nil {
		return &HandlerError{Trigger: trigger, Err: err}
	}
	return nil
}
