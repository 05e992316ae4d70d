package runtime

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/cellsync/internal/graph"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/storage"
)

// TxState is a transaction's lifecycle state. Committed and aborted are
// terminal.
type TxState int

const (
	TxOpen TxState = iota + 1
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Tx buffers cell writes until Commit. Staged writes are invisible to
// Cell.Get; Tx.Get sees them.
type Tx struct {
	rt *Runtime
	id string
	// caller transactions count against Edit's one-at-a-time rule;
	// handler transactions do not.
	caller bool

	mu     sync.Mutex
	state  TxState
	writes []staged
}

type staged struct {
	cell  Cell
	value ir.Value
}

// Edit opens a transaction. Only one caller transaction may be open at a
// time; a second Edit before Commit or Abort returns ErrTransactionOpen.
func (rt *Runtime) Edit() (*Tx, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.disposed {
		return nil, ErrDisposed
	}
	if rt.open != nil {
		return nil, ErrTransactionOpen
	}
	tx := rt.newTx(true)
	rt.open = tx
	return tx, nil
}

func (rt *Runtime) newTx(caller bool) *Tx {
	return &Tx{rt: rt, id: rt.ids.Generate(), caller: caller, state: TxOpen}
}

// ID returns the transaction id.
func (tx *Tx) ID() string {
	return tx.id
}

// State returns the transaction's state.
func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Tx) stage(c Cell, v ir.Value) error {
	if c.rt != tx.rt {
		return ErrForeignTransaction
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxOpen {
		return &NoActiveTransactionError{Op: "set", Cell: c.String(), State: tx.state}
	}
	if v == nil {
		v = ir.Null{}
	}
	tx.writes = append(tx.writes, staged{cell: c, value: ir.Clone(v)})
	return nil
}

// Get reads c as this transaction would leave it.
func (tx *Tx) Get(c Cell) ir.Value {
	tx.mu.Lock()
	writes := slices.Clone(tx.writes)
	tx.mu.Unlock()

	rt := tx.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()

	doc := rt.docs[c.doc].value
	for _, w := range writes {
		if w.cell.doc != c.doc {
			continue
		}
		if next, err := ir.SetPath(doc, w.cell.path, w.value); err == nil {
			doc = next
		}
	}
	return c.resolve(doc)
}

// Abort discards the staged writes. Aborting a finished transaction does
// nothing.
func (tx *Tx) Abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxOpen {
		return
	}
	tx.finishLocked(TxAborted)
	tx.rt.incr(MetricAbortCount)
}

// finishLocked moves tx to a terminal state. Requires tx.mu.
func (tx *Tx) finishLocked(state TxState) {
	tx.state = state
	tx.writes = nil
	if tx.caller {
		tx.rt.mu.Lock()
		if tx.rt.open == tx {
			tx.rt.open = nil
		}
		tx.rt.mu.Unlock()
	}
}

// Commit validates every staged write, applies them all, propagates the
// graph and queues one batch per owner for the store. If any value fails
// its schema nothing is applied, the transaction is aborted and the
// *SchemaValidationError is returned.
//
// The returned Commit resolves once the store has accepted or rejected
// the batches; local state is already updated when Commit returns.
func (tx *Tx) Commit() (*Commit, error) {
	tx.mu.Lock()
	c, calls, err := tx.commitLocked()
	tx.mu.Unlock()

	// Observers may read the transaction they were notified by.
	calls.run()
	return c, err
}

func (tx *Tx) commitLocked() (*Commit, notifications, error) {
	if tx.state != TxOpen {
		return nil, nil, &NoActiveTransactionError{Op: "commit", Cell: "tx " + tx.id, State: tx.state}
	}

	rt := tx.rt
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		tx.finishLocked(TxAborted)
		return nil, nil, ErrDisposed
	}

	next, err := rt.stageLocked(tx.writes)
	if err != nil {
		rt.mu.Unlock()
		tx.finishLocked(TxAborted)
		rt.incr(MetricAbortCount)
		return nil, nil, err
	}

	c := newCommit(tx.id)
	st := rt.newStore()
	changed := make([]graph.Address, 0, len(tx.writes))
	for _, id := range slices.Sorted(maps.Keys(next)) {
		d := rt.docs[id]
		st.remember(d)
		d.value = next[id]
		st.dirty[id] = struct{}{}
	}
	for _, w := range tx.writes {
		changed = append(changed, w.cell.address())
	}
	res := rt.graph.Propagate(changed, st)
	for _, err := range res.Errors {
		rt.publish(err)
	}
	calls := rt.observeLocked(st.before)
	rt.sendLocked(st.dirty, c)
	rt.incr(MetricCommitCount)
	rt.mu.Unlock()

	tx.finishLocked(TxCommitted)
	rt.logger.Debug("transaction committed",
		"tx", tx.id,
		"writes", len(changed),
		"evaluated", len(res.Evaluated),
	)
	return c, calls, nil
}

// stageLocked computes every touched document's next value and checks
// each written cell against its schema. The arena is not modified.
func (rt *Runtime) stageLocked(writes []staged) (map[graph.DocID]ir.Value, error) {
	next := make(map[graph.DocID]ir.Value)
	for _, w := range writes {
		doc, ok := next[w.cell.doc]
		if !ok {
			doc = rt.docs[w.cell.doc].value
		}
		updated, err := ir.SetPath(doc, w.cell.path, w.value)
		if err != nil {
			return nil, err
		}
		next[w.cell.doc] = updated
	}

	// Validate the final view of every written cell, so a later write at a
	// child path cannot slip an invalid value under an earlier parent.
	for _, w := range writes {
		v, ok := ir.GetPath(next[w.cell.doc], w.cell.path)
		if !ok {
			continue
		}
		if err := w.cell.schema.Validate(v); err != nil {
			return nil, withPath(err, w.cell.path)
		}
	}
	return next, nil
}

// withPath stamps the cell path on a validation error.
func withPath(err error, path ir.Path) error {
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	out := *ve
	out.Path = path.Append()
	return &out
}

// Commit tracks a committed transaction's batches.
type Commit struct {
	id       string
	receipts []*storage.Receipt

	mu        sync.Mutex
	remaining int
	err       error
	settled   chan struct{}
}

func newCommit(id string) *Commit {
	return &Commit{id: id, settled: make(chan struct{})}
}

// ID returns the transaction id.
func (c *Commit) ID() string {
	return c.id
}

// Receipts returns the storage receipts, one per owner written.
func (c *Commit) Receipts() []*storage.Receipt {
	return slices.Clone(c.receipts)
}

// Err returns the first batch error, nil while pending or on success.
func (c *Commit) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until every batch has been accepted or rejected and the
// runtime has applied the outcome: after a conflict, the documents already
// hold the store's version when Wait returns the *storage.ConflictError.
// If ctx ends first while a provider is disconnected Wait returns a
// *storage.ConnectionError; the batches stay queued.
func (c *Commit) Wait(ctx context.Context) error {
	select {
	case <-c.settled:
		return c.Err()
	case <-ctx.Done():
	}
	for _, r := range c.receipts {
		select {
		case <-r.Done():
		default:
			return r.Wait(ctx)
		}
	}
	return ctx.Err()
}

// expect sets the number of batches; zero settles immediately.
func (c *Commit) expect(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining = n
	if n == 0 {
		close(c.settled)
	}
}

func (c *Commit) done(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining == 0 {
		return
	}
	if err != nil && c.err == nil {
		c.err = err
	}
	c.remaining--
	if c.remaining == 0 {
		close(c.settled)
	}
}
