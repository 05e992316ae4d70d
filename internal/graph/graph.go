package graph

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/cellsync/internal/ir"
)

// DocID is a runtime-owned arena index for a document.
type DocID int

// Address is a path inside a document.
type Address struct {
	Doc  DocID
	Path ir.Path
}

// Overlaps reports whether a write at one address can change the value
// read at the other.
func (a Address) Overlaps(b Address) bool {
	return a.Doc == b.Doc && a.Path.Overlaps(b.Path)
}

// String renders the address for logs.
func (a Address) String() string {
	return fmt.Sprintf("%d:/%s", a.Doc, a.Path)
}

// NodeID identifies a node for its whole lifetime. Ids are never reused.
type NodeID int

// Kind tags a node's variant.
type Kind int

const (
	// KindDerivation is a pure recomputation.
	KindDerivation Kind = iota + 1
	// KindHandler is an event-triggered function.
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindDerivation:
		return "derivation"
	case KindHandler:
		return "handler"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Store is the committed state derivations read from and write to.
type Store interface {
	// Read returns the value at addr, or nil when absent.
	Read(addr Address) ir.Value
	// Write stores v at addr. Errors (such as schema violations) fail
	// the writing derivation.
	Write(addr Address, v ir.Value) error
}

// DeriveFunc computes a derivation's output. Every read must go through the
// log so the graph can track dependencies.
type DeriveFunc func(log *ReadLog) (ir.Value, error)

// Derivation is the payload of a KindDerivation node.
type Derivation struct {
	Out Address
	Fn  DeriveFunc
}

// Handler is the payload of a KindHandler node. Invoke runs once per
// matching event; the runtime wraps it so writes go to a new transaction.
type Handler struct {
	Trigger string
	Invoke  func(payload ir.Value) error
}

type read struct {
	addr  Address
	value ir.Value
}

type node struct {
	id          NodeID
	name        string
	kind        Kind
	derivation  Derivation
	handler     Handler
	reads       []read
	evaluations int
}

// ReadLog records the addresses one evaluation reads.
type ReadLog struct {
	store Store
	reads []read
}

// Get reads addr and records it as a dependency. Absent values read as nil.
func (l *ReadLog) Get(addr Address) ir.Value {
	v := l.store.Read(addr)
	for _, r := range l.reads {
		if r.addr.Doc == addr.Doc && r.addr.Path.Equal(addr.Path) {
			return v
		}
	}
	l.reads = append(l.reads, read{addr: Address{Doc: addr.Doc, Path: addr.Path.Append()}, value: v})
	return v
}

// Result summarizes one propagation.
type Result struct {
	// Evaluated lists derivations that ran, in evaluation order.
	Evaluated []NodeID
	// Written lists output addresses whose value changed.
	Written []Address
	// Errors holds one *DerivationError per failed derivation.
	Errors []error
}

func (r *Result) merge(other Result) {
	r.Evaluated = append(r.Evaluated, other.Evaluated...)
	r.Written = append(r.Written, other.Written...)
	r.Errors = append(r.Errors, other.Errors...)
}

// Graph holds derivation and handler nodes and the edges between them.
type Graph struct {
	nodes    map[NodeID]*node
	next     NodeID
	readers  map[DocID]map[NodeID]struct{}
	triggers map[string][]NodeID
	logger   *slog.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger used for derivation failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = l
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:    make(map[NodeID]*node),
		readers:  make(map[DocID]map[NodeID]struct{}),
		triggers: make(map[string][]NodeID),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddDerivation registers a derivation and evaluates it once against store.
// If its first reads would close a synchronous cycle the node is removed
// and the returned error wraps ErrCycle. Dependents of the output are
// propagated before returning.
func (g *Graph) AddDerivation(name string, d Derivation, store Store) (NodeID, Result, error) {
	g.next++
	n := &node{id: g.next, name: name, kind: KindDerivation, derivation: d}
	g.nodes[n.id] = n

	changed, err := g.evaluate(n, store)
	if err != nil {
		if IsCycleError(err) {
			g.remove(n.id)
			return 0, Result{}, err
		}
		return n.id, Result{Evaluated: []NodeID{n.id}, Errors: []error{err}}, nil
	}

	res := Result{Evaluated: []NodeID{n.id}}
	if changed {
		res.Written = append(res.Written, d.Out)
		res.merge(g.Propagate([]Address{d.Out}, store))
	}
	return n.id, res, nil
}

// AddHandler registers a handler for trigger. Handlers with the same trigger
// run in registration order.
func (g *Graph) AddHandler(name string, h Handler) NodeID {
	g.next++
	n := &node{id: g.next, name: name, kind: KindHandler, handler: h}
	g.nodes[n.id] = n
	g.triggers[h.Trigger] = append(g.triggers[h.Trigger], n.id)
	return n.id
}

// Handlers returns the handlers registered for trigger.
func (g *Graph) Handlers(trigger string) []Handler {
	ids := g.triggers[trigger]
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].handler)
	}
	return out
}

// Remove drops a node and all of its edges.
func (g *Graph) Remove(id NodeID) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("remove %d: %w", id, ErrUnknownNode)
	}
	g.remove(id)
	return nil
}

func (g *Graph) remove(id NodeID) {
	n := g.nodes[id]
	g.setReads(n, nil)
	if n.kind == KindHandler {
		t := n.handler.Trigger
		g.triggers[t] = slices.DeleteFunc(g.triggers[t], func(x NodeID) bool { return x == id })
		if len(g.triggers[t]) == 0 {
			delete(g.triggers, t)
		}
	}
	delete(g.nodes, id)
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Evaluations returns how many times a derivation has run.
func (g *Graph) Evaluations(id NodeID) int {
	if n, ok := g.nodes[id]; ok {
		return n.evaluations
	}
	return 0
}

// Dependencies returns the addresses a derivation read on its last
// evaluation.
func (g *Graph) Dependencies(id NodeID) []Address {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Address, len(n.reads))
	for i, r := range n.reads {
		out[i] = r.addr
	}
	return out
}

// Dependents returns derivations that read an address overlapping id's
// output, sorted by id.
func (g *Graph) Dependents(id NodeID) []NodeID {
	n, ok := g.nodes[id]
	if !ok || n.kind != KindDerivation {
		return nil
	}
	return g.readersOf([]Address{n.derivation.Out})
}

// readersOf returns derivations with a read overlapping any of addrs.
func (g *Graph) readersOf(addrs []Address) []NodeID {
	seen := make(map[NodeID]struct{})
	for _, a := range addrs {
		for id := range g.readers[a.Doc] {
			if _, dup := seen[id]; dup {
				continue
			}
			for _, r := range g.nodes[id].reads {
				if r.addr.Overlaps(a) {
					seen[id] = struct{}{}
					break
				}
			}
		}
	}
	out := make([]NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Propagate recomputes derivations affected by writes at changed.
//
// Candidates are every derivation transitively downstream of changed.
// They are visited once each in topological order; a candidate runs only
// when a value it read last time differs from the store now. A derivation
// whose output deep-equals the stored value writes nothing, so its
// dependents see unchanged inputs and are skipped.
func (g *Graph) Propagate(changed []Address, store Store) Result {
	var res Result
	if len(changed) == 0 {
		return res
	}

	order, err := g.topoOrder(g.affected(changed))
	if err != nil {
		g.logger.Error("propagation aborted", "error", err)
		res.Errors = append(res.Errors, err)
		return res
	}

	for _, id := range order {
		n, ok := g.nodes[id]
		if !ok || !g.stale(n, store) {
			continue
		}
		res.Evaluated = append(res.Evaluated, id)
		wrote, err := g.evaluate(n, store)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if wrote {
			res.Written = append(res.Written, n.derivation.Out)
		}
	}
	return res
}

// affected returns every derivation reachable from changed along edges.
func (g *Graph) affected(changed []Address) map[NodeID]struct{} {
	out := make(map[NodeID]struct{})
	queue := g.readersOf(changed)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := out[id]; seen {
			continue
		}
		out[id] = struct{}{}
		queue = append(queue, g.Dependents(id)...)
	}
	return out
}

// topoOrder sorts set so producers come before their readers. Ties break
// by node id, which keeps evaluation order deterministic.
func (g *Graph) topoOrder(set map[NodeID]struct{}) ([]NodeID, error) {
	indegree := make(map[NodeID]int, len(set))
	edges := make(map[NodeID][]NodeID, len(set))
	for id := range set {
		indegree[id] += 0
		for _, dep := range g.Dependents(id) {
			if _, in := set[dep]; in {
				edges[id] = append(edges[id], dep)
				indegree[dep]++
			}
		}
	}

	var ready []NodeID
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)

	order := make([]NodeID, 0, len(set))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range edges[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				slices.Sort(ready)
			}
		}
	}

	if len(order) != len(set) {
		return nil, fmt.Errorf("%d of %d derivations unordered: %w", len(set)-len(order), len(set), ErrCycle)
	}
	return order, nil
}

// stale reports whether any recorded input differs from the store.
func (g *Graph) stale(n *node, store Store) bool {
	if n.kind != KindDerivation {
		return false
	}
	for _, r := range n.reads {
		if !ir.Equal(r.value, store.Read(r.addr)) {
			return true
		}
	}
	return false
}

// evaluate runs a derivation, updates its edges and writes its output when
// it changed. It reports whether the store was written.
func (g *Graph) evaluate(n *node, store Store) (wrote bool, err error) {
	n.evaluations++
	log := &ReadLog{store: store}

	v, err := runDerive(n.derivation.Fn, log)
	if err != nil {
		// Keep any reads made before the failure so fixing an input retriggers.
		if len(log.reads) > 0 {
			g.setReads(n, log.reads)
		}
		return false, g.fail(n, err)
	}

	prev := n.reads
	g.setReads(n, log.reads)
	if g.reaches(n.id, n.id) {
		g.setReads(n, prev)
		return false, g.fail(n, ErrCycle)
	}

	if ir.Equal(store.Read(n.derivation.Out), v) {
		return false, nil
	}
	if err := store.Write(n.derivation.Out, v); err != nil {
		return false, g.fail(n, err)
	}
	return true, nil
}

func runDerive(fn DeriveFunc, log *ReadLog) (v ir.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(log)
}

func (g *Graph) fail(n *node, err error) error {
	g.logger.Warn("derivation failed",
		"node", n.id,
		"name", n.name,
		"error", err,
	)
	return &DerivationError{Node: n.id, Name: n.name, Err: err}
}

// reaches reports whether target is reachable from start's dependents.
func (g *Graph) reaches(start, target NodeID) bool {
	visited := make(map[NodeID]bool)
	stack := g.Dependents(start)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, g.Dependents(id)...)
	}
	return false
}

// setReads replaces a node's read set and keeps the per-document reader
// index in step with it.
func (g *Graph) setReads(n *node, reads []read) {
	for _, r := range n.reads {
		if set := g.readers[r.addr.Doc]; set != nil {
			delete(set, n.id)
			if len(set) == 0 {
				delete(g.readers, r.addr.Doc)
			}
		}
	}
	n.reads = reads
	for _, r := range reads {
		set := g.readers[r.addr.Doc]
		if set == nil {
			set = make(map[NodeID]struct{})
			g.readers[r.addr.Doc] = set
		}
		set[n.id] = struct{}{}
	}
}
