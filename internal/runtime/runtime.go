package runtime

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/roach88/cellsync/internal/engine"
	"github.com/roach88/cellsync/internal/graph"
	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/storage"
	"github.com/roach88/cellsync/internal/wire"
)

// Config configures a Runtime.
type Config struct {
	// Endpoint is the store's websocket URL.
	Endpoint string
	// Signer authenticates every provider the runtime opens.
	Signer identity.Signer

	Dialer  storage.Dialer
	Backoff storage.BackoffSettings
	// IDs generates transaction and batch ids; UUIDv7 when nil.
	IDs engine.IDGenerator
	// ErrorBuffer sizes the Errors channel. Errors arriving while it is
	// full are logged and dropped.
	ErrorBuffer int

	MetricSink metrics.MetricSink
	Logger     *slog.Logger
}

// Runtime owns a document arena, a dependency graph, a scheduler loop and
// one storage provider per owner.
//
// Thread-safety model:
//   - every exported method is safe for concurrent use
//   - mu guards the arena, the graph and transaction bookkeeping
//   - remote versions, settled batches and handlers run on the scheduler
//     loop; commits run on the caller's goroutine
//   - observers run after mu is released
type Runtime struct {
	endpoint string
	signer   identity.Signer
	dialer   storage.Dialer
	backoff  storage.BackoffSettings
	ids      engine.IDGenerator
	logger   *slog.Logger
	msink    metrics.MetricSink

	sched  *engine.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error

	mu        sync.Mutex
	graph     *graph.Graph
	docs      []*document
	index     map[docKey]graph.DocID
	outputs   map[string]*schema.Schema
	providers map[string]*storage.Provider
	open      *Tx
	observers map[graph.DocID]map[int]*observer
	nextObs   int
	disposed  bool
	// outstanding counts batches sent but not yet settled on the loop.
	outstanding int
	// gen changes whenever new network work is started.
	gen uint64
	// notify is closed and replaced whenever outstanding drops.
	notify chan struct{}
}

// Open creates a runtime bound to cfg.Endpoint. Providers connect lazily,
// the first time a document of their owner is read, synced or written.
// ctx bounds the runtime's lifetime; Dispose ends it early.
func Open(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("runtime: endpoint is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("runtime: signer is required")
	}

	rt := &Runtime{
		endpoint:  cfg.Endpoint,
		signer:    cfg.Signer,
		dialer:    cfg.Dialer,
		backoff:   cfg.Backoff,
		ids:       cfg.IDs,
		logger:    cfg.Logger,
		msink:     cfg.MetricSink,
		index:     make(map[docKey]graph.DocID),
		outputs:   make(map[string]*schema.Schema),
		providers: make(map[string]*storage.Provider),
		observers: make(map[graph.DocID]map[int]*observer),
		notify:    make(chan struct{}),
	}
	if rt.ids == nil {
		rt.ids = engine.UUIDv7Generator{}
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	rt.logger = rt.logger.With("did", rt.signer.DID())
	if rt.msink == nil {
		rt.msink = metrics.Default()
	}
	size := cfg.ErrorBuffer
	if size <= 0 {
		size = 64
	}
	rt.errs = make(chan error, size)

	rt.graph = graph.New(graph.WithLogger(rt.logger))
	rt.sched = engine.New(
		engine.WithLogger(rt.logger),
		engine.WithErrorHandler(func(_ engine.Event, err error) { rt.publish(err) }),
	)
	rt.ctx, rt.cancel = context.WithCancel(ctx)
	go func() { _ = rt.sched.Run(rt.ctx) }()

	rt.logger.Debug("runtime open", "endpoint", rt.endpoint)
	return rt, nil
}

// DID returns the identity the runtime signs with.
func (rt *Runtime) DID() string {
	return rt.signer.DID()
}

// Errors delivers derivation, handler and conflict errors. The channel is
// never closed.
func (rt *Runtime) Errors() <-chan error {
	return rt.errs
}

// Storage returns the runtime's view of its providers.
func (rt *Runtime) Storage() *Storage {
	return &Storage{rt: rt}
}

// GetCell returns the root cell of the document (owner, causalSeed). An
// empty owner means the runtime's own identity. A nil schema accepts any
// value. Cells for the same (owner, causalSeed) share one document.
func (rt *Runtime) GetCell(owner, causalSeed string, sch *schema.Schema) Cell {
	if owner == "" {
		owner = rt.signer.DID()
	}
	if sch == nil {
		sch = schema.Any()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	key := docKey{owner: owner, seed: causalSeed}
	id, ok := rt.index[key]
	if !ok {
		id = graph.DocID(len(rt.docs))
		rt.docs = append(rt.docs, &document{
			id:    id,
			owner: owner,
			seed:  causalSeed,
			uri:   ir.DocumentURI(causalSeed),
		})
		rt.index[key] = id
	}
	return Cell{rt: rt, doc: id, path: ir.Path{}, schema: sch}
}

// Send enqueues an event for the handlers registered for trigger. Each
// handler runs once on the scheduler loop with its own transaction.
func (rt *Runtime) Send(trigger string, payload ir.Value) error {
	rt.mu.Lock()
	disposed := rt.disposed
	rt.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	if payload == nil {
		payload = ir.Null{}
	}
	ok := rt.sched.Enqueue(engine.Event{
		Type: engine.EventHandler,
		Name: trigger,
		Apply: func(context.Context) error {
			return rt.dispatch(trigger, payload)
		},
	})
	if !ok {
		return ErrDisposed
	}
	return nil
}

// Dispose closes every provider and stops the scheduler. Writes already
// committed locally are kept; unresolved batches fail with
// storage.ErrClosed. Later calls return nil.
func (rt *Runtime) Dispose() error {
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		return nil
	}
	rt.disposed = true
	providers := slices.Collect(maps.Values(rt.providers))
	for _, d := range rt.docs {
		if d.unsink != nil {
			d.unsink()
			d.unsink = nil
		}
	}
	rt.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.sched.Stop()
	<-rt.sched.Done()
	rt.cancel()

	rt.logger.Debug("runtime disposed", "providers", len(providers))
	return errors.Join(errs...)
}

// publish delivers err on the Errors channel without blocking.
func (rt *Runtime) publish(err error) {
	if graph.IsDerivationError(err) {
		rt.incr(MetricDerivationErrors)
	}
	select {
	case rt.errs <- err:
	default:
		rt.logger.Warn("error channel full, dropping", "error", err)
	}
}

// providerLocked returns the provider for owner, creating it on first use.
func (rt *Runtime) providerLocked(owner string) (*storage.Provider, error) {
	if p, ok := rt.providers[owner]; ok {
		return p, nil
	}
	p, err := storage.NewProvider(storage.Config{
		Endpoint:   rt.endpoint,
		Space:      owner,
		Signer:     rt.signer,
		Dialer:     rt.dialer,
		Backoff:    rt.backoff,
		BatchIDs:   rt.ids.Generate,
		MetricSink: rt.msink,
		Logger:     rt.logger,
	})
	if err != nil {
		return nil, err
	}
	rt.providers[owner] = p
	return p, nil
}

// watchLocked starts the document's root subscription the first time the
// document is read or synced. The root selector sees every change, which
// keeps the document's marker current for writes at any path.
func (rt *Runtime) watchLocked(d *document) (*storage.Provider, error) {
	if rt.disposed {
		return nil, ErrDisposed
	}
	p, err := rt.providerLocked(d.owner)
	if err != nil {
		return nil, err
	}
	if d.watching {
		return p, nil
	}
	d.watching = true
	rt.gen++

	id := d.id
	d.unsink = p.Sink(d.uri, func(u storage.Update) {
		rt.sched.Enqueue(engine.Event{
			Type: engine.EventRemoteUpdate,
			Name: u.URI,
			Apply: func(context.Context) error {
				rt.receive(id, u)
				return nil
			},
		})
	})
	if err := p.Watch(d.uri, wire.Selector{}); err != nil {
		return nil, err
	}
	return p, nil
}

// receive handles a remote version on the scheduler loop.
func (rt *Runtime) receive(id graph.DocID, u storage.Update) {
	rt.mu.Lock()
	d := rt.docs[id]
	if u.Marker <= d.marker {
		rt.mu.Unlock()
		return
	}
	if d.pending > 0 {
		if d.parked == nil || u.Marker > d.parked.Marker {
			d.parked = &u
		}
		rt.incr(MetricParkedCount)
		rt.mu.Unlock()
		return
	}
	calls := rt.applyRemoteLocked(d, u)
	rt.mu.Unlock()
	calls.run()
}

// applyRemoteLocked replaces the document with a store version and
// propagates. Derivation outputs that change as a result are committed
// like any other write.
func (rt *Runtime) applyRemoteLocked(d *document, u storage.Update) notifications {
	st := rt.newStore()
	st.remember(d)
	d.value = u.Value
	d.confirmed = u.Value
	d.marker = u.Marker
	rt.incr(MetricRemoteApplyCount)

	res := rt.graph.Propagate([]graph.Address{{Doc: d.id, Path: ir.Path{}}}, st)
	for _, err := range res.Errors {
		rt.publish(err)
	}
	calls := rt.observeLocked(st.before)
	if len(st.dirty) > 0 {
		rt.sendLocked(st.dirty, nil)
	}
	return calls
}

// sentDoc is one document of a batch and the value it carried.
type sentDoc struct {
	id    graph.DocID
	value ir.Value
}

// settle runs on the scheduler loop once a batch resolves.
//
// Accepted documents record the new marker and the value the store now
// holds. A rejected batch reverts every document in it once nothing else
// is pending for that document: to the store's current version for the
// conflicting document, to the last confirmed value for the rest.
func (rt *Runtime) settle(c *Commit, sent []sentDoc, r *storage.Receipt) {
	err := r.Err()
	markers := r.Markers()
	failed := err != nil && !errors.Is(err, storage.ErrClosed)
	var ce *storage.ConflictError
	errors.As(err, &ce)

	rt.mu.Lock()
	for _, s := range sent {
		d := rt.docs[s.id]
		d.pending--
		if m, ok := markers[d.uri]; ok && m > d.marker {
			d.marker = m
			d.confirmed = s.value
		}
		if ce != nil && ce.URI == d.uri && (d.parked == nil || d.parked.Marker < ce.Current) {
			d.parked = &storage.Update{URI: ce.URI, Value: ce.Value, Marker: ce.Current, Conflict: true}
		}
		if failed {
			d.failed = true
		}
	}

	var calls notifications
	for _, s := range sent {
		d := rt.docs[s.id]
		if d.pending > 0 {
			continue
		}
		reverting := d.failed
		d.failed = false

		if u := d.parked; u != nil {
			d.parked = nil
			if u.Marker > d.marker {
				if reverting {
					rt.incr(MetricRevertCount)
					rt.logger.Info("reverting to store version", "uri", d.uri, "marker", int64(u.Marker))
				}
				calls = append(calls, rt.applyRemoteLocked(d, *u)...)
				continue
			}
		}
		if reverting && !ir.Equal(d.value, d.confirmed) {
			rt.incr(MetricRevertCount)
			rt.logger.Info("reverting to confirmed version", "uri", d.uri, "marker", int64(d.marker))
			calls = append(calls, rt.applyRemoteLocked(d, storage.Update{URI: d.uri, Value: d.confirmed, Marker: d.marker})...)
		}
	}
	rt.outstanding--
	close(rt.notify)
	rt.notify = make(chan struct{})
	rt.mu.Unlock()

	if failed {
		rt.publish(err)
	}
	calls.run()
	if c != nil {
		c.done(err)
	}
}

// sendLocked hands the dirty documents to their providers, one batch per
// owner. Each write expects the document's last known marker.
func (rt *Runtime) sendLocked(dirty map[graph.DocID]struct{}, c *Commit) {
	if rt.disposed {
		if c != nil {
			c.expect(0)
		}
		return
	}
	byOwner := make(map[string][]graph.DocID)
	for id := range dirty {
		d := rt.docs[id]
		byOwner[d.owner] = append(byOwner[d.owner], id)
	}
	owners := slices.Sorted(maps.Keys(byOwner))
	if c != nil {
		c.expect(len(owners))
	}

	for _, owner := range owners {
		ids := byOwner[owner]
		slices.Sort(ids)

		p, err := rt.providerLocked(owner)
		if err != nil {
			rt.publish(err)
			if c != nil {
				c.done(err)
			}
			continue
		}
		writes := make([]wire.Write, len(ids))
		sent := make([]sentDoc, len(ids))
		for i, id := range ids {
			d := rt.docs[id]
			value := d.value
			if value == nil {
				value = ir.Null{}
			}
			writes[i] = wire.Write{URI: d.uri, Value: value, Expected: d.marker}
			sent[i] = sentDoc{id: id, value: value}
			d.pending++
		}
		rt.outstanding++
		rt.gen++

		r := p.Send(writes)
		if c != nil {
			c.receipts = append(c.receipts, r)
		}
		r.OnDone(func(r *storage.Receipt) {
			ok := rt.sched.Enqueue(engine.Event{
				Type: settleType(r),
				Name: r.ID(),
				Apply: func(context.Context) error {
					rt.settle(c, sent, r)
					return nil
				},
			})
			if !ok && c != nil {
				c.done(r.Err())
			}
		})
	}
}

func settleType(r *storage.Receipt) engine.EventType {
	if storage.IsConflictError(r.Err()) {
		return engine.EventRevert
	}
	return engine.EventTask
}

// waitSettled blocks until every batch sent so far has settled.
func (rt *Runtime) waitSettled(ctx context.Context) error {
	for {
		rt.mu.Lock()
		if rt.outstanding == 0 {
			rt.mu.Unlock()
			return nil
		}
		notify := rt.notify
		rt.mu.Unlock()

		select {
		case <-notify:
		case <-rt.sched.Done():
			return ErrDisposed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch runs every handler registered for trigger, in registration
// order, on the scheduler loop.
func (rt *Runtime) dispatch(trigger string, payload ir.Value) error {
	rt.mu.Lock()
	handlers := rt.graph.Handlers(trigger)
	rt.mu.Unlock()

	if len(handlers) == 0 {
		rt.logger.Debug("event without handlers", "trigger", trigger)
		return nil
	}
	var errs []error
	for _, h := range handlers {
		if err := h.Invoke(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
