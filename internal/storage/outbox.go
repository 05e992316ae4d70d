package storage

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/wire"
)

// Receipt tracks one write batch until the store accepts or rejects it.
type Receipt struct {
	id string
	p  *Provider

	mu      sync.Mutex
	done    chan struct{}
	markers map[string]wire.Marker
	err     error
	onDone  []func(*Receipt)
}

func newReceipt(p *Provider, id string) *Receipt {
	return &Receipt{id: id, p: p, done: make(chan struct{})}
}

// ID returns the batch id. Resends after a reconnect reuse it, which is
// what makes writes idempotent at the store.
func (r *Receipt) ID() string {
	return r.id
}

// Done is closed once the batch is resolved.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Err returns the resolution error, nil while pending or on success.
func (r *Receipt) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Markers returns the markers the store assigned, keyed by document URI.
func (r *Receipt) Markers() map[string]wire.Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.markers)
}

// OnDone registers fn to run once the batch resolves. It runs on the
// provider's connection goroutine after sinks for the same frame, or
// immediately if the batch is already resolved.
func (r *Receipt) OnDone(fn func(*Receipt)) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		fn(r)
		return
	default:
	}
	r.onDone = append(r.onDone, fn)
	r.mu.Unlock()
}

// Wait blocks until the batch resolves. If ctx ends first while the
// provider is not connected, Wait returns a *ConnectionError; the batch
// stays queued either way.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		if r.p != nil {
			return r.p.deadlineError(ctx.Err())
		}
		return ctx.Err()
	}
}

// resolve records the outcome and returns the callbacks to run once the
// provider lock is released. Only the first call has any effect.
func (r *Receipt) resolve(markers map[string]wire.Marker, err error) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return func() {}
	default:
	}
	r.markers = markers
	r.err = err
	close(r.done)

	callbacks := r.onDone
	r.onDone = nil
	return func() {
		for _, fn := range callbacks {
			fn(r)
		}
	}
}

// batch is a committed write set waiting in the outbox.
type batch struct {
	id      string
	writes  []pendingWrite
	receipt *Receipt
}

// pendingWrite remembers how to compute its expected marker. A write made
// while an earlier batch for the same document is unresolved chains on
// that batch and expects the marker the store assigns to it.
type pendingWrite struct {
	uri   string
	value ir.Value
	base  wire.Marker
	after *batch
}

func (b *batch) touches(uri string) bool {
	for _, w := range b.writes {
		if w.uri == uri {
			return true
		}
	}
	return false
}

// resolveExpected computes the wire writes. A predecessor that failed
// fails this batch too: a conflict is reported against this batch, any
// other error is passed through.
func (b *batch) resolveExpected() ([]wire.Write, error) {
	out := make([]wire.Write, len(b.writes))
	for i, w := range b.writes {
		expected := w.base
		if w.after != nil {
			prev := w.after.receipt
			if err := prev.Err(); err != nil {
				var ce *ConflictError
				if errors.As(err, &ce) {
					return nil, &ConflictError{
						BatchID:  b.id,
						URI:      ce.URI,
						Expected: ce.Expected,
						Current:  ce.Current,
						Value:    ce.Value,
					}
				}
				return nil, err
			}
			expected = prev.Markers()[w.uri]
		}
		out[i] = wire.Write{URI: w.uri, Value: w.value, Expected: expected}
	}
	return out, nil
}
