package runtime

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/roach88/cellsync/internal/storage"
)

// Storage exposes the runtime's providers.
type Storage struct {
	rt *Runtime
}

// Synced blocks until every provider has flushed its outbox and every
// subscription is active, and the runtime has applied the results. It is
// the join point for convergence between runtimes.
func (s *Storage) Synced(ctx context.Context) error {
	rt := s.rt
	for {
		rt.mu.Lock()
		if rt.disposed {
			rt.mu.Unlock()
			return ErrDisposed
		}
		gen := rt.gen
		providers := slices.Collect(maps.Values(rt.providers))
		rt.mu.Unlock()

		for _, p := range providers {
			if err := p.Synced(ctx); err != nil {
				if errors.Is(err, storage.ErrClosed) {
					return ErrDisposed
				}
				return err
			}
		}
		if err := rt.waitSettled(ctx); err != nil {
			return err
		}
		if err := rt.sched.Idle(ctx); err != nil {
			return err
		}

		rt.mu.Lock()
		done := rt.gen == gen && rt.outstanding == 0
		rt.mu.Unlock()
		if done {
			return nil
		}
	}
}

// Provider returns the provider for owner, creating it if needed. An
// empty owner means the runtime's own identity.
func (s *Storage) Provider(owner string) (*storage.Provider, error) {
	if owner == "" {
		owner = s.rt.signer.DID()
	}
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	if s.rt.disposed {
		return nil, ErrDisposed
	}
	return s.rt.providerLocked(owner)
}

// Reconnect drops every provider's connection. Each reconnects on its own
// and reissues its subscriptions and unresolved writes.
func (s *Storage) Reconnect() {
	s.rt.mu.Lock()
	providers := slices.Collect(maps.Values(s.rt.providers))
	s.rt.mu.Unlock()
	for _, p := range providers {
		p.Reconnect()
	}
}
