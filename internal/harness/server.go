package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/roach88/cellsync/internal/remote"
	"github.com/roach88/cellsync/internal/store"
)

// localStore is a reference store on a loopback port with in-memory
// storage, started when a scenario runs without an endpoint.
type localStore struct {
	endpoint string
	srv      *remote.Server
	http     *http.Server
	backend  store.Backend
	served   chan struct{}
}

func startLocalStore(ctx context.Context, logger *slog.Logger) (*localStore, error) {
	backend, err := store.OpenBadger(store.BadgerConfig{InMemory: true})
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	srv, err := remote.New(ctx, remote.Config{Backend: backend, Logger: logger})
	if err != nil {
		backend.Close()
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		srv.Close()
		backend.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	ls := &localStore{
		endpoint: fmt.Sprintf("ws://%s%s", ln.Addr(), remote.WebsocketPath),
		srv:      srv,
		http:     &http.Server{Handler: srv},
		backend:  backend,
		served:   make(chan struct{}),
	}
	go func() {
		defer close(ls.served)
		if err := ls.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("local store stopped", "error", err)
		}
	}()
	return ls, nil
}

func (ls *localStore) close() error {
	// Close the store first so hijacked websocket connections end.
	err := ls.srv.Close()
	err = errors.Join(err, ls.http.Close())
	<-ls.served
	return errors.Join(err, ls.backend.Close())
}
