package testutil

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/cellsync/internal/remote"
	"github.com/roach88/cellsync/internal/store"
	"github.com/roach88/cellsync/internal/storage"
)

// StoreServer is a reference store listening on a loopback port.
type StoreServer struct {
	*remote.Server
	HTTP     *httptest.Server
	Backend  store.Backend
	Registry *prometheus.Registry
	// Endpoint is the websocket URL clients dial.
	Endpoint string
}

// StartStore runs a reference store over an in-memory Badger backend until
// the test ends.
func StartStore(t testing.TB) *StoreServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend, err := store.OpenBadger(store.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	reg := prometheus.NewRegistry()
	srv, err := remote.New(context.Background(), remote.Config{
		Backend:  backend,
		Registry: reg,
		Logger:   Logger(),
	})
	if err != nil {
		backend.Close()
		t.Fatalf("start store: %v", err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		backend.Close()
	})

	return &StoreServer{
		Server:   srv,
		HTTP:     hs,
		Backend:  backend,
		Registry: reg,
		Endpoint: "ws" + strings.TrimPrefix(hs.URL, "http") + remote.WebsocketPath,
	}
}

// FastBackoff reconnects within milliseconds so reconnect tests stay quick.
func FastBackoff() storage.BackoffSettings {
	return storage.BackoffSettings{
		Initial:    5 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
	}
}

// Logger writes debug logs to stderr under `go test -v` and discards them
// otherwise. Server goroutines can outlive a test, so it never uses t.Log.
func Logger() *slog.Logger {
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
