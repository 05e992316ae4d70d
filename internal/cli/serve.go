package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/cellsync/internal/config"
	"github.com/roach88/cellsync/internal/remote"
	"github.com/roach88/cellsync/internal/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string // overrides server.listen
	Driver string // overrides server.driver
	Path   string // overrides server.path

	// Ready receives the bound address once the listener is open. Used by
	// tests that listen on port 0.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference document store",
		Long: `Run the document store that runtimes subscribe to and write through.

Clients connect to ws://<listen>/api/storage/ws. The server also exposes
/healthz and Prometheus metrics on /metrics. Stop it with Ctrl-C.

Examples:
  cellsync serve
  cellsync serve --listen :9090 --driver badger --path ./data
  cellsync serve --driver memory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "storage driver: sqlite, badger or memory (overrides config)")
	cmd.Flags().StringVar(&opts.Path, "path", "", "SQLite file or Badger directory (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	sc := opts.serverConfig()
	logger := opts.Logger

	backend, err := openBackend(sc, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database ready", "driver", sc.Driver, "path", sc.Path)

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv, err := remote.New(ctx, remote.Config{
		Backend:      backend,
		Registry:     reg,
		Logger:       logger,
		WriteTimeout: sc.WriteTimeout,
		SendBuffer:   sc.SendBuffer,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start store", err)
	}

	ln, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		srv.Close()
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	addr := ln.Addr().String()
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	hs := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	served := make(chan error, 1)
	go func() { served <- hs.Serve(ln) }()

	logger.Info("store listening", "addr", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Store listening on ws://%s%s\n", addr, remote.WebsocketPath)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	select {
	case <-ctx.Done():
	case err := <-served:
		srv.Close()
		return WrapExitError(ExitFailure, "server error", err)
	}

	// Close the store first: hijacked websocket connections are not
	// tracked by http.Server.Shutdown.
	closeErr := srv.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	closeErr = errors.Join(closeErr, hs.Shutdown(shutdownCtx))
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		closeErr = errors.Join(closeErr, err)
	}
	if closeErr != nil {
		return WrapExitError(ExitFailure, "shutdown error", closeErr)
	}

	logger.Info("store stopped gracefully")
	return nil
}

// serverConfig applies flag overrides to the loaded config.
func (o *ServeOptions) serverConfig() config.ServerConfig {
	sc := o.Config.Server
	if o.Listen != "" {
		sc.Listen = o.Listen
	}
	if o.Driver != "" {
		sc.Driver = o.Driver
	}
	if o.Path != "" {
		sc.Path = o.Path
	}
	return sc
}

// openBackend opens the storage backend sc names.
func openBackend(sc config.ServerConfig, logger *slog.Logger) (store.Backend, error) {
	switch sc.Driver {
	case config.DriverSQLite:
		st, err := store.Open(sc.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverBadger:
		return store.OpenBadger(store.BadgerConfig{Path: sc.Path, SyncWrites: true, Logger: logger})
	case config.DriverMemory:
		return store.OpenBadger(store.BadgerConfig{InMemory: true, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown driver %q", sc.Driver)
	}
}
