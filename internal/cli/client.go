package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/runtime"
	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/storage"
)

// CellOptions are the flags get and set share for addressing a cell.
type CellOptions struct {
	*RootOptions
	Endpoint   string // overrides client.endpoint
	Owner      string // overrides client.space
	Path       string // slash-separated path inside the document
	SchemaFile string // CUE schema applied to the document root
}

func (o *CellOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Endpoint, "endpoint", "", "store websocket URL (overrides config)")
	cmd.Flags().StringVar(&o.Owner, "owner", "", "owner DID whose space holds the document (overrides config)")
	cmd.Flags().StringVar(&o.Path, "path", "", "slash-separated path inside the document")
	cmd.Flags().StringVar(&o.SchemaFile, "schema", "", "CUE schema file for the document")
}

// openRuntime opens a runtime for the configured client. Without a
// passphrase every invocation gets a fresh identity.
func (o *CellOptions) openRuntime(ctx context.Context) (*runtime.Runtime, error) {
	c := o.Config.Client

	var signer identity.Signer
	if c.Passphrase != "" {
		signer = identity.FromPassphrase(c.Passphrase)
	} else {
		kp, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		signer = kp
	}

	endpoint := c.Endpoint
	if o.Endpoint != "" {
		endpoint = o.Endpoint
	}
	return runtime.Open(ctx, runtime.Config{
		Endpoint: endpoint,
		Signer:   signer,
		Backoff:  c.Backoff.Settings(),
		Logger:   o.Logger,
	})
}

// cell resolves the addressed cell on rt.
func (o *CellOptions) cell(rt *runtime.Runtime, seed string) (runtime.Cell, error) {
	var sch *schema.Schema
	if o.SchemaFile != "" {
		src, err := os.ReadFile(o.SchemaFile)
		if err != nil {
			return runtime.Cell{}, fmt.Errorf("failed to read schema file: %w", err)
		}
		sch, err = schema.Compile(string(src))
		if err != nil {
			return runtime.Cell{}, fmt.Errorf("%s: %w", o.SchemaFile, err)
		}
	}

	owner := o.Config.Client.Space
	if o.Owner != "" {
		owner = o.Owner
	}
	c := rt.GetCell(owner, seed, sch)
	if o.Path != "" {
		c = c.Key(ir.ParsePath(o.Path)...)
	}
	return c, nil
}

// dispose releases rt, logging instead of failing the command.
func (o *CellOptions) dispose(rt *runtime.Runtime) {
	if err := rt.Dispose(); err != nil {
		o.Logger.Warn("runtime dispose", "error", err)
	}
}

// errorCode maps runtime failures onto CLIError codes.
func errorCode(err error) string {
	switch {
	case runtime.IsSchemaValidationError(err):
		return "E_SCHEMA"
	case runtime.IsConflictError(err):
		return "E_CONFLICT"
	case storage.IsConnectionError(err):
		return "E_CONNECTION"
	case errors.Is(err, context.DeadlineExceeded):
		return "E_TIMEOUT"
	default:
		return "E_RUNTIME"
	}
}
