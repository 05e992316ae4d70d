package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CellOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <seed>",
		Short: "Read a cell from the store",
		Long: `Subscribe to a document, wait for its snapshot and print the value
at --path as canonical JSON. A document the store has never seen reads
as its schema default, or null without one.

Examples:
  cellsync get profile
  cellsync get profile --path settings/theme
  cellsync get profile --owner did:key:... --schema profile.cue --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), opts, args[0], cmd)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func runGet(ctx context.Context, opts *CellOptions, seed string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	rt, err := opts.openRuntime(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open runtime", err)
	}
	defer opts.dispose(rt)

	c, err := opts.cell(rt, seed)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve cell", err)
	}
	f.VerboseLog("reading %s", c)

	syncCtx, cancel := context.WithTimeout(ctx, opts.Config.Client.SyncTimeout)
	defer cancel()
	if err := c.Sync(syncCtx); err != nil {
		return opts.fail(f, "sync failed", err)
	}

	return f.Value(c.Get(), map[string]any{
		"uri":   c.URI(),
		"owner": c.Owner(),
		"path":  c.Path().String(),
	})
}

// fail reports err in JSON mode and returns it as a failure exit.
func (o *CellOptions) fail(f *OutputFormatter, message string, err error) error {
	if f.Format == "json" {
		if outErr := f.Error(errorCode(err), err.Error(), nil); outErr != nil {
			return outErr
		}
	}
	return WrapExitError(ExitFailure, message, err)
}
