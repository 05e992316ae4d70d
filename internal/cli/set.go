package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/cellsync/internal/ir"
)

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CellOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <seed> <json>",
		Short: "Write a cell and wait for the store to accept it",
		Long: `Write a JSON value at --path in one transaction and wait until the
store confirms the batch. A schema violation is rejected before anything
is sent; a conflict means another writer got there first.

Exit codes:
  0 - Write confirmed
  1 - Write rejected, conflicted or timed out
  2 - Command error (bad JSON, unreadable schema, etc.)

Examples:
  cellsync set profile '{"name":"Ada"}'
  cellsync set profile '"dark"' --path settings/theme`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func runSet(ctx context.Context, opts *CellOptions, seed, raw string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	v, err := ir.UnmarshalValue([]byte(raw))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid JSON value", err)
	}

	rt, err := opts.openRuntime(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open runtime", err)
	}
	defer opts.dispose(rt)

	c, err := opts.cell(rt, seed)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve cell", err)
	}

	syncCtx, cancel := context.WithTimeout(ctx, opts.Config.Client.SyncTimeout)
	defer cancel()

	// Read first so the write is checked against the store's version.
	if err := c.Sync(syncCtx); err != nil {
		return opts.fail(f, "sync failed", err)
	}

	tx, err := rt.Edit()
	if err != nil {
		return opts.fail(f, "failed to open transaction", err)
	}
	if err := c.Set(tx, v); err != nil {
		tx.Abort()
		return opts.fail(f, "write rejected", err)
	}
	commit, err := tx.Commit()
	if err != nil {
		return opts.fail(f, "write rejected", err)
	}
	f.VerboseLog("committed %s, waiting for store", commit.ID())
	if err := commit.Wait(syncCtx); err != nil {
		return opts.fail(f, "write not confirmed", err)
	}

	return f.Value(c.Get(), map[string]any{
		"uri":    c.URI(),
		"owner":  c.Owner(),
		"path":   c.Path().String(),
		"commit": commit.ID(),
	})
}
