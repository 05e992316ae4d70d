// Command cellsync runs the reference document store, reads and writes
// cells against it, and executes YAML scenarios.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/cellsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
