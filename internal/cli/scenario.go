package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cellsync/internal/harness"
)

// ScenarioOptions holds flags for the scenario subcommands.
type ScenarioOptions struct {
	*RootOptions
	Endpoint string // run against this store instead of a private one
	Update   bool   // regenerate golden files
	Filter   string // scenario filter (glob pattern)
	Parallel int    // scenarios run at once
}

// ScenarioResult represents the result of a single scenario.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Note   string   `json:"note,omitempty"`
}

// ScenarioReport is the aggregate output of scenario run and validate.
type ScenarioReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r *ScenarioReport) add(res ScenarioResult) {
	r.Scenarios = append(r.Scenarios, res)
	r.Total++
	if res.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run and validate YAML scenarios",
	}
	cmd.PersistentFlags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on the file name")

	cmd.AddCommand(newScenarioRunCommand(opts))
	cmd.AddCommand(newScenarioValidateCommand(opts))
	return cmd
}

func newScenarioRunCommand(opts *ScenarioOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file|dir>...",
		Short: "Execute scenarios and compare their traces",
		Long: `Execute scenario files. Each scenario gets its own runtimes and, unless
--endpoint is given, its own in-memory store.

When <dir>/golden/<name>.golden exists next to a scenario, its trace must
match byte for byte. --update rewrites the golden files instead.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  cellsync scenario run ./testdata/scenarios
  cellsync scenario run offline_writes.yaml --endpoint ws://localhost:8080/api/storage/ws
  cellsync scenario run ./scenarios --filter "derived_*" --update`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), opts, args, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "run against an existing store")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 4, "scenarios to run at once")
	return cmd
}

func newScenarioValidateCommand(opts *ScenarioOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Check scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateScenarios(opts, args, cmd)
		},
	}
}

func runScenarios(ctx context.Context, opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	files, err := findScenarioFiles(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	results := make([]ScenarioResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallel, 1))
	for i, file := range files {
		g.Go(func() error {
			results[i] = opts.runOne(gctx, file)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "scenario run aborted", err)
	}

	report := ScenarioReport{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, r := range results {
		report.add(r)
	}
	return opts.output(cmd, report)
}

// runOne executes file and checks it against its golden trace.
func (o *ScenarioOptions) runOne(ctx context.Context, file string) ScenarioResult {
	res := ScenarioResult{Name: scenarioName(file), File: file}

	s, err := harness.LoadScenario(file)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return res
	}
	res.Name = s.Name

	runOpts := []harness.Option{harness.WithLogger(o.Logger)}
	if o.Endpoint != "" {
		runOpts = append(runOpts, harness.WithEndpoint(o.Endpoint))
	}
	result, err := harness.Run(ctx, s, runOpts...)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return res
	}
	res.Errors = result.Errors
	res.Pass = result.Pass

	snapshot := harness.TraceSnapshot{ScenarioName: s.Name, Trace: result.Trace}
	data, err := snapshot.MarshalCanonical()
	if err != nil {
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to marshal trace: %v", err))
		return res
	}

	goldenPath := goldenFilePath(file)
	if o.Update {
		if !result.Pass {
			res.Note = "golden not updated"
			return res
		}
		if err := writeGolden(goldenPath, data); err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		res.Note = "golden updated"
		return res
	}

	golden, err := os.ReadFile(goldenPath)
	if os.IsNotExist(err) {
		return res
	}
	if err != nil {
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to read golden file: %v", err))
		return res
	}
	if !bytes.Equal(bytes.TrimSpace(golden), data) {
		res.Pass = false
		res.Errors = append(res.Errors, "trace does not match golden file (run with --update to regenerate)")
	}
	return res
}

func validateScenarios(opts *ScenarioOptions, paths []string, cmd *cobra.Command) error {
	files, err := findScenarioFiles(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	report := ScenarioReport{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, file := range files {
		res := ScenarioResult{Name: scenarioName(file), File: file, Pass: true}
		if s, err := harness.LoadScenario(file); err != nil {
			res.Pass = false
			res.Errors = []string{err.Error()}
		} else {
			res.Name = s.Name
		}
		report.add(res)
	}
	return opts.output(cmd, report)
}

// findScenarioFiles expands directories into the .yaml/.yml files below
// them. Explicit files are kept even if their extension differs.
func findScenarioFiles(paths []string, filter string) ([]string, error) {
	var files []string
	keep := func(path string) (bool, error) {
		if filter == "" {
			return true, nil
		}
		matched, err := filepath.Match(filter, scenarioName(path))
		if err != nil {
			return false, fmt.Errorf("invalid filter pattern: %w", err)
		}
		return matched, nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			ok, err := keep(root)
			if err != nil {
				return nil, err
			}
			if ok {
				files = append(files, root)
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "golden" {
					return filepath.SkipDir
				}
				return nil
			}
			ext := filepath.Ext(path)
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			ok, err := keep(path)
			if ok {
				files = append(files, path)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func scenarioName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// goldenFilePath returns <dir>/golden/<name>.golden for a scenario file.
func goldenFilePath(scenarioFile string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", scenarioName(scenarioFile)+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// output prints report and turns failures into exit code 1.
func (o *ScenarioOptions) output(cmd *cobra.Command, report ScenarioReport) error {
	w := cmd.OutOrStdout()

	if o.Format == "json" {
		status := "ok"
		if report.Failed > 0 {
			status = "error"
		}
		if err := json.NewEncoder(w).Encode(CLIResponse{Status: status, Data: report}); err != nil {
			return err
		}
	} else {
		if report.Total == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return nil
		}
		for _, r := range report.Scenarios {
			mark := "✓"
			if !r.Pass {
				mark = "✗"
			}
			if r.Note != "" {
				fmt.Fprintf(w, "%s %s (%s)\n", mark, r.Name, r.Note)
			} else {
				fmt.Fprintf(w, "%s %s\n", mark, r.Name)
			}
			for _, e := range r.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)
	}

	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, report.Total))
	}
	return nil
}
