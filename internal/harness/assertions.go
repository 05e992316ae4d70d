package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cellsync/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s", ev.Seq, ev.Runtime, ev.Op, ev.Status)
			if ev.Cell != "" {
				fmt.Fprintf(&buf, " %s", ev.Cell)
			}
			if ev.Value != nil {
				fmt.Fprintf(&buf, " = %s", render(ev.Value))
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// assertConverged reads the cell on every online runtime and requires the
// values to be equal.
func assertConverged(h *Harness, trace []TraceEvent, a Assertion) error {
	var first ir.Value
	var firstName string
	for _, name := range h.scenario.Runtimes {
		if h.offline[name] {
			continue
		}
		v := h.cell(h.runtimes[name], *a.Cell).Get()
		if first == nil {
			first, firstName = v, name
			continue
		}
		if !ir.Equal(first, v) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s on %s = %s", a.Cell, firstName, render(first)),
				Actual:   fmt.Sprintf("%s on %s = %s", a.Cell, name, render(v)),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertCellValue checks one runtime's view of a cell.
func assertCellValue(h *Harness, trace []TraceEvent, a Assertion) error {
	want, err := ir.FromAny(a.Expect)
	if err != nil {
		return fmt.Errorf("cell_value expect: %w", err)
	}
	got := h.cell(h.runtimes[a.Runtime], *a.Cell).Get()
	if ir.Equal(got, want) {
		return nil
	}
	return &AssertionError{
		Type:     AssertCellValue,
		Expected: fmt.Sprintf("%s on %s = %s", a.Cell, a.Runtime, render(want)),
		Actual:   render(got),
		Trace:    trace,
	}
}

// assertEvaluations checks how often a derivation ran, which pins down
// propagation cutoff.
func assertEvaluations(evaluations map[string]int, a Assertion) error {
	got := evaluations[a.Derivation]
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEvaluations,
		Expected: fmt.Sprintf("%s evaluated %d times", a.Derivation, a.Count),
		Actual:   fmt.Sprintf("%d times", got),
	}
}

// assertTraceCount checks that a step op appears exactly N times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Op == a.Op {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s appears %d times", a.Op, a.Count),
		Actual:   fmt.Sprintf("%s appears %d times", a.Op, count),
		Trace:    trace,
	}
}

// EvaluateAssertions evaluates all assertions against the result and the
// harness's runtimes. Returns a slice of error messages for failed
// assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var errs []string

	for i, a := range assertions {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Sprintf("assertion[%d]: %v", i, ctx.Err()))
			break
		}

		var err error
		switch a.Type {
		case AssertConverged:
			err = eventually(ctx, h.timeout, func() error { return assertConverged(h, result.Trace, a) })
		case AssertCellValue:
			err = eventually(ctx, h.timeout, func() error { return assertCellValue(h, result.Trace, a) })
		case AssertEvaluations:
			err = assertEvaluations(result.Evaluations, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// eventually retries check until it passes or timeout elapses, returning
// the last failure. Pushes can still be in flight after Synced returns.
func eventually(ctx context.Context, timeout time.Duration, check func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := check()
		if err == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return err
		}
	}
}
