package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/runtime"
	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/storage"
	"github.com/roach88/cellsync/internal/testutil"
)

// scenarioPath resolves a scenario under the project's testdata directory.
func scenarioPath(name string) string {
	// From internal/harness/, go up two levels to project root
	return filepath.Join("..", "..", "testdata", "scenarios", name+".yaml")
}

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(scenarioPath(name))
	require.NoError(t, err, "failed to load scenario %s", name)
	return s
}

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{
		"hello_world",
		"offline_writes",
		"derived_cutoff",
		"schema_rejection",
	} {
		t.Run(name, func(t *testing.T) {
			s := loadScenario(t, name)
			assert.Equal(t, name, s.Name, "scenario name mismatch")

			result, err := RunWithGolden(t, s, WithLogger(testutil.Logger()))
			require.NoError(t, err)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_ReplayProducesIdenticalTrace(t *testing.T) {
	s := loadScenario(t, "offline_writes")

	first, err := Run(t.Context(), s, WithLogger(testutil.Logger()))
	require.NoError(t, err)
	second, err := Run(t.Context(), s, WithLogger(testutil.Logger()))
	require.NoError(t, err)

	require.True(t, first.Pass, "errors: %v", first.Errors)
	require.True(t, second.Pass, "errors: %v", second.Errors)

	a, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: first.Trace}).MarshalCanonical()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{ScenarioName: s.Name, Trace: second.Trace}).MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_DerivationCounts(t *testing.T) {
	result, err := Run(t.Context(), loadScenario(t, "derived_cutoff"), WithLogger(testutil.Logger()))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, 3, result.Evaluations["parity"])
	assert.Equal(t, 2, result.Evaluations["label"], "unchanged parity must not re-run label")
}

func TestRun_AgainstExternalStore(t *testing.T) {
	srv := testutil.StartStore(t)

	result, err := Run(t.Context(), loadScenario(t, "hello_world"),
		WithEndpoint(srv.Endpoint),
		WithLogger(testutil.Logger()),
	)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Positive(t, srv.Marker(), "writes reached the external store")
}

func TestRun_FailedExpectationIsReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_value
description: reads back something other than what was written
runtimes: [a]
flow:
  - runtime: a
    set:
      - cell: {seed: doc}
        value: 1
  - runtime: a
    get: {seed: doc}
    expect:
      value: 2
assertions:
  - type: cell_value
    runtime: a
    cell: {seed: doc}
    expect: 3
`))
	require.NoError(t, err)

	result, err := Run(t.Context(), s,
		WithLogger(testutil.Logger()),
		WithStepTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "flow[1]: doc on a read 1, want 2")
	assert.Contains(t, result.Errors[1], "Assertion failed: cell_value")
	require.Len(t, result.Trace, 2)
	assert.Equal(t, ir.Int(1), result.Trace[1].Value)
}

func TestRun_UnexpectedStatusIsReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_write
description: an invalid write without an expected status
runtimes: [a]
schemas:
  n: "int"
flow:
  - runtime: a
    set:
      - cell: {seed: doc, schema: n}
        value: nope
assertions:
  - type: trace_count
    op: set
    count: 1
`))
	require.NoError(t, err)

	result, err := Run(t.Context(), s, WithLogger(testutil.Logger()))
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `status "schema_validation", want "ok"`)
}

func TestRun_BadExpressionFailsSetup(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_expr
description: the derivation expression does not compile
runtimes: [a]
derivations:
  - name: broken
    runtime: a
    output: {seed: out}
    expr: "1 +"
flow:
  - runtime: a
    synced: true
assertions:
  - type: trace_count
    op: synced
    count: 1
`))
	require.NoError(t, err)

	_, err = Run(t.Context(), s, WithLogger(testutil.Logger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `derivation "broken"`)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusOK},
		{&schema.ValidationError{Detail: []string{"bad"}}, "schema_validation"},
		{fmt.Errorf("commit: %w", &storage.ConflictError{URI: "of:x"}), "conflict"},
		{&storage.ConnectionError{}, "connection"},
		{&runtime.NoActiveTransactionError{Op: "set"}, "no_active_transaction"},
		{runtime.ErrTransactionOpen, "transaction_open"},
		{runtime.ErrDisposed, "disposed"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestTraceSnapshot_MarshalCanonical(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "demo",
		Trace: []TraceEvent{
			{Seq: 1, Runtime: "a", Op: OpSet, Cell: "doc/x", Value: ir.Object{"b": ir.Int(2), "a": ir.Bool(true)}, Status: StatusOK},
			{Seq: 2, Runtime: "a", Op: OpSynced, Status: "timeout"},
		},
	}
	b, err := snap.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"demo","trace":[{"cell":"doc/x","op":"set","runtime":"a","seq":1,"status":"ok","value":{"a":true,"b":2}},{"op":"synced","runtime":"a","seq":2,"status":"timeout"}]}`,
		string(b))
}
