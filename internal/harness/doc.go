// Package harness runs YAML scenarios against real runtimes.
//
// A scenario opens one or more runtimes sharing an identity, registers
// expression derivations, runs a flow of steps and then checks assertions
// once every online runtime is synced. Without an endpoint the harness
// starts a private in-memory store on a loopback port.
//
// # Scenario Format
//
//	name: hello_world
//	description: "What this scenario validates"
//	runtimes: [writer, reader]
//	schemas:
//	  hello: "{message: string, count: number}"
//	derivations:
//	  - name: doubled
//	    runtime: writer
//	    inputs:
//	      count: {seed: hello-world, path: count}
//	    output: {seed: derived, path: doubled}
//	    expr: "(count ?? 0) * 2"
//	flow:
//	  - runtime: writer
//	    set:
//	      - cell: {seed: hello-world, schema: hello}
//	        value: {message: Hello World, count: 42}
//	  - runtime: reader
//	    get: {seed: hello-world, schema: hello}
//	    expect:
//	      value: {message: Hello World, count: 42}
//	  - runtime: writer
//	    network: down
//	assertions:
//	  - type: converged
//	    cell: {seed: hello-world}
//
// # Steps
//
//   - set: writes every entry in one transaction and waits for the store,
//     or records "queued" while the runtime's network is down
//   - get: syncs and reads a cell; with expect.value it waits for the value
//   - sync: subscribes to a cell and waits for its snapshot
//   - synced: waits until the runtime has nothing in flight
//   - network: "down" cuts the runtime off, "up" lets it reconnect
//
// # Assertion Types
//
//   - converged: every online runtime reads the same value for a cell
//   - cell_value: one runtime reads the expected value
//   - evaluations: a derivation ran exactly N times
//   - trace_count: a step op appears exactly N times
//
// # Deterministic Traces
//
// Trace events carry sequence numbers from a logical clock and values in
// canonical JSON, so a scenario produces the same trace on every run and
// can be compared against a golden file with RunWithGolden.
package harness
