// Package graph tracks which derivations read which cell addresses and
// recomputes only what a change can affect.
//
// Nodes are tagged: a Derivation recomputes a value from the addresses it
// read last time; a Handler is triggered by named events and never runs
// during propagation. Nodes are created once and referred to by NodeID.
//
// Dependencies are discovered through an explicit ReadLog handed to each
// evaluation. After every evaluation the previous and new read sets are
// diffed so edges track what the derivation actually depends on now.
//
// Graph is not safe for concurrent use; the runtime serializes access.
package graph
