// Package runtime composes cells, the dependency graph, transactions and
// storage providers into a reactive state runtime.
//
// Documents live in a runtime-owned arena and are addressed by integer
// handles; a Cell is a small value holding one handle plus a path, so
// narrowing a cell with Key never copies storage.
//
// Writes follow one path: a caller opens a transaction with Edit, stages
// values with Cell.Set and commits. Commit validates every staged value,
// applies them to the arena, propagates the graph synchronously and hands
// one batch per owner to that owner's storage provider. Remote versions
// arrive on the scheduler loop; a document with local writes still
// unresolved parks the newest remote version until they settle, which is
// also how a rejected write is reverted to the store's value.
//
// Two runtimes never share a document in memory, even in one process.
// They converge through the store, and Storage().Synced is the join point.
package runtime
