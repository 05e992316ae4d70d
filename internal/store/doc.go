// Package store persists the reference store's documents.
//
// A Backend keeps two things per space:
//   - Documents: the latest committed value and marker of every URI
//   - Commits: an append-only log keyed by write batch id
//
// The commit log makes writes idempotent. A client that lost an ack
// resends the same batch id and the server answers from LookupBatch
// instead of applying it twice.
//
// Markers are assigned by the server's logical clock, never by wall time,
// and are unique across spaces. MaxMarker lets a restarted server resume
// its clock above everything already persisted.
//
// Two implementations exist: SQLite (Open) and Badger (OpenBadger, which
// also serves as the in-memory backend for tests).
package store
