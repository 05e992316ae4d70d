// Package storage bridges a runtime's documents to a remote document store.
//
// A Provider owns one persistent connection for one (endpoint, space,
// signer) triple and multiplexes subscriptions and write batches over it.
//
// Connection lifecycle is an explicit state machine:
//
//	connecting -> connected -> disconnected -> reconnecting -> connected
//
// with closed reachable from every state. On an unexpected drop every
// active subscription becomes stale, the in-flight batch returns to the
// head of the outbox, and a reconnect is scheduled with bounded
// exponential backoff. After the handshake succeeds each stale
// subscription is reissued in its original (uri, selector) shape and
// becomes active again only once the store re-acknowledges it.
//
// Pushes are deduplicated per document by causal marker, so a snapshot
// replayed after resubscription never delivers an update twice.
package storage
