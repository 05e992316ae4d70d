// Package wire defines the messages exchanged between a storage provider
// and the remote document store.
//
// Every frame is one JSON-encoded Message. Client to store: hello,
// subscribe, unsubscribe, write. Store to client: welcome, push, ack,
// conflict, error. Replies carry the id of the request in Re.
//
// Markers are per-space causal markers assigned by the store. Marker 0
// means the document has never been written.
package wire
