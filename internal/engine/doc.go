// Package engine implements the runtime's cooperative scheduler.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Remote updates, handler invocations and conflict reverts are processed in
// one goroutine, one event at a time, in the order they were enqueued.
// Each event runs to completion before the next starts, so graph
// propagation and commits never interleave.
//
// Event Processing Flow:
//  1. Producers (storage callbacks, Runtime.Send) call Enqueue from any goroutine
//  2. Scheduler.Run dequeues events in FIFO order
//  3. The event's Apply function runs with the loop's context
//  4. Failures are logged with the event's context and processing continues
//
// Idle is the join point: it returns once nothing is queued or running.
// Runtime.Storage().Synced uses it after the network has drained.
//
// Logical Clock:
// Events are stamped with a monotonic sequence number from Clock.Next().
// Ordering never depends on wall-clock time.
package engine
