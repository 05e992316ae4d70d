package engine

import (
	"context"
	"sync"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventRemoteUpdate applies a document version pushed by the store.
	EventRemoteUpdate EventType = iota + 1
	// EventHandler runs handlers registered for a trigger.
	EventHandler
	// EventRevert restores a document after the store rejected a write.
	EventRevert
	// EventTask is any other unit of work that must run on the loop.
	EventTask
)

func (t EventType) String() string {
	switch t {
	case EventRemoteUpdate:
		return "remote_update"
	case EventHandler:
		return "handler"
	case EventRevert:
		return "revert"
	case EventTask:
		return "task"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the scheduler loop.
type Event struct {
	Type EventType
	// Name identifies the event in logs: a trigger or a document URI.
	Name string
	// Seq is stamped by Enqueue from the scheduler's clock.
	Seq int64
	// Apply does the work. It runs on the loop goroutine only.
	Apply func(ctx context.Context) error
}

// eventQueue is an unbounded thread-safe FIFO.
//
// Handlers may enqueue further events while one is processing, so the
// queue must never block producers. A buffered signal channel of size 1
// lets the Run loop wait with context awareness.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	// Clear the slot so the closure it holds can be collected.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available.
// It is closed when the queue closes.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes the waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
