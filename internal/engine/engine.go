package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Idle once the loop has exited.
var ErrStopped = errors.New("engine: scheduler stopped")

// Scheduler is the single-writer event loop.
//
// Thread-safety model:
//   - Enqueue(), Idle(), Stop(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// INVARIANTS:
//   - Events are applied in Enqueue order
//   - At most one event is applied at a time
type Scheduler struct {
	queue   *eventQueue
	clock   *Clock
	logger  *slog.Logger
	onError func(Event, error)

	mu      sync.Mutex
	pending int           // enqueued but not yet finished
	idle    chan struct{} // closed when pending drops to zero
	done    chan struct{} // closed when Run returns
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithErrorHandler registers a callback for events whose Apply failed.
// It runs on the loop goroutine after the failure is logged.
func WithErrorHandler(fn func(Event, error)) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(c *Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// New creates a scheduler. Call Run to start processing.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:  newEventQueue(),
		clock:  NewClock(),
		logger: slog.Default(),
		idle:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	close(s.idle)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue submits an event. Returns false once the scheduler is stopped.
func (s *Scheduler) Enqueue(ev Event) bool {
	s.mu.Lock()
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.mu.Unlock()

	ev.Seq = s.clock.Next()
	if !s.queue.Enqueue(ev) {
		s.finish()
		return false
	}
	return true
}

// finish marks one event as done and wakes Idle waiters at zero.
func (s *Scheduler) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
}

// Run processes events until ctx is cancelled or Stop is called.
//
// ERROR HANDLING: a failed event is logged with its full context and
// processing continues. One bad remote update or handler must not stall
// every other document.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("engine: Run called twice")
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	s.logger.Debug("scheduler starting")

	for {
		event, ok := s.queue.TryDequeue()
		if ok {
			if err := s.apply(ctx, event); err != nil {
				s.logEventError(event, err)
				if s.onError != nil {
					s.onError(event, err)
				}
			}
			s.finish()
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopping: context cancelled")
			s.queue.Close()
			s.drop()
			return ctx.Err()

		case <-s.queue.Wait():
			// The signal channel closes with the queue, so an empty queue
			// here means Stop was called.
			if s.queue.Len() == 0 && s.stopped() {
				s.logger.Debug("scheduler stopping: queue closed")
				return nil
			}
		}
	}
}

func (s *Scheduler) stopped() bool {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	return s.queue.closed
}

// drop discards events left behind by a cancelled loop.
func (s *Scheduler) drop() {
	for {
		if _, ok := s.queue.TryDequeue(); !ok {
			return
		}
		s.finish()
	}
}

func (s *Scheduler) apply(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if ev.Apply == nil {
		return fmt.Errorf("%s event %q has no Apply", ev.Type, ev.Name)
	}
	return ev.Apply(ctx)
}

func (s *Scheduler) logEventError(ev Event, err error) {
	s.logger.Error("event processing failed",
		"type", ev.Type.String(),
		"name", ev.Name,
		"seq", ev.Seq,
		"error", err,
	)
}

// Stop closes the queue. Events already queued are still applied before
// Run returns.
func (s *Scheduler) Stop() {
	s.queue.Close()
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Idle blocks until no event is queued or being applied. Events enqueued
// by a running event extend the wait. Returns ErrStopped if the loop exits
// first and ctx.Err() if ctx ends first.
func (s *Scheduler) Idle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-s.done:
			s.mu.Lock()
			empty := s.pending == 0
			s.mu.Unlock()
			if empty {
				return nil
			}
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// QueueLen returns the number of events waiting to be applied.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() *Clock {
	return s.clock
}
