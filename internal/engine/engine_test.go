package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startScheduler runs s in the background and stops it on cleanup.
func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() {
		s.Stop()
		cancel()
		<-s.Done()
	})
}

func TestScheduler_AppliesInOrder(t *testing.T) {
	s := New()
	startScheduler(t, s)

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"a", "b", "c", "d"} {
		require.True(t, s.Enqueue(Event{
			Type: EventTask,
			Name: name,
			Apply: func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, name)
				return nil
			},
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Idle(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestScheduler_IdleWaitsForChainedEvents(t *testing.T) {
	s := New()
	startScheduler(t, s)

	var count int
	var step func(n int) Event
	step = func(n int) Event {
		return Event{Type: EventHandler, Name: "chain", Apply: func(context.Context) error {
			count++
			if n > 0 {
				s.Enqueue(step(n - 1))
			}
			return nil
		}}
	}
	s.Enqueue(step(5))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Idle(ctx))
	assert.Equal(t, 6, count)
}

func TestScheduler_LogAndContinue(t *testing.T) {
	var failed []string
	s := New(WithErrorHandler(func(ev Event, err error) {
		failed = append(failed, ev.Name+": "+err.Error())
	}))
	startScheduler(t, s)

	ran := false
	s.Enqueue(Event{Type: EventTask, Name: "bad", Apply: func(context.Context) error {
		return errors.New("boom")
	}})
	s.Enqueue(Event{Type: EventTask, Name: "panics", Apply: func(context.Context) error {
		panic("oops")
	}})
	s.Enqueue(Event{Type: EventTask, Name: "good", Apply: func(context.Context) error {
		ran = true
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Idle(ctx))

	assert.True(t, ran)
	assert.Equal(t, []string{"bad: boom", "panics: panic: oops"}, failed)
}

func TestScheduler_StampsSequence(t *testing.T) {
	s := New(WithClock(NewClockAt(10)))
	startScheduler(t, s)

	for i := 0; i < 2; i++ {
		s.Enqueue(Event{Type: EventTask, Apply: func(context.Context) error { return nil }})
	}
	assert.Equal(t, int64(12), s.Clock().Current())
}

func TestScheduler_IdleWhenEmpty(t *testing.T) {
	s := New()
	require.NoError(t, s.Idle(context.Background()))
}

func TestScheduler_IdleRespectsContext(t *testing.T) {
	s := New() // not running, so the event never drains
	s.Enqueue(Event{Type: EventTask, Apply: func(context.Context) error { return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Idle(ctx), context.DeadlineExceeded)
}

func TestScheduler_StopRejectsNewEvents(t *testing.T) {
	s := New()
	ctx := context.Background()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	s.Stop()
	require.NoError(t, <-errc)
	assert.False(t, s.Enqueue(Event{Type: EventTask}))
	assert.NoError(t, s.Idle(ctx))
}

func TestScheduler_CancelLeavesNothingPending(t *testing.T) {
	s := New()
	block := make(chan struct{})
	s.Enqueue(Event{Type: EventTask, Apply: func(context.Context) error {
		<-block
		return nil
	}})
	s.Enqueue(Event{Type: EventTask, Apply: func(context.Context) error { return nil }})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	cancel()
	close(block)
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.NoError(t, s.Idle(context.Background()))
}
