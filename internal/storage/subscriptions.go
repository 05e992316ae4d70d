package storage

import (
	"sync"

	"github.com/roach88/cellsync/internal/wire"
)

// SubState is a subscription's lifecycle state.
type SubState int

const (
	// SubPending: requested, not yet acknowledged by the store.
	SubPending SubState = iota + 1
	// SubActive: acknowledged; pushes flow.
	SubActive
	// SubStale: was active, connection dropped, reissue outstanding.
	SubStale
)

func (s SubState) String() string {
	switch s {
	case SubPending:
		return "pending"
	case SubActive:
		return "active"
	case SubStale:
		return "stale"
	default:
		return "unknown"
	}
}

// subscription is keyed by (uri, selector). At most one exists per key per
// provider, so duplicate Sync calls share it.
type subscription struct {
	uri      string
	selector wire.Selector
	state    SubState
	// msgID is the id of the outstanding subscribe frame, "" when none.
	msgID string

	readyOnce sync.Once
	ready     chan struct{}
	err       error
}

func newSubscription(uri string, sel wire.Selector) *subscription {
	return &subscription{
		uri:      uri,
		selector: sel,
		state:    SubPending,
		ready:    make(chan struct{}),
	}
}

func (s *subscription) key() string {
	return wire.SubscriptionKey(s.uri, s.selector)
}

// activate marks the store's acknowledgement and releases Sync waiters.
func (s *subscription) activate() {
	s.state = SubActive
	s.msgID = ""
	s.readyOnce.Do(func() { close(s.ready) })
}

// fail releases Sync waiters with err.
func (s *subscription) fail(err error) {
	s.readyOnce.Do(func() {
		s.err = err
		close(s.ready)
	})
}

// SubscriptionInfo describes one subscription for inspection.
type SubscriptionInfo struct {
	URI      string
	Selector wire.Selector
	State    SubState
}
