package testutil

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/roach88/cellsync/internal/storage"
)

// ErrGateClosed is returned by a closed GatedDialer.
var ErrGateClosed = errors.New("testutil: gate closed")

// GatedDialer fails every dial while shut, simulating an unreachable store.
// Connections already open are unaffected; drop them with Reconnect.
type GatedDialer struct {
	Inner storage.Dialer
	shut  atomic.Bool
}

// NewGatedDialer wraps a websocket dialer in an open gate.
func NewGatedDialer() *GatedDialer {
	return &GatedDialer{Inner: &storage.WebsocketDialer{}}
}

// Shut makes further dials fail.
func (d *GatedDialer) Shut() { d.shut.Store(true) }

// Open lets dials through again.
func (d *GatedDialer) Open() { d.shut.Store(false) }

// Dial implements storage.Dialer.
func (d *GatedDialer) Dial(ctx context.Context, endpoint string) (storage.Conn, error) {
	if d.shut.Load() {
		return nil, ErrGateClosed
	}
	return d.Inner.Dial(ctx, endpoint)
}
