package storage

import (
	"errors"
	"fmt"

	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/wire"
)

var (
	// ErrClosed is returned for operations on, or waits cut short by, a
	// closed provider.
	ErrClosed = errors.New("storage: provider closed")

	// ErrConflict matches every *ConflictError under errors.Is.
	ErrConflict = errors.New("storage: write conflict")

	// ErrInvalidTransition is returned by transition for edges the
	// connection state machine does not have.
	ErrInvalidTransition = errors.New("storage: invalid state transition")
)

// ConflictError reports a write rejected because its expected marker was
// stale. Current and Value describe the store's version so the caller can
// retry from a fresh read.
type ConflictError struct {
	BatchID  string
	URI      string
	Expected wire.Marker
	Current  wire.Marker
	Value    ir.Value
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: write conflict on %s: expected marker %d, store has %d", e.URI, e.Expected, e.Current)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ConnectionError is returned when a caller's deadline elapses while the
// provider is not connected. The provider keeps retrying regardless.
type ConnectionError struct {
	Endpoint string
	State    State
	// Queued is the number of batches still waiting to be sent.
	Queued int
	Err    error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: %s is %s with %d batch(es) queued: %v", e.Endpoint, e.State, e.Queued, e.Err)
}

// Unwrap returns the underlying error, usually the caller's context error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RemoteError carries an error frame sent by the store.
type RemoteError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("storage: store rejected %s: %s", e.Op, e.Message)
}

// IsConflictError reports whether err is or wraps a *ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
