package graph

import (
	"errors"
	"fmt"
)

// ErrCycle is returned when a derivation's reads would close a synchronous
// cycle. Cycles are only allowed through handler events.
var ErrCycle = errors.New("graph: synchronous dependency cycle")

// ErrUnknownNode is returned for operations on removed or unknown node ids.
var ErrUnknownNode = errors.New("graph: unknown node")

// DerivationError reports a derivation that failed during evaluation.
// The node keeps its previous output and its dependents are not recomputed.
type DerivationError struct {
	Node NodeID
	Name string
	Err  error
}

// Error implements the error interface.
func (e *DerivationError) Error() string {
	return fmt.Sprintf("derivation %q (node %d): %v", e.Name, e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e *DerivationError) Unwrap() error {
	return e.Err
}

// IsDerivationError reports whether err is or wraps a *DerivationError.
func IsDerivationError(err error) bool {
	var de *DerivationError
	return errors.As(err, &de)
}

// IsCycleError reports whether err is or wraps ErrCycle.
func IsCycleError(err error) bool {
	return errors.Is(err, ErrCycle)
}
