package runtime

import (
	"errors"
	"fmt"

	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/storage"
)

var (
	// ErrTransactionOpen is returned by Edit while the caller's previous
	// transaction is neither committed nor aborted.
	ErrTransactionOpen = errors.New("runtime: a transaction is already open")

	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("runtime: disposed")

	// ErrForeignTransaction is returned when a cell is written through a
	// transaction of another runtime.
	ErrForeignTransaction = errors.New("runtime: transaction belongs to another runtime")
)

// SchemaValidationError is returned by Commit when a staged value does not
// satisfy its cell's schema. The transaction is aborted.
type SchemaValidationError = schema.ValidationError

// NoActiveTransactionError reports a write staged without an open
// transaction.
type NoActiveTransactionError struct {
	Op    string
	Cell  string
	State TxState
}

// Error implements the error interface.
func (e *NoActiveTransactionError) Error() string {
	if e.State == 0 {
		return fmt.Sprintf("runtime: %s %s: no active transaction", e.Op, e.Cell)
	}
	return fmt.Sprintf("runtime: %s %s: transaction is %s", e.Op, e.Cell, e.State)
}

// HandlerError wraps a failure returned by an event handler. The handler's
// transaction is aborted.
type HandlerError struct {
	Trigger string
	Err     error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("runtime: handler for %q: %v", e.Trigger, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsNoActiveTransactionError reports whether err is or wraps a
// *NoActiveTransactionError.
func IsNoActiveTransactionError(err error) bool {
	var target *NoActiveTransactionError
	return errors.As(err, &target)
}

// IsSchemaValidationError reports whether err is or wraps a
// *SchemaValidationError.
func IsSchemaValidationError(err error) bool {
	return schema.IsValidationError(err)
}

// IsConflictError reports whether err is or wraps a *storage.ConflictError.
func IsConflictError(err error) bool {
	return storage.IsConflictError(err)
}
