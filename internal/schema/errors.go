package schema

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cellsync/internal/ir"
)

// CompileError reports CUE source that does not compile.
type CompileError struct {
	Message string
	Pos     token.Pos
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("schema: line %d, column %d: %s", e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return "schema: " + e.Message
}

// ValidationError reports a value that does not satisfy its schema.
// Writes failing validation abort the whole transaction before commit.
type ValidationError struct {
	// Path is the cell path the rejected value was written at.
	Path ir.Path
	// Detail lists every constraint violation CUE reported.
	Detail []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	where := e.Path.String()
	if where == "" {
		where = "<root>"
	}
	return fmt.Sprintf("schema validation failed at %s: %s", where, strings.Join(e.Detail, "; "))
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// formatCUEError turns a CUE compile error into a *CompileError carrying the
// first reported position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Message: err.Error()}
	}

	first := errs[0]
	ce := &CompileError{Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

func validationDetail(err error) []string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
