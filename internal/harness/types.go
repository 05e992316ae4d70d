package harness

import "github.com/roach88/cellsync/internal/ir"

// Step statuses recorded in the trace.
const (
	StatusOK     = "ok"
	StatusQueued = "queued"
)

// TraceEvent records one flow step's outcome.
type TraceEvent struct {
	Seq     int64
	Runtime string
	Op      string
	// Cell is the step's cell as seed or seed/path; empty for steps
	// without one.
	Cell string
	// Value is what a set wrote or a get read; nil otherwise.
	Value ir.Value
	// Status is "ok", "queued" or an error kind.
	Status string
}

func (e TraceEvent) object() ir.Object {
	obj := ir.Object{
		"seq":     ir.Int(e.Seq),
		"runtime": ir.String(e.Runtime),
		"op":      ir.String(e.Op),
		"status":  ir.String(e.Status),
	}
	if e.Cell != "" {
		obj["cell"] = ir.String(e.Cell)
	}
	if e.Value != nil {
		obj["value"] = e.Value
	}
	return obj
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool

	// Trace holds one event per flow step, in order.
	Trace []TraceEvent

	// Errors contains failed expectations and assertions.
	// Empty if Pass is true.
	Errors []string

	// Evaluations counts runs per derivation name after the flow.
	Evaluations map[string]int
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Trace:       []TraceEvent{},
		Errors:      []string{},
		Evaluations: make(map[string]int),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
