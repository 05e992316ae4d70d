package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/roach88/cellsync/internal/engine"
	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/runtime"
	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/storage"
	"github.com/roach88/cellsync/internal/testutil"
)

// DefaultStepTimeout bounds every flow step that waits on the network.
const DefaultStepTimeout = 5 * time.Second

// Option configures Run.
type Option func(*options)

type options struct {
	endpoint string
	logger   *slog.Logger
	timeout  time.Duration
}

// WithEndpoint runs against an existing store instead of a private
// in-memory one.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithLogger sets the logger handed to the runtimes and the local store.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Harness holds the runtimes of one scenario execution.
type Harness struct {
	scenario    *Scenario
	clock       *engine.Clock
	logger      *slog.Logger
	timeout     time.Duration
	schemas     map[string]*schema.Schema
	runtimes    map[string]*runtime.Runtime
	gates       map[string]*testutil.GatedDialer
	offline     map[string]bool
	derivations map[string]*runtime.Derivation
}

// Run executes a scenario and returns the result.
//
// Each runtime dials through its own gate so network steps can cut it off.
// Trace sequence numbers come from a logical clock, so traces are stable
// across runs. The returned error covers setup failures only; failed
// expectations and assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{timeout: DefaultStepTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	h := &Harness{
		scenario:    scenario,
		clock:       engine.NewClock(),
		logger:      o.logger.With("scenario", scenario.Name),
		timeout:     o.timeout,
		schemas:     make(map[string]*schema.Schema, len(scenario.Schemas)),
		runtimes:    make(map[string]*runtime.Runtime, len(scenario.Runtimes)),
		gates:       make(map[string]*testutil.GatedDialer, len(scenario.Runtimes)),
		offline:     make(map[string]bool),
		derivations: make(map[string]*runtime.Derivation, len(scenario.Derivations)),
	}
	for name, src := range scenario.Schemas {
		s, err := schema.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", name, err)
		}
		h.schemas[name] = s
	}

	endpoint := o.endpoint
	if endpoint == "" {
		ls, err := startLocalStore(ctx, h.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start local store: %w", err)
		}
		defer func() {
			if err := ls.close(); err != nil {
				h.logger.Warn("local store close", "error", err)
			}
		}()
		endpoint = ls.endpoint
	}

	defer h.dispose()
	if err := h.open(ctx, endpoint); err != nil {
		return nil, err
	}
	if err := h.derive(); err != nil {
		return nil, err
	}

	result := NewResult()
	for i := range scenario.Flow {
		h.runStep(ctx, i, &scenario.Flow[i], result)
	}

	for _, name := range scenario.Runtimes {
		if h.offline[name] {
			continue
		}
		if err := h.synced(ctx, name); err != nil {
			result.AddError(fmt.Sprintf("runtime %s: final sync: %v", name, err))
		}
	}
	for name, d := range h.derivations {
		result.Evaluations[name] = d.Evaluations()
	}
	for _, msg := range EvaluateAssertions(ctx, h, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) open(ctx context.Context, endpoint string) error {
	signer := identity.FromPassphrase(h.scenario.Owner)
	for _, name := range h.scenario.Runtimes {
		gate := testutil.NewGatedDialer()
		rt, err := runtime.Open(ctx, runtime.Config{
			Endpoint:   endpoint,
			Signer:     signer,
			Dialer:     gate,
			Backoff:    testutil.FastBackoff(),
			MetricSink: &metrics.BlackholeSink{},
			Logger:     h.logger.With("runtime", name),
		})
		if err != nil {
			return fmt.Errorf("runtime %s: %w", name, err)
		}
		h.runtimes[name] = rt
		h.gates[name] = gate
	}
	return nil
}

func (h *Harness) derive() error {
	for _, def := range h.scenario.Derivations {
		program, err := compileExpr(def)
		if err != nil {
			return err
		}
		rt := h.runtimes[def.Runtime]
		inputs := make(map[string]runtime.Cell, len(def.Inputs))
		for name, ref := range def.Inputs {
			inputs[name] = h.cell(rt, ref)
		}
		d, err := rt.Derive(def.Name, h.cell(rt, def.Output), exprDerivation(program, inputs))
		if err != nil {
			return fmt.Errorf("derivation %q: %w", def.Name, err)
		}
		h.derivations[def.Name] = d
	}
	return nil
}

func (h *Harness) dispose() {
	for name, rt := range h.runtimes {
		if err := rt.Dispose(); err != nil {
			h.logger.Debug("dispose runtime", "runtime", name, "error", err)
		}
	}
}

// cell resolves ref in the shared space.
func (h *Harness) cell(rt *runtime.Runtime, ref CellRef) runtime.Cell {
	c := rt.GetCell("", ref.Seed, h.schemas[ref.Schema])
	if ref.Path != "" {
		c = c.Key(ir.ParsePath(ref.Path)...)
	}
	return c
}

func (h *Harness) synced(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.runtimes[name].Storage().Synced(ctx)
}

// runStep executes one flow step and records its trace event. A status
// other than the expected one fails the result.
func (h *Harness) runStep(ctx context.Context, i int, step *FlowStep, result *Result) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rt := h.runtimes[step.Runtime]
	ev := TraceEvent{Seq: h.clock.Next(), Runtime: step.Runtime, Op: step.kind()}
	want := StatusOK
	var err error

	switch ev.Op {
	case OpSet:
		var refs []string
		var values ir.Array
		for _, op := range step.Set {
			refs = append(refs, op.Cell.String())
			v, convErr := ir.FromAny(op.Value)
			if convErr != nil {
				result.AddError(fmt.Sprintf("flow[%d]: %s: %v", i, op.Cell, convErr))
				return
			}
			values = append(values, v)
		}
		ev.Cell = strings.Join(refs, ",")
		ev.Value = values
		if len(values) == 1 {
			ev.Value = values[0]
		}
		if h.offline[step.Runtime] {
			want = StatusQueued
		}
		err = h.set(ctx, rt, step.Set, values, h.offline[step.Runtime])
		if err == nil && h.offline[step.Runtime] {
			ev.Status = StatusQueued
		}

	case OpGet:
		ev.Cell = step.Get.String()
		var expected ir.Value
		if step.Expect != nil && step.Expect.Value != nil {
			if expected, err = ir.FromAny(step.Expect.Value); err != nil {
				result.AddError(fmt.Sprintf("flow[%d].expect: %v", i, err))
				return
			}
		}
		ev.Value, err = h.get(ctx, rt, *step.Get, expected, h.offline[step.Runtime])
		if err == nil && expected != nil && !ir.Equal(ev.Value, expected) {
			result.AddError(fmt.Sprintf("flow[%d]: %s on %s read %s, want %s",
				i, ev.Cell, step.Runtime, render(ev.Value), render(expected)))
		}

	case OpSync:
		ev.Cell = step.Sync.String()
		err = h.cell(rt, *step.Sync).Sync(ctx)

	case OpSynced:
		err = rt.Storage().Synced(ctx)

	case OpNetwork:
		ev.Value = ir.String(step.Network)
		if step.Network == "down" {
			h.gates[step.Runtime].Shut()
			rt.Storage().Reconnect()
			h.offline[step.Runtime] = true
		} else {
			h.gates[step.Runtime].Open()
			h.offline[step.Runtime] = false
		}
	}

	if ev.Status == "" {
		ev.Status = StatusOK
		if err != nil {
			ev.Status = ErrorKind(err)
		}
	}
	if step.Expect != nil && step.Expect.Status != "" {
		want = step.Expect.Status
	}
	if ev.Status != want {
		msg := fmt.Sprintf("flow[%d]: %s on %s: status %q, want %q", i, ev.Op, step.Runtime, ev.Status, want)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
	}
	h.logger.Debug("step", "index", i, "op", ev.Op, "runtime", ev.Runtime, "cell", ev.Cell, "status", ev.Status)
	result.AddTrace(ev)
}

// set writes values in one transaction. Online, it waits for the store's
// answer; offline, the batch stays queued.
func (h *Harness) set(ctx context.Context, rt *runtime.Runtime, ops []SetOp, values []ir.Value, offline bool) error {
	tx, err := rt.Edit()
	if err != nil {
		return err
	}
	for j, op := range ops {
		if err := h.cell(rt, op.Cell).Set(tx, values[j]); err != nil {
			tx.Abort()
			return err
		}
	}
	commit, err := tx.Commit()
	if err != nil {
		return err
	}
	if offline {
		return nil
	}
	return commit.Wait(ctx)
}

// get syncs the cell and reads it. With an expected value it waits for
// that value to arrive.
func (h *Harness) get(ctx context.Context, rt *runtime.Runtime, ref CellRef, expected ir.Value, offline bool) (ir.Value, error) {
	c := h.cell(rt, ref)
	if !offline {
		if err := c.Sync(ctx); err != nil {
			return nil, err
		}
	}
	if expected == nil {
		return c.Get(), nil
	}

	changed := make(chan struct{}, 1)
	stop := c.Observe(func(ir.Value) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stop()
	for {
		v := c.Get()
		if ir.Equal(v, expected) {
			return v, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return v, nil
		}
	}
}

// ErrorKind classifies an error for traces and expect clauses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case runtime.IsSchemaValidationError(err):
		return "schema_validation"
	case runtime.IsConflictError(err):
		return "conflict"
	case storage.IsConnectionError(err):
		return "connection"
	case runtime.IsNoActiveTransactionError(err):
		return "no_active_transaction"
	case errors.Is(err, runtime.ErrTransactionOpen):
		return "transaction_open"
	case errors.Is(err, runtime.ErrDisposed):
		return "disposed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func render(v ir.Value) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
