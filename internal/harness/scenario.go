package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario drives one or more runtimes against a shared store and
// asserts on what they observe.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Owner is the passphrase every runtime derives its identity from, so
	// all runtimes share one space. Defaults to "harness".
	Owner string `yaml:"owner,omitempty"`

	// Runtimes names the runtimes to open, in order.
	Runtimes []string `yaml:"runtimes"`

	// Schemas maps names to CUE sources referenced by CellRef.Schema.
	Schemas map[string]string `yaml:"schemas,omitempty"`

	// Derivations are registered after the runtimes open, before the flow.
	Derivations []DerivationDef `yaml:"derivations,omitempty"`

	// Flow runs in order. Each step does exactly one thing.
	Flow []FlowStep `yaml:"flow"`

	// Assertions run after the flow, once every runtime is synced.
	Assertions []Assertion `yaml:"assertions"`
}

// CellRef names a cell: a document seed, an optional slash-separated path
// inside it and an optional schema name. The schema applies to the whole
// document and narrows along the path.
type CellRef struct {
	Seed   string `yaml:"seed"`
	Path   string `yaml:"path,omitempty"`
	Schema string `yaml:"schema,omitempty"`
}

// String renders the ref as seed or seed/path.
func (c CellRef) String() string {
	if c.Path == "" {
		return c.Seed
	}
	return c.Seed + "/" + c.Path
}

// DerivationDef computes Output from Inputs with an expr-lang expression.
// Input names are the expression's variables.
type DerivationDef struct {
	Name    string             `yaml:"name"`
	Runtime string             `yaml:"runtime"`
	Inputs  map[string]CellRef `yaml:"inputs"`
	Output  CellRef            `yaml:"output"`
	Expr    string             `yaml:"expr"`
}

// FlowStep is one action on one runtime.
type FlowStep struct {
	Runtime string `yaml:"runtime"`

	// Set writes every entry in a single transaction.
	Set []SetOp `yaml:"set,omitempty"`

	// Get syncs and reads a cell. With an expected value it keeps reading
	// until the value arrives or the step times out.
	Get *CellRef `yaml:"get,omitempty"`

	// Sync subscribes to a cell and waits for its snapshot.
	Sync *CellRef `yaml:"sync,omitempty"`

	// Synced waits until the runtime has nothing in flight.
	Synced bool `yaml:"synced,omitempty"`

	// Network takes the runtime's connection "down" or brings it "up".
	// Writes made while down are queued.
	Network string `yaml:"network,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// SetOp is one staged write.
type SetOp struct {
	Cell  CellRef `yaml:"cell"`
	Value any     `yaml:"value"`
}

// ExpectClause checks a step's outcome.
type ExpectClause struct {
	// Value is compared with what a get step read.
	Value any `yaml:"value,omitempty"`

	// Status is the expected step status: "ok", "queued" or an error
	// kind such as "schema_validation" or "conflict".
	Status string `yaml:"status,omitempty"`
}

func (s *FlowStep) kind() string {
	var kinds []string
	if len(s.Set) > 0 {
		kinds = append(kinds, OpSet)
	}
	if s.Get != nil {
		kinds = append(kinds, OpGet)
	}
	if s.Sync != nil {
		kinds = append(kinds, OpSync)
	}
	if s.Synced {
		kinds = append(kinds, OpSynced)
	}
	if s.Network != "" {
		kinds = append(kinds, OpNetwork)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates the trace or the runtimes' final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "converged": every runtime reads the same value for Cell
	// - "cell_value": Runtime reads Expect for Cell
	// - "evaluations": Derivation has run exactly Count times
	// - "trace_count": Op appears exactly Count times in the trace
	Type string `yaml:"type"`

	Runtime    string   `yaml:"runtime,omitempty"`
	Cell       *CellRef `yaml:"cell,omitempty"`
	Expect     any      `yaml:"expect,omitempty"`
	Derivation string   `yaml:"derivation,omitempty"`
	Op         string   `yaml:"op,omitempty"`
	Count      int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged   = "converged"
	AssertCellValue   = "cell_value"
	AssertEvaluations = "evaluations"
	AssertTraceCount  = "trace_count"
)

// Step ops as recorded in the trace.
const (
	OpSet     = "set"
	OpGet     = "get"
	OpSync    = "sync"
	OpSynced  = "synced"
	OpNetwork = "network"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Owner == "" {
		scenario.Owner = "harness"
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// name a step or assertion uses is declared.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Runtimes) == 0 {
		return fmt.Errorf("runtimes list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, name := range s.Runtimes {
		if name == "" {
			return fmt.Errorf("runtimes[%d]: name is required", i)
		}
		if slices.Index(s.Runtimes, name) != i {
			return fmt.Errorf("runtimes[%d]: duplicate runtime %q", i, name)
		}
	}

	derivations := make(map[string]bool)
	for i, d := range s.Derivations {
		where := fmt.Sprintf("derivations[%d]", i)
		switch {
		case d.Name == "":
			return fmt.Errorf("%s: name is required", where)
		case derivations[d.Name]:
			return fmt.Errorf("%s: duplicate derivation %q", where, d.Name)
		case strings.TrimSpace(d.Expr) == "":
			return fmt.Errorf("%s: expr is required", where)
		}
		derivations[d.Name] = true
		if err := s.checkRuntime(where, d.Runtime); err != nil {
			return err
		}
		if err := s.checkCell(where+".output", &d.Output); err != nil {
			return err
		}
		for name, in := range d.Inputs {
			if err := s.checkCell(fmt.Sprintf("%s.inputs.%s", where, name), &in); err != nil {
				return err
			}
		}
	}

	for i := range s.Flow {
		if err := s.validateStep(i, &s.Flow[i]); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := s.validateAssertion(i, &s.Assertions[i], derivations); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) validateStep(i int, step *FlowStep) error {
	where := fmt.Sprintf("flow[%d]", i)
	if err := s.checkRuntime(where, step.Runtime); err != nil {
		return err
	}

	kind := step.kind()
	switch kind {
	case "":
		return fmt.Errorf("%s: exactly one of set, get, sync, synced, network is required", where)
	case OpSet:
		for j := range step.Set {
			if err := s.checkCell(fmt.Sprintf("%s.set[%d]", where, j), &step.Set[j].Cell); err != nil {
				return err
			}
		}
	case OpGet:
		if err := s.checkCell(where+".get", step.Get); err != nil {
			return err
		}
	case OpSync:
		if err := s.checkCell(where+".sync", step.Sync); err != nil {
			return err
		}
	case OpNetwork:
		if step.Network != "up" && step.Network != "down" {
			return fmt.Errorf("%s: network must be up or down, got %q", where, step.Network)
		}
	}

	if step.Expect != nil && step.Expect.Value != nil && kind != OpGet {
		return fmt.Errorf("%s.expect: value is only checked on get steps", where)
	}
	return nil
}

func (s *Scenario) validateAssertion(i int, a *Assertion, derivations map[string]bool) error {
	where := fmt.Sprintf("assertions[%d]", i)
	if a.Type == "" {
		return fmt.Errorf("%s: type is required", where)
	}

	switch a.Type {
	case AssertConverged:
		if a.Cell == nil {
			return fmt.Errorf("%s: cell is required for converged", where)
		}
		return s.checkCell(where, a.Cell)
	case AssertCellValue:
		if a.Cell == nil {
			return fmt.Errorf("%s: cell is required for cell_value", where)
		}
		if err := s.checkRuntime(where, a.Runtime); err != nil {
			return err
		}
		return s.checkCell(where, a.Cell)
	case AssertEvaluations:
		if !derivations[a.Derivation] {
			return fmt.Errorf("%s: unknown derivation %q", where, a.Derivation)
		}
		if a.Count < 1 {
			return fmt.Errorf("%s: count must be positive for evaluations", where)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("%s: op is required for trace_count", where)
		}
		if a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative for trace_count", where)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}
	return nil
}

func (s *Scenario) checkRuntime(where, name string) error {
	if name == "" {
		return fmt.Errorf("%s: runtime is required", where)
	}
	if !slices.Contains(s.Runtimes, name) {
		return fmt.Errorf("%s: unknown runtime %q", where, name)
	}
	return nil
}

func (s *Scenario) checkCell(where string, c *CellRef) error {
	if c == nil || c.Seed == "" {
		return fmt.Errorf("%s: cell seed is required", where)
	}
	if c.Schema != "" {
		if _, ok := s.Schemas[c.Schema]; !ok {
			return fmt.Errorf("%s: unknown schema %q", where, c.Schema)
		}
	}
	return nil
}
