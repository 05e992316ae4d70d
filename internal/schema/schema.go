package schema

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/cellsync/internal/ir"
)

// A cue.Context is not safe for concurrent use. Every Schema shares this
// one so values from different schemas can be unified.
var (
	cueMu  sync.Mutex
	cueCtx = cuecontext.New()
)

// Schema is a compiled CUE constraint for cell values. A nil *Schema
// behaves like Any.
type Schema struct {
	value  cue.Value
	source string
	// path is the narrowing applied by At, kept for Source.
	path ir.Path
	top  bool
}

var anySchema = &Schema{source: "_", top: true}

// Any returns the schema that accepts every value.
func Any() *Schema {
	return anySchema
}

// Compile compiles CUE source such as `{message: string, count: number}`.
func Compile(src string) (*Schema, error) {
	src = strings.TrimSpace(src)
	if src == "" || src == "_" {
		return Any(), nil
	}

	cueMu.Lock()
	defer cueMu.Unlock()

	v := cueCtx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return &Schema{value: v, source: src}, nil
}

// MustCompile is like Compile but panics on error.
// Use only in tests or with literals known to be valid.
func MustCompile(src string) *Schema {
	s, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return s
}

// Source returns the text identifying this schema in subscription
// selectors. Narrowed schemas append their path after '#'.
func (s *Schema) Source() string {
	if s == nil || s.top {
		return "_"
	}
	if len(s.path) == 0 {
		return s.source
	}
	return s.source + "#" + s.path.String()
}

// IsAny reports whether the schema accepts every value.
func (s *Schema) IsAny() bool {
	return s == nil || s.top
}

// Validate checks v against the schema. v must be concrete: a struct
// missing a required field fails. Returns *ValidationError on mismatch.
func (s *Schema) Validate(v ir.Value) error {
	return s.validate(v, cue.Concrete(true))
}

// Conforms checks v for conflicts with the schema only. Fields the schema
// requires but v leaves unset are not errors, so a document written one
// key at a time conforms while it is still partial.
func (s *Schema) Conforms(v ir.Value) error {
	return s.validate(v)
}

func (s *Schema) validate(v ir.Value, opts ...cue.Option) error {
	if s.IsAny() {
		return nil
	}

	cueMu.Lock()
	defer cueMu.Unlock()

	data := cueCtx.Encode(ir.ToAny(v))
	if err := data.Err(); err != nil {
		return &ValidationError{Detail: []string{fmt.Sprintf("encode value: %v", err)}}
	}

	unified := s.value.Unify(data)
	if err := unified.Validate(opts...); err != nil {
		return &ValidationError{Detail: validationDetail(err)}
	}
	return nil
}

// At narrows the schema to the sub-schema for path. Paths the schema does
// not describe narrow to Any. Pattern constraints (`[string]: T`,
// `[...T]`) are followed.
func (s *Schema) At(path ir.Path) *Schema {
	if s.IsAny() || len(path) == 0 {
		return s
	}

	cueMu.Lock()
	defer cueMu.Unlock()

	cur := s.value
	for _, seg := range path {
		next, ok := lookupSegment(cur, seg)
		if !ok {
			return Any()
		}
		cur = next
	}
	return &Schema{value: cur, source: s.source, path: s.path.Append(path...)}
}

func lookupSegment(v cue.Value, seg string) (cue.Value, bool) {
	if i, err := strconv.Atoi(seg); err == nil && v.IncompleteKind() == cue.ListKind {
		if next := v.LookupPath(cue.MakePath(cue.Index(i))); next.Exists() {
			return next, true
		}
		if next := v.LookupPath(cue.MakePath(cue.AnyIndex)); next.Exists() {
			return next, true
		}
		return cue.Value{}, false
	}

	if v.IncompleteKind()&cue.StructKind == 0 {
		return cue.Value{}, false
	}
	if next := v.LookupPath(cue.MakePath(cue.Str(seg))); next.Exists() {
		return next, true
	}
	if next := v.LookupPath(cue.MakePath(cue.Str(seg).Optional())); next.Exists() {
		return next, true
	}
	if next := v.LookupPath(cue.MakePath(cue.AnyString)); next.Exists() {
		return next, true
	}
	return cue.Value{}, false
}

// Default returns the value the schema's defaults produce, when they
// produce a concrete one. `{count: *0 | int}` defaults to {"count": 0};
// `{message: string}` has no default.
func (s *Schema) Default() (ir.Value, bool) {
	if s.IsAny() {
		return nil, false
	}

	cueMu.Lock()
	defer cueMu.Unlock()

	d, _ := s.value.Default()
	if err := d.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return nil, false
	}
	data, err := d.MarshalJSON()
	if err != nil {
		return nil, false
	}
	out, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

// String implements fmt.Stringer.
func (s *Schema) String() string {
	return s.Source()
}
