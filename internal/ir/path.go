package ir

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Path addresses a sub-value: object keys or decimal array indices.
type Path []string

// ErrPathConflict is returned when a path descends through a scalar.
var ErrPathConflict = errors.New("path descends through a scalar")

// String renders the path as a slash-joined string ("" for the root).
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Append returns a new path with child appended. The receiver is not aliased.
func (p Path) Append(child ...string) Path {
	out := make(Path, 0, len(p)+len(child))
	out = append(out, p...)
	return append(out, child...)
}

// HasPrefix reports whether prefix is an ancestor of (or equal to) p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether one path is a prefix of the other.
// A write at one overlapping path can change the value read at the other.
func (p Path) Overlaps(other Path) bool {
	return p.HasPrefix(other) || other.HasPrefix(p)
}

// Equal reports element-wise equality.
func (p Path) Equal(other Path) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// ParsePath splits a slash-joined path. The empty string is the root.
func ParsePath(s string) Path {
	if s == "" {
		return Path{}
	}
	return Path(strings.Split(s, "/"))
}

// GetPath returns the value at p, or (nil, false) when any segment is absent.
func GetPath(v Value, p Path) (Value, bool) {
	cur := v
	for _, seg := range p {
		switch node := cur.(type) {
		case Object:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Array:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// SetPath returns a copy of v with x stored at p. Only the spine along p is
// copied; sibling branches are shared with v. Missing intermediate objects
// are created. Array segments may address an existing index or append at
// len(array).
func SetPath(v Value, p Path, x Value) (Value, error) {
	if len(p) == 0 {
		return x, nil
	}

	seg, rest := p[0], p[1:]
	switch node := v.(type) {
	case nil, Null:
		child, err := SetPath(nil, rest, x)
		if err != nil {
			return nil, err
		}
		return Object{seg: child}, nil

	case Object:
		child, err := SetPath(node[seg], rest, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", seg, err)
		}
		out := make(Object, len(node)+1)
		for k, val := range node {
			out[k] = val
		}
		out[seg] = child
		return out, nil

	case Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i > len(node) {
			return nil, fmt.Errorf("invalid array index %q for length %d", seg, len(node))
		}
		var existing Value
		if i < len(node) {
			existing = node[i]
		}
		child, err := SetPath(existing, rest, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", seg, err)
		}
		out := make(Array, len(node), len(node)+1)
		copy(out, node)
		if i == len(node) {
			out = append(out, child)
		} else {
			out[i] = child
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%s under %s: %w", seg, Kind(v), ErrPathConflict)
	}
}

// DeletePath returns a copy of v without the object key at p.
// Deleting an absent key returns v unchanged.
func DeletePath(v Value, p Path) (Value, error) {
	if len(p) == 0 {
		return Null{}, nil
	}
	parent, ok := GetPath(v, p[:len(p)-1])
	if !ok {
		return v, nil
	}
	obj, ok := parent.(Object)
	if !ok {
		return nil, fmt.Errorf("delete %s: parent is %s: %w", p, Kind(parent), ErrPathConflict)
	}
	last := p[len(p)-1]
	if _, exists := obj[last]; !exists {
		return v, nil
	}
	out := make(Object, len(obj))
	for k, val := range obj {
		if k != last {
			out[k] = val
		}
	}
	return SetPath(v, p[:len(p)-1], out)
}
