package store

import (
	"fmt"

	"github.com/roach88/cellsync/internal/ir"
)

// marshalValue converts a document value to canonical JSON TEXT for storage.
// Canonical bytes keep stored rows and value hashes stable across writers.
func marshalValue(v ir.Value) (string, error) {
	if v == nil {
		v = ir.Null{}
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses stored JSON TEXT. Integers beyond 2^53 survive
// because ir decodes numbers via json.Number.
func unmarshalValue(data string) (ir.Value, error) {
	if data == "" {
		return ir.Null{}, nil
	}
	v, err := ir.UnmarshalValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}
