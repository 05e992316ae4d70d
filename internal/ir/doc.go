// Package ir provides the value model shared by every cellsync package.
//
// ir imports nothing internal. Documents, cell values, wire payloads and
// derivation outputs are all ir.Value trees.
//
// Key design constraints:
//   - Values are immutable once stored; SetPath copies the spine only
//   - Canonical JSON (RFC 8785) is the only encoding used for hashing
//   - Document URIs are content-addressed from the causal seed
package ir
