package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEntity = "cellsync/entity/v1"
	DomainValue  = "cellsync/value/v1"
	DomainWrite  = "cellsync/write/v1"
)

// URIScheme prefixes every document URI.
const URIScheme = "of:"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DocumentURI computes the content-addressed document URI for a causal seed.
// The same seed always yields the same URI, so independent runtimes using
// the same (owner, seed) pair address the same document within the owner's
// space.
func DocumentURI(causalSeed string) string {
	canonical := MustMarshalCanonical(Object{"causal": String(causalSeed)})
	return URIScheme + hashWithDomain(DomainEntity, canonical)
}

// ValueHash returns the content hash of a value.
func ValueHash(v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ValueHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainValue, canonical), nil
}

// WriteEntry is one document write inside a batch digest.
type WriteEntry struct {
	URI      string
	Value    Value
	Expected int64
}

// WriteDigest binds a write batch to its content. Signers sign the digest
// so the store can verify that a proof covers exactly these writes.
func WriteDigest(space, batchID string, writes []WriteEntry) (string, error) {
	arr := make(Array, len(writes))
	for i, w := range writes {
		arr[i] = Object{
			"uri":      String(w.URI),
			"value":    w.Value,
			"expected": Int(w.Expected),
		}
	}
	canonical, err := MarshalCanonical(Object{
		"space":  String(space),
		"batch":  String(batchID),
		"writes": arr,
	})
	if err != nil {
		return "", fmt.Errorf("WriteDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainWrite, canonical), nil
}
