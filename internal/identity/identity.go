// Package identity provides the signer and verifier capability the storage
// layer consumes: Ed25519 key pairs named by DID-like identifiers, session
// tokens for connections and proofs for write batches.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// DIDPrefix starts every identifier this package issues.
const DIDPrefix = "did:key:"

// ErrUnauthorized is wrapped by every verification failure.
var ErrUnauthorized = errors.New("identity: unauthorized")

// Signer produces tokens on behalf of one identity.
type Signer interface {
	DID() string
	SessionToken(space string, ttl time.Duration) (string, error)
	SignWrite(space, batchID, digest string) (string, error)
}

// KeyPair is an Ed25519 identity.
type KeyPair struct {
	priv ed25519.PrivateKey
	did  string
}

var _ Signer = (*KeyPair)(nil)

// Generate creates a random identity.
func Generate() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromPrivate(priv), nil
}

// FromPassphrase derives a deterministic identity. Two runtimes opened with
// the same passphrase act as the same owner.
func FromPassphrase(passphrase string) *KeyPair {
	seed := sha256.Sum256([]byte("cellsync/identity/v1\x00" + passphrase))
	return fromPrivate(ed25519.NewKeyFromSeed(seed[:]))
}

func fromPrivate(priv ed25519.PrivateKey) *KeyPair {
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{priv: priv, did: DIDPrefix + base64.RawURLEncoding.EncodeToString(pub)}
}

// DID returns the identity's identifier.
func (k *KeyPair) DID() string {
	return k.did
}

// sessionClaims authorize a connection to one space.
type sessionClaims struct {
	gojwt.RegisteredClaims
}

// writeClaims bind a write batch to its content digest.
type writeClaims struct {
	gojwt.RegisteredClaims
	Digest string `json:"digest"`
}

// SessionToken issues a token for connecting to space.
func (k *KeyPair) SessionToken(space string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{gojwt.RegisteredClaims{
		Issuer:    k.did,
		Subject:   k.did,
		Audience:  gojwt.ClaimStrings{space},
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodEdDSA, claims).SignedString(k.priv)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// SignWrite issues a proof over a write batch digest.
func (k *KeyPair) SignWrite(space, batchID, digest string) (string, error) {
	claims := writeClaims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   k.did,
			Audience: gojwt.ClaimStrings{space},
			ID:       batchID,
			IssuedAt: gojwt.NewNumericDate(time.Now()),
		},
		Digest: digest,
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodEdDSA, claims).SignedString(k.priv)
	if err != nil {
		return "", fmt.Errorf("sign write %s: %w", batchID, err)
	}
	return signed, nil
}

// PublicKey decodes the Ed25519 public key a DID names.
func PublicKey(did string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(did, DIDPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported identifier %q", ErrUnauthorized, did)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: malformed identifier %q", ErrUnauthorized, did)
	}
	return ed25519.PublicKey(raw), nil
}

// keyFromIssuer resolves the verification key from the token's own
// issuer claim. The identifier is the key, so no registry is needed.
func keyFromIssuer(token *gojwt.Token) (any, error) {
	iss, err := token.Claims.GetIssuer()
	if err != nil {
		return nil, err
	}
	return PublicKey(iss)
}

// VerifySession checks a session token for space and returns the caller's DID.
func VerifySession(token, space string) (string, error) {
	var claims sessionClaims
	_, err := gojwt.ParseWithClaims(token, &claims, keyFromIssuer,
		gojwt.WithValidMethods([]string{gojwt.SigningMethodEdDSA.Alg()}),
		gojwt.WithAudience(space),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: session: %v", ErrUnauthorized, err)
	}
	return claims.Issuer, nil
}

// VerifyWrite checks that proof was issued by did for exactly this batch.
func VerifyWrite(proof, did, space, batchID, digest string) error {
	var claims writeClaims
	_, err := gojwt.ParseWithClaims(proof, &claims, keyFromIssuer,
		gojwt.WithValidMethods([]string{gojwt.SigningMethodEdDSA.Alg()}),
		gojwt.WithAudience(space),
		gojwt.WithIssuer(did),
	)
	if err != nil {
		return fmt.Errorf("%w: write proof: %v", ErrUnauthorized, err)
	}
	if claims.ID != batchID || claims.Digest != digest {
		return fmt.Errorf("%w: write proof does not cover batch %s", ErrUnauthorized, batchID)
	}
	return nil
}
