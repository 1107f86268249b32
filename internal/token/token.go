// Package token issues and verifies the join tokens that let a node attach
// to a mesh, per the wire format in the join-token section of the HTTP API.
// A token is an Ed25519-signed envelope; the capabilities it grants are
// expressed as a nested macaroon so a holder can attenuate (but never
// widen) what it authorizes before handing it to someone else.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/macaroon"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// EndpointKind distinguishes the three ways a join token points a new node
// at the mesh (spec §4.7).
type EndpointKind string

const (
	EndpointLocal  EndpointKind = "local"
	EndpointPublic EndpointKind = "public"
	EndpointRelay  EndpointKind = "relay"
)

// JoinEndpoint is one dialable address carried in a token.
type JoinEndpoint struct {
	Kind    EndpointKind `json:"kind"`
	Address string       `json:"address"`
}

// claims is the canonical, signed portion of a token. Field order matters:
// it is what gets marshaled to produce the signing payload.
type claims struct {
	MeshID         string         `json:"mesh_id"`
	IssuerNodeID   string         `json:"issuer_node_id"`
	IssuedAt       int64          `json:"issued_at"`
	ExpiresAt      int64          `json:"expires_at"`
	Endpoints      []JoinEndpoint `json:"endpoints"`
	CapabilityGrant string        `json:"capability_grant"` // base64 macaroon, root key = issuer signature of a nonce token
}

// Token is a signed join token plus its signature.
type Token struct {
	claims
	Signature []byte `json:"signature"`
}

// MaxSkew is the clock-skew tolerance applied to issued_at/expires_at
// checks, matching the gossip engine's staleness tolerance.
const MaxSkew = 5 * time.Minute

// Issue creates and signs a new join token. grant, if non-nil, is embedded
// as the capabilities_granted macaroon; pass nil to grant unrestricted
// access (callers should then immediately attenuate before handing the
// token to anyone else).
func Issue(priv ed25519.PrivateKey, meshID, issuerNodeID string, ttl time.Duration, endpoints []JoinEndpoint, grant *macaroon.Macaroon) (*Token, error) {
	now := time.Now()
	t := &Token{
		claims: claims{
			MeshID:       meshID,
			IssuerNodeID: issuerNodeID,
			IssuedAt:     now.Unix(),
			ExpiresAt:    now.Add(ttl).Unix(),
			Endpoints:    endpoints,
		},
	}

	if grant != nil {
		enc, err := grant.EncodeBase64()
		if err != nil {
			return nil, fmt.Errorf("encode capability grant: %w", err)
		}
		t.CapabilityGrant = enc
	}

	payload, err := t.signingPayload()
	if err != nil {
		return nil, err
	}
	t.Signature = ed25519.Sign(priv, payload)
	return t, nil
}

// Verify checks the token's signature against issuerPub, then its time
// bounds (within MaxSkew), and finally the embedded capability grant if a
// verifyCtx is supplied. A nil verifyCtx skips caveat evaluation (e.g. when
// only establishing transport identity, not authorizing an invocation).
func (t *Token) Verify(issuerPub ed25519.PublicKey, now time.Time, grantRootKey []byte, verifyCtx *macaroon.VerifyContext) error {
	payload, err := t.signingPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", meshmodel.ErrValidation, err)
	}
	if !ed25519.Verify(issuerPub, payload, t.Signature) {
		return fmt.Errorf("%w: signature mismatch", meshmodel.ErrNotAuthorized)
	}

	notBefore := time.Unix(t.IssuedAt, 0).Add(-MaxSkew)
	notAfter := time.Unix(t.claims.ExpiresAt, 0).Add(MaxSkew)
	if now.Before(notBefore) || now.After(notAfter) {
		return fmt.Errorf("%w: token outside validity window", meshmodel.ErrStale)
	}

	if t.CapabilityGrant == "" {
		return nil
	}
	grant, err := macaroon.DecodeBase64(t.CapabilityGrant)
	if err != nil {
		return fmt.Errorf("%w: decode capability grant: %v", meshmodel.ErrValidation, err)
	}
	if verifyCtx == nil {
		return grant.Verify(grantRootKey, nil)
	}
	if err := grant.Verify(grantRootKey, macaroon.DefaultVerifier(*verifyCtx)); err != nil {
		return fmt.Errorf("%w: %v", meshmodel.ErrNotAuthorized, err)
	}
	return nil
}

// Attenuate returns a copy of t with an additional caveat appended to the
// embedded capability grant, narrowing what it authorizes. The signature is
// unaffected: it still verifies against the issuer's public key because the
// macaroon's own HMAC chain (not the outer Ed25519 signature) enforces that
// the grant can only be narrowed, never widened.
func (t *Token) Attenuate(caveat string) (*Token, error) {
	if t.CapabilityGrant == "" {
		return nil, fmt.Errorf("%w: token has no capability grant to attenuate", meshmodel.ErrValidation)
	}
	grant, err := macaroon.DecodeBase64(t.CapabilityGrant)
	if err != nil {
		return nil, fmt.Errorf("decode capability grant: %w", err)
	}
	grant.AddFirstPartyCaveat(caveat)
	enc, err := grant.EncodeBase64()
	if err != nil {
		return nil, fmt.Errorf("encode capability grant: %w", err)
	}
	cp := *t
	cp.CapabilityGrant = enc
	return &cp, nil
}

func (t *Token) signingPayload() ([]byte, error) {
	return json.Marshal(t.claims)
}

// Encode serializes the token to the JSON wire format used by
// /api/mesh/token and /api/mesh/join.
func (t *Token) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Decode parses a token from its JSON wire format.
func Decode(data []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: decode token: %v", meshmodel.ErrValidation, err)
	}
	return &t, nil
}

// DecodeBase64 parses a token from the base64 form EncodeBase64 produces,
// the counterpart used by POST /api/mesh/join's token_b64 field.
func DecodeBase64(s string) (*Token, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 token: %v", meshmodel.ErrValidation, err)
	}
	return Decode(data)
}

// EncodeBase64 is a convenience wrapper for embedding a token in a URL, e.g.
// the atmosphere://join QR payload.
func (t *Token) EncodeBase64() (string, error) {
	data, err := t.Encode()
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DeriveGrantRootKey derives the macaroon root key used to mint and later
// verify a token's capability grant. Both sides of that check are the same
// node (the issuer mints the grant at Issue time and re-verifies it when
// the token comes back at join/invoke time), so the key never needs to
// cross the wire: it's an Ed25519 signature over a fixed, domain-separated
// string naming this mesh and issuer, reproducible only by whoever holds
// priv.
func DeriveGrantRootKey(priv ed25519.PrivateKey, meshID, issuerNodeID string) []byte {
	return ed25519.Sign(priv, []byte("atmosphere-capability-root|"+meshID+"|"+issuerNodeID))
}

// MeshID, IssuerNodeID, ExpiresAt, Endpoints expose the signed claims
// read-only to callers that only need metadata, not verification.
func (t *Token) MeshID() string              { return t.claims.MeshID }
func (t *Token) IssuerNodeID() string        { return t.claims.IssuerNodeID }
func (t *Token) ExpiresAt() time.Time        { return time.Unix(t.claims.ExpiresAt, 0) }
func (t *Token) Endpoints() []JoinEndpoint   { return t.claims.Endpoints }
