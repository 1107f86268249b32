package token

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/macaroon"
)

func genKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestIssueAndVerify(t *testing.T) {
	pub, priv := genKeys(t)
	tok, err := Issue(priv, "mesh-1", "node-1", time.Hour, []JoinEndpoint{{Kind: EndpointPublic, Address: "1.2.3.4:9000"}}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := tok.Verify(pub, time.Now(), nil, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := genKeys(t)
	otherPub, _ := genKeys(t)
	tok, err := Issue(priv, "mesh-1", "node-1", time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := tok.Verify(otherPub, time.Now(), nil, nil); err == nil {
		t.Fatal("expected verification failure against wrong key")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	pub, priv := genKeys(t)
	tok, err := Issue(priv, "mesh-1", "node-1", time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := tok.Verify(pub, future, nil, nil); err == nil {
		t.Fatal("expected expiry failure")
	}
}

func TestCapabilityGrantAttenuation(t *testing.T) {
	pub, priv := genKeys(t)
	rootKey := []byte("root-key-for-grant-chain-testing")
	grant := macaroon.New("mesh-1", rootKey, "grant-1")
	grant.AddFirstPartyCaveat("cap_type=llm/chat")

	tok, err := Issue(priv, "mesh-1", "node-1", time.Hour, nil, grant)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	ctx := macaroon.VerifyContext{CapType: "llm/chat", Now: time.Now()}
	if err := tok.Verify(pub, time.Now(), rootKey, &ctx); err != nil {
		t.Fatalf("verify with matching cap_type: %v", err)
	}

	attenuated, err := tok.Attenuate("max_invokes=1")
	if err != nil {
		t.Fatalf("attenuate: %v", err)
	}
	// Outer signature still verifies: attenuation narrows the macaroon, not
	// the Ed25519-signed envelope.
	if err := attenuated.Verify(pub, time.Now(), rootKey, &ctx); err != nil {
		t.Fatalf("verify attenuated token: %v", err)
	}

	ctxWrongType := macaroon.VerifyContext{CapType: "llm/embed", Now: time.Now()}
	if err := attenuated.Verify(pub, time.Now(), rootKey, &ctxWrongType); err == nil {
		t.Fatal("expected rejection for capability type outside grant")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv := genKeys(t)
	tok, err := Issue(priv, "mesh-1", "node-1", time.Hour, []JoinEndpoint{{Kind: EndpointLocal, Address: "192.168.1.5:9000"}}, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	data, err := tok.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := decoded.Verify(pub, time.Now(), nil, nil); err != nil {
		t.Fatalf("verify decoded: %v", err)
	}
	if decoded.MeshID() != "mesh-1" {
		t.Errorf("mesh_id = %q, want mesh-1", decoded.MeshID())
	}
	if len(decoded.Endpoints()) != 1 {
		t.Fatalf("endpoints = %d, want 1", len(decoded.Endpoints()))
	}
}

func TestRevocationStoreRoundTrip(t *testing.T) {
	_, priv := genKeys(t)
	tok, err := Issue(priv, "mesh-1", "node-1", time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "revoked.json")
	store := NewRevocationStore(path)
	if store.IsRevoked(tok) {
		t.Fatal("token should not start revoked")
	}

	store.Revoke(tok, "manual revoke")
	if !store.IsRevoked(tok) {
		t.Fatal("token should be revoked")
	}
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := NewRevocationStore(path)
	if !reloaded.IsRevoked(tok) {
		t.Fatal("revocation did not survive reload")
	}
}
