// Package identity manages the node's long-term Ed25519 keypair and the
// node_id derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	"lukechampine.com/blake3"
)

// Identity is a node's long-term signing keypair plus its derived node_id.
type Identity struct {
	NodeID     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// CheckKeyFilePermissions verifies that a key file is not readable by group
// or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// NodeIDFromPublicKey derives the stable node_id from a public key: the
// first 20 hex characters of BLAKE3(pubkey).
func NodeIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:])[:20]
}

// LoadOrCreateIdentity loads an existing identity from a seed file or
// creates a new one, saving the 32-byte seed with 0600 permissions.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if seed, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s has invalid length %d (expected %d)", path, len(seed), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		return &Identity{
			NodeID:     NodeIDFromPublicKey(pub),
			PublicKey:  pub,
			PrivateKey: priv,
		}, nil
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to %s: %w", path, err)
	}

	return &Identity{
		NodeID:     NodeIDFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// NodeIDFromKeyFile loads (or creates) a key file and returns the derived
// node_id without retaining the private key in the caller's scope.
func NodeIDFromKeyFile(path string) (string, error) {
	id, err := LoadOrCreateIdentity(path)
	if err != nil {
		return "", err
	}
	return id.NodeID, nil
}
