package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/vault"
)

// vaultPath is where a sealed identity's encrypted seed lives, alongside
// the (now deleted) plaintext key file it replaces.
func vaultPath(keyFile string) string { return keyFile + ".vault" }

// IsSealed reports whether keyFile has been sealed behind a passphrase.
func IsSealed(keyFile string) bool {
	_, err := os.Stat(vaultPath(keyFile))
	return err == nil
}

// seedPhraseFromBytes renders a seed as the 32-hex-pair-word phrase
// vault.RecoverFromSeed expects, matching the same encoding vault.go
// uses internally for its own recovery phrases.
func seedPhraseFromBytes(seed []byte) string {
	words := make([]string, len(seed))
	for i, b := range seed {
		words[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(words, " ")
}

// SealKeyFile moves a node's plaintext Ed25519 seed behind a
// passphrase-sealed vault, deleting the plaintext copy, and returns the
// recovery seed phrase. A sealed node cannot start (see IsSealed) until
// UnsealKeyFile or LoadSealedIdentity decrypts it with the passphrase.
func SealKeyFile(keyFile, passphrase string) (seedPhrase string, err error) {
	seed, err := os.ReadFile(keyFile)
	if err != nil {
		return "", fmt.Errorf("identity: read key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("identity: key file %s has invalid length %d (expected %d)", keyFile, len(seed), ed25519.SeedSize)
	}

	v, err := vault.RecoverFromSeed(seedPhraseFromBytes(seed), passphrase, false, 0)
	if err != nil {
		return "", fmt.Errorf("identity: seal key: %w", err)
	}
	if err := v.Save(vaultPath(keyFile)); err != nil {
		return "", fmt.Errorf("identity: save vault: %w", err)
	}
	if err := os.Remove(keyFile); err != nil {
		return "", fmt.Errorf("identity: remove plaintext key (vault already written to %s): %w", vaultPath(keyFile), err)
	}
	return seedPhraseFromBytes(seed), nil
}

// LoadSealedIdentity unseals keyFile's vault with passphrase and
// reconstructs the node's identity from the recovered seed.
func LoadSealedIdentity(keyFile, passphrase string) (*Identity, error) {
	v, err := vault.Load(vaultPath(keyFile))
	if err != nil {
		return nil, fmt.Errorf("identity: load vault: %w", err)
	}
	if err := v.Unseal(passphrase, ""); err != nil {
		return nil, fmt.Errorf("identity: unseal: %w", err)
	}
	seed, err := v.RootKey()
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		NodeID:     NodeIDFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}
