package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSealKeyFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	original, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if IsSealed(path) {
		t.Fatal("freshly created key file should not be sealed")
	}

	if _, err := SealKeyFile(path, "correct-horse-battery-staple"); err != nil {
		t.Fatalf("SealKeyFile: %v", err)
	}

	if !IsSealed(path) {
		t.Fatal("key file should be sealed after SealKeyFile")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("plaintext key file should be removed after sealing")
	}

	sealed, err := LoadSealedIdentity(path, "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("LoadSealedIdentity: %v", err)
	}

	if sealed.NodeID != original.NodeID {
		t.Fatalf("node id changed across seal/unseal: %s != %s", original.NodeID, sealed.NodeID)
	}
	if !sealed.PublicKey.Equal(original.PublicKey) {
		t.Fatal("public key changed across seal/unseal")
	}
}

func TestLoadSealedIdentity_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	if _, err := LoadOrCreateIdentity(path); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := SealKeyFile(path, "right-passphrase"); err != nil {
		t.Fatalf("SealKeyFile: %v", err)
	}

	if _, err := LoadSealedIdentity(path, "wrong-passphrase"); err == nil {
		t.Fatal("expected error unsealing with wrong passphrase")
	}
}

func TestSealKeyFile_WritesVaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	if _, err := LoadOrCreateIdentity(path); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := SealKeyFile(path, "passphrase"); err != nil {
		t.Fatalf("SealKeyFile: %v", err)
	}

	if _, err := os.Stat(vaultPath(path)); err != nil {
		t.Fatalf("expected vault file at %s: %v", vaultPath(path), err)
	}
}

func TestSeedPhraseFromBytes_OneWordPerByte(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	phrase := seedPhraseFromBytes(seed)
	words := len(phrase)
	// each byte renders as two hex chars plus a separating space, minus
	// the final trailing space: 32*2 + 31
	if want := 32*2 + 31; words != want {
		t.Fatalf("phrase length = %d, want %d", words, want)
	}
}
