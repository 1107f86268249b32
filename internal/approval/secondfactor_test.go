package approval

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/totp"
)

func writeTOTPSecret(t *testing.T, secret []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "totp.secret")
	if err := os.WriteFile(path, secret, 0600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	return path
}

func TestVerifySecondFactorNoopWhenUnconfigured(t *testing.T) {
	g := New(DefaultConfig())
	if err := g.VerifySecondFactor("000000"); err != nil {
		t.Fatalf("unconfigured gate should never require a code: %v", err)
	}
	if g.RequiresSecondFactor() {
		t.Fatal("RequiresSecondFactor should be false when TOTPFile is unset")
	}
}

func TestVerifySecondFactorAcceptsValidCode(t *testing.T) {
	secret, err := totp.NewSecret(20)
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	path := writeTOTPSecret(t, secret)

	cfg := DefaultConfig()
	cfg.TOTPFile = path
	g := New(cfg)

	if !g.RequiresSecondFactor() {
		t.Fatal("RequiresSecondFactor should be true once TOTPFile is set")
	}

	code := totp.Generate(&totp.Config{Secret: secret}, time.Now())
	if err := g.VerifySecondFactor(code); err != nil {
		t.Fatalf("valid code should be accepted: %v", err)
	}
}

func TestVerifySecondFactorRejectsWrongCode(t *testing.T) {
	secret, err := totp.NewSecret(20)
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	path := writeTOTPSecret(t, secret)

	cfg := DefaultConfig()
	cfg.TOTPFile = path
	g := New(cfg)

	if err := g.VerifySecondFactor("000000"); err == nil {
		t.Fatal("wrong code should be rejected")
	}
}
