package approval

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/totp"
)

// VerifySecondFactor checks code against the secret in cfg.TOTPFile, with
// a one-step skew tolerance either side of the current time step. It is
// a no-op (always succeeds) when TOTPFile is unset — the second factor
// is an opt-in hardening, not a mandatory gate, since most owners run
// single-user on a trusted host.
func (g *Gate) VerifySecondFactor(code string) error {
	g.mu.RLock()
	path := g.cfg.TOTPFile
	g.mu.RUnlock()

	if path == "" {
		return nil
	}

	secret, err := loadTOTPSecret(path)
	if err != nil {
		return fmt.Errorf("approval: load totp secret: %w", err)
	}
	if !totp.Validate(&totp.Config{Secret: secret}, code, time.Now(), 1) {
		g.notify("", "totp", "deny")
		return fmt.Errorf("approval: invalid totp code")
	}
	g.notify("", "totp", "allow")
	return nil
}

// loadTOTPSecret reads a base32-free raw secret file: one line, with
// surrounding whitespace trimmed.
func loadTOTPSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// RequiresSecondFactor reports whether an interactive approval must
// collect a TOTP code before writing policy.
func (g *Gate) RequiresSecondFactor() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.TOTPFile != ""
}
