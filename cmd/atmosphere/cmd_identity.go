package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/termcolor"
)

func runIdentity(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere identity <seal|status> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "seal":
		runIdentitySeal(rest)
	case "status":
		runIdentityStatus(rest)
	default:
		fatal("unknown identity subcommand: %s", sub)
	}
}

// runIdentitySeal moves a node's plaintext Ed25519 seed behind a
// passphrase-sealed vault. Once sealed, 'atmosphere serve' prompts for
// the passphrase on every startup instead of reading the key straight
// off disk.
func runIdentitySeal(args []string) {
	fs := flag.NewFlagSet("identity seal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("identity seal: %v", err)
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		fatal("identity seal: %v", err)
	}
	if identity.IsSealed(cfg.Identity.KeyFile) {
		fatal("identity seal: %s is already sealed", cfg.Identity.KeyFile)
	}

	pass1, err := readPassphrase(os.Stdout, "New passphrase: ")
	if err != nil {
		fatal("identity seal: %v", err)
	}
	if len(pass1) < 8 {
		fatal("identity seal: passphrase must be at least 8 characters")
	}
	pass2, err := readPassphrase(os.Stdout, "Confirm passphrase: ")
	if err != nil {
		fatal("identity seal: %v", err)
	}
	if pass1 != pass2 {
		fatal("identity seal: passphrases do not match")
	}

	seedPhrase, err := identity.SealKeyFile(cfg.Identity.KeyFile, pass1)
	if err != nil {
		fatal("identity seal: %v", err)
	}

	termcolor.Green("Identity sealed.")
	fmt.Println()
	fmt.Println("Recovery seed phrase (write this down, it is the only way back in")
	fmt.Println("if you forget the passphrase):")
	fmt.Println()
	fmt.Printf("  %s\n", seedPhrase)
	fmt.Println()
	fmt.Println("'atmosphere serve' will now prompt for the passphrase on startup.")
}

func runIdentityStatus(args []string) {
	fs := flag.NewFlagSet("identity status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("identity status: %v", err)
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		fatal("identity status: %v", err)
	}
	if identity.IsSealed(cfg.Identity.KeyFile) {
		termcolor.Yellow("Identity: SEALED")
	} else {
		termcolor.Green("Identity: unsealed")
	}
}

// readPassphrase reads a passphrase from the terminal without echo.
func readPassphrase(w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	passBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(passBytes), nil
}
