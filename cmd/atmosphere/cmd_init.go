package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.atmosphere)")
	listenFlag := fs.String("listen", "0.0.0.0:0", "address to listen on for mesh connections")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configDir := *dirFlag
	if configDir == "" {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintln(stdout, "Welcome to Atmosphere!")
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile := filepath.Join(configDir, "identity.key")
	id, err := identity.LoadOrCreateIdentity(keyFile)
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	fmt.Fprintf(stdout, "Your node_id: %s\n", id.NodeID)
	fmt.Fprintln(stdout, "(Share this with peers who need to allowlist you — or skip that and rely on the join token itself)")
	fmt.Fprintln(stdout)

	cfg := config.DefaultConfig()
	cfg.Network.ListenAddresses = []string{*listenFlag}
	if err := config.Save(&cfg, configFile); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(stdout, "Config written to:   %s\n", configFile)
	fmt.Fprintf(stdout, "Identity saved to:   %s\n", keyFile)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintln(stdout, "  atmosphere mesh create --name <mesh-name>   Found a new mesh, naming this node its founder")
	fmt.Fprintln(stdout, "  atmosphere mesh join <token>                Join a mesh using a token from one of its members")
	return nil
}
