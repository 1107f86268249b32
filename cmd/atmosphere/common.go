package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/daemon"
)

// loadConfig resolves --config against config.FindConfigFile, loads it, and
// rewrites its relative paths against the config file's own directory —
// every subcommand that touches the node's state goes through this one
// path so "atmosphere X --config ./foo.yaml" behaves the same everywhere.
func loadConfig(explicitPath string) (*config.Config, string, error) {
	path, err := config.FindConfigFile(explicitPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	configDir := filepath.Dir(path)
	config.ResolveConfigPaths(cfg, configDir)
	return cfg, configDir, nil
}

// dataDir is where a node's mutable runtime state lives (mesh.json,
// reputation.json, revoked.json, embeddings.cache, audit.log) — the same
// directory the config file was found in, so a single --config path
// locates everything about a node.
func dataDir(configDir string) string { return configDir }

// newClient builds a daemon.Client bound to cfg's configured listen
// address, loading the bearer token from the same file the daemon itself
// reads (or writes, if this is the first time either side touches it).
func newClient(cfg *config.Config, configDir string) (*daemon.Client, error) {
	tokenPath := cfg.Daemon.BearerTokenFile
	if tokenPath == "" {
		tokenPath = filepath.Join(configDir, "bearer_token")
	} else if !filepath.IsAbs(tokenPath) {
		tokenPath = filepath.Join(configDir, tokenPath)
	}
	tok, err := daemon.LoadBearerToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load bearer token: %w", err)
	}
	return daemon.NewClient(cfg.Daemon.ListenAddress, tok), nil
}

// withTimeout is the default client-side deadline for a single daemon API
// call from the CLI.
func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
