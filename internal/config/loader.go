package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
)

// checkConfigFilePermissions rejects a config file that is group- or
// world-readable. The file holds the owner's Approval Gate policy and
// mesh credentials; a multi-user system must not leave it exposed.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates the node configuration at path, rejecting
// unknown top-level keys and a version newer than this binary supports.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Default version to 1 for configs written before versioning was added.
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade atmosphere", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills zero-valued fields with their documented defaults,
// the same "exhaustive defaults applied post-decode" pass the teacher's
// loader does for relay resources and the health endpoint.
func applyDefaults(cfg *Config) {
	if cfg.Daemon.ListenAddress == "" {
		cfg.Daemon.ListenAddress = "127.0.0.1:8420"
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = "127.0.0.1:9091"
	}
	if cfg.Approval.MeshAccessMode == "" {
		cfg.Approval.MeshAccessMode = approval.ModeAllowlist
	}
}

// Validate rejects a config missing the fields every node needs to
// start, and defers to approval.Config.Validate for the embedded policy.
func Validate(cfg *Config) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	if err := cfg.Approval.Validate(); err != nil {
		return fmt.Errorf("approval: %w", err)
	}
	return nil
}

// FindConfigFile searches for an atmosphere config file in standard
// locations. Search order: explicitPath (if given), ./atmosphere.yaml,
// ~/.atmosphere/config.yaml, /etc/atmosphere/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"atmosphere.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".atmosphere", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "atmosphere", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'atmosphere init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths resolves relative file paths in cfg to be relative
// to the config file's own directory, so a config under ~/.atmosphere/
// can reference its key file and TOTP secret with relative paths.
func ResolveConfigPaths(cfg *Config, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if cfg.Approval.TOTPFile != "" && !filepath.IsAbs(cfg.Approval.TOTPFile) {
		cfg.Approval.TOTPFile = filepath.Join(configDir, cfg.Approval.TOTPFile)
	}
}

// DefaultConfigDir returns the default atmosphere config directory
// (~/.atmosphere).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".atmosphere"), nil
}

// Save marshals cfg as YAML and writes it to path with 0600 permissions,
// the mode every loader above insists on finding on read.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
