// Package config loads and persists the Atmosphere node configuration:
// identity, network/discovery, relay, telemetry, and the Approval Gate
// policy, all under one versioned YAML file at 0600.
package config

import (
	"github.com/atmosphere-mesh/atmosphere/internal/approval"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// IdentityConfig locates the node's Ed25519 keypair.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig controls how this node reaches and is reached by peers
// (spec §4.7's three endpoint kinds).
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
	STUNServers     []string `yaml:"stun_servers,omitempty"` // default: transport.DefaultSTUNServers
}

// DiscoveryConfig names the mesh this node belongs to and how it finds
// peers within it.
type DiscoveryConfig struct {
	MeshID          string   `yaml:"mesh_id,omitempty"`
	MeshName        string   `yaml:"mesh_name,omitempty"`
	BootstrapPeers  []string `yaml:"bootstrap_peers,omitempty"`
	MDNSEnabled     *bool    `yaml:"mdns_enabled,omitempty"`      // LAN peer discovery (default: true)
	NetIntelEnabled *bool    `yaml:"net_intel_enabled,omitempty"` // cost/presence gossip (default: true)
}

// IsMDNSEnabled reports whether LAN discovery is enabled, defaulting to
// true when unset — the same nil-pointer-means-default idiom the
// teacher uses for its own discovery flags.
func (d *DiscoveryConfig) IsMDNSEnabled() bool {
	if d.MDNSEnabled == nil {
		return true
	}
	return *d.MDNSEnabled
}

// IsNetIntelEnabled reports whether cost/presence gossip is enabled,
// defaulting to true when unset.
func (d *DiscoveryConfig) IsNetIntelEnabled() bool {
	if d.NetIntelEnabled == nil {
		return true
	}
	return *d.NetIntelEnabled
}

// RelayConfig lists the relay endpoints this node may fall back to when
// direct and hole-punched paths both fail.
type RelayConfig struct {
	Addresses []string `yaml:"addresses,omitempty"`
}

// DaemonConfig controls the local HTTP/WS API server of spec §6.
type DaemonConfig struct {
	ListenAddress   string `yaml:"listen_address"` // default: "127.0.0.1:8420"
	BearerTokenFile string `yaml:"bearer_token_file,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure. Disabled by
// default, per the ambient-stack rule that observability is opt-in.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // default: "127.0.0.1:9091"
}

// AuditConfig controls structured JSON audit logging to audit.log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig groups the observability settings, all opt-in.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
}

// Config is the unified, versioned node configuration persisted at
// ~/.atmosphere/config.yaml (0600). Approval embeds the full Approval
// Gate policy of spec §4.8 so a single file governs both networking and
// the owner's exposure/access decisions.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Relay     RelayConfig     `yaml:"relay,omitempty"`
	Daemon    DaemonConfig    `yaml:"daemon,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Approval  approval.Config `yaml:"approval,omitempty"`
}

// DefaultConfig returns the configuration a freshly-initialized node
// should start with: a well-known key file location, the loopback
// daemon listener, no relay/bootstrap peers, and approval.DefaultConfig
// locking down exposure until the owner opts in.
func DefaultConfig() Config {
	return Config{
		Version: CurrentConfigVersion,
		Identity: IdentityConfig{
			KeyFile: "identity.key",
		},
		Network: NetworkConfig{
			ListenAddresses: []string{"0.0.0.0:0"},
		},
		Daemon: DaemonConfig{
			ListenAddress: "127.0.0.1:8420",
		},
		Approval: approval.DefaultConfig(),
	}
}
