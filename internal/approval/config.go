// Package approval implements the Approval Gate of spec §4.8: the single
// choke point every "expose a capability" and "accept an invoke" decision
// passes through. It generalizes the teacher's internal/auth package —
// AuthorizedPeerGater's libp2p ConnectionGater became a plain node_id
// allow/deny check, its probation/enrollment pairing window became mesh
// access during pairing, and authorized_keys.go's flat-file peer list
// became mesh access mode (allowlist|denylist|all).
package approval

import (
	"fmt"
	"time"
)

// MeshAccessMode controls which peers may complete the join handshake.
type MeshAccessMode string

const (
	// ModeAllowlist admits only node IDs present in AllowList. Default, and
	// the only safe choice for a fresh node: nothing is admitted until the
	// owner explicitly approves it.
	ModeAllowlist MeshAccessMode = "allowlist"
	ModeDenylist  MeshAccessMode = "denylist"
	ModeAll       MeshAccessMode = "all"
)

// HardwareLimits bounds how much of the local GPU/CPU a remote invoke may
// consume.
type HardwareLimits struct {
	GPUEnabled    bool    `yaml:"gpu_enabled"`
	CPUEnabled    bool    `yaml:"cpu_enabled"`
	MaxConcurrent int     `yaml:"max_concurrent,omitempty"` // 0 = use DefaultMaxConcurrentJobs
	MaxVRAMPct    float64 `yaml:"max_vram_pct,omitempty"`   // 0 = use DefaultMaxVRAMPercent
}

// SensorExposure gates the sensor/* capability types. All sensors are
// closed by default; the owner must opt each one in explicitly.
type SensorExposure struct {
	Camera     bool `yaml:"camera"`
	Microphone bool `yaml:"microphone"`
	Screen     bool `yaml:"screen"`
}

// RateLimits is the per-scope token-bucket configuration (requests/minute
// unless noted). Zero means "use the package default", not "unlimited" —
// an owner who wants unlimited must say so with a very large number.
type RateLimits struct {
	GlobalPerMin    int `yaml:"global_per_min,omitempty"`
	PerMeshPerMin   int `yaml:"per_mesh_per_min,omitempty"`
	LLMTokensPerMin int `yaml:"llm_tokens_per_min,omitempty"`
}

// Defaults matching the spec's stated defaults.
const (
	DefaultGlobalPerMin      = 120
	DefaultPerMeshPerMin     = 60
	DefaultLLMTokensPerMin   = 20000
	DefaultMaxConcurrentJobs = 2
	DefaultMaxVRAMPercent    = 80.0
)

func (r RateLimits) withDefaults() RateLimits {
	if r.GlobalPerMin <= 0 {
		r.GlobalPerMin = DefaultGlobalPerMin
	}
	if r.PerMeshPerMin <= 0 {
		r.PerMeshPerMin = DefaultPerMeshPerMin
	}
	if r.LLMTokensPerMin <= 0 {
		r.LLMTokensPerMin = DefaultLLMTokensPerMin
	}
	return r
}

// Config is the owner policy persisted at ~/.atmosphere/config.yaml
// (0600) under the "approval" key. It is the single source of truth for
// every decision Gate makes.
type Config struct {
	// ModelFamilies is a glob allowlist over local model names (e.g.
	// "llama3*", "qwen2.5-*"). Empty means no llm/* capability may be
	// exposed — matching the "nothing until approved" default.
	ModelFamilies []string `yaml:"model_families,omitempty"`

	Hardware HardwareLimits `yaml:"hardware,omitempty"`
	Sensors  SensorExposure `yaml:"sensors,omitempty"`

	MeshAccessMode MeshAccessMode `yaml:"mesh_access_mode,omitempty"`
	AllowList      []string       `yaml:"allow_list,omitempty"`
	DenyList       []string       `yaml:"deny_list,omitempty"`

	RateLimits RateLimits `yaml:"rate_limits,omitempty"`

	// RequireAuth, when true (the default), rejects any join attempt
	// that doesn't carry a valid token. There is no anonymous mode in
	// this implementation; the field exists so a future relaxed mode
	// can be expressed without changing the wire shape.
	RequireAuth bool `yaml:"require_auth"`

	// TOTPFile, when set, makes Gate.VerifySecondFactor require a valid
	// TOTP code from that secret file. Empty disables the second factor.
	TOTPFile string `yaml:"totp_file,omitempty"`
}

// DefaultConfig returns the policy a freshly-initialized node should
// start with: no models exposed, no hardware exposed, no sensors, an
// empty allowlist, auth required.
func DefaultConfig() Config {
	return Config{
		MeshAccessMode: ModeAllowlist,
		RequireAuth:    true,
	}
}

// Validate rejects a config with an unrecognized mesh access mode, since
// a typo there would silently fall back to the zero value's behavior.
func (c Config) Validate() error {
	switch c.MeshAccessMode {
	case "", ModeAllowlist, ModeDenylist, ModeAll:
	default:
		return fmt.Errorf("approval: unknown mesh_access_mode %q", c.MeshAccessMode)
	}
	return nil
}

func (c Config) mode() MeshAccessMode {
	if c.MeshAccessMode == "" {
		return ModeAllowlist
	}
	return c.MeshAccessMode
}

// probationTimeout bounds how long a peer admitted during pairing may
// stay unapproved before its session is evicted.
const probationTimeout = 5 * time.Minute

// probationLimit is the maximum number of peers concurrently on
// probation, mirroring the teacher's enrollment-window cap.
const probationLimit = 4
