//go:build linux

package cost

import "runtime"

// NewDefaultSampler picks the Sampler for the platform this binary was
// built for, so callers (internal/mesh) don't need their own build tags.
func NewDefaultSampler() Sampler {
	return NewLinuxSampler(runtime.NumCPU())
}
