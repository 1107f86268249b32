//go:build !linux && !darwin

package cost

// NewDefaultSampler picks the Sampler for the platform this binary was
// built for, so callers (internal/mesh) don't need their own build tags.
func NewDefaultSampler() Sampler {
	return NewOtherSampler()
}
