package config

import (
	"testing"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
)

func BenchmarkLoad(b *testing.B) {
	dir := b.TempDir()
	path := writeTestConfig(b, dir, testConfigYAML)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Load(path)
	}
}

func BenchmarkValidate(b *testing.B) {
	cfg := &Config{
		Identity: IdentityConfig{KeyFile: "key"},
		Network:  NetworkConfig{ListenAddresses: []string{"0.0.0.0:0"}},
		Approval: approval.DefaultConfig(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate(cfg)
	}
}
