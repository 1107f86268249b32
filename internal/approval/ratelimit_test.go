package approval

import "testing"

func TestAllowInvokeEnforcesPerMeshLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = RateLimits{GlobalPerMin: 1000, PerMeshPerMin: 1}
	g := New(cfg)

	if !g.AllowInvoke("node-a") {
		t.Fatal("first invoke within the burst should be allowed")
	}
	if g.AllowInvoke("node-a") {
		t.Fatal("second immediate invoke should be throttled by the per-mesh bucket")
	}
}

func TestAllowInvokeScopesLimitsPerPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = RateLimits{GlobalPerMin: 1000, PerMeshPerMin: 1}
	g := New(cfg)

	g.AllowInvoke("node-a")
	if !g.AllowInvoke("node-b") {
		t.Fatal("a different peer should have its own untouched bucket")
	}
}

func TestAllowInvokeEnforcesGlobalLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = RateLimits{GlobalPerMin: 1, PerMeshPerMin: 1000}
	g := New(cfg)

	if !g.AllowInvoke("node-a") {
		t.Fatal("first invoke should be allowed")
	}
	if g.AllowInvoke("node-b") {
		t.Fatal("global bucket should throttle a different peer's invoke too")
	}
}

func TestAllowLLMTokensConsumesBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimits = RateLimits{LLMTokensPerMin: 100}
	g := New(cfg)

	if !g.AllowLLMTokens("node-a", 50) {
		t.Fatal("spending within burst budget should be allowed")
	}
	if g.AllowLLMTokens("node-a", 10000) {
		t.Fatal("spending far beyond the bucket's capacity should be denied")
	}
}

func TestAllowLLMTokensZeroIsNoop(t *testing.T) {
	g := New(DefaultConfig())
	if !g.AllowLLMTokens("node-a", 0) {
		t.Fatal("zero-token request should always be allowed")
	}
}
