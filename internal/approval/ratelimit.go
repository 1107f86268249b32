package approval

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet holds one token bucket per rate-limit scope: a single
// global bucket, one bucket per remote mesh peer, and one LLM-token
// bucket per remote peer. Buckets are created lazily so an idle node
// never allocates a limiter for a peer it has never heard from.
type limiterSet struct {
	cfg RateLimits

	mu       sync.Mutex
	global   *rate.Limiter
	perPeer  map[string]*rate.Limiter
	llmToken map[string]*rate.Limiter
}

func newLimiterSet(cfg RateLimits) *limiterSet {
	return &limiterSet{
		cfg:      cfg,
		global:   rate.NewLimiter(perMinute(cfg.GlobalPerMin), burstFor(cfg.GlobalPerMin)),
		perPeer:  make(map[string]*rate.Limiter),
		llmToken: make(map[string]*rate.Limiter),
	}
}

// perMinute converts a requests-per-minute count into rate.Limit
// (events per second), the unit golang.org/x/time/rate expects.
func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}

// burstFor lets a bucket absorb one full minute's allowance in a single
// instant — e.g. one chat completion spending its whole per-minute LLM
// token budget in one call — rather than throttling on an empty bucket
// the moment a peer connects.
func burstFor(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func (s *limiterSet) peer(nodeID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.perPeer[nodeID]
	if !ok {
		lim = rate.NewLimiter(perMinute(s.cfg.PerMeshPerMin), burstFor(s.cfg.PerMeshPerMin))
		s.perPeer[nodeID] = lim
	}
	return lim
}

func (s *limiterSet) llm(nodeID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.llmToken[nodeID]
	if !ok {
		lim = rate.NewLimiter(perMinute(s.cfg.LLMTokensPerMin), burstFor(s.cfg.LLMTokensPerMin))
		s.llmToken[nodeID] = lim
	}
	return lim
}

// AllowInvoke applies the global and per-mesh request buckets for an
// incoming invoke from nodeID, global first. It returns false the moment
// either bucket is exhausted; a per-peer denial still spends the global
// token taken by the first check.
func (g *Gate) AllowInvoke(nodeID string) bool {
	if !g.limiters.global.Allow() {
		g.notify(nodeID, "rate_global", "deny")
		return false
	}
	if !g.limiters.peer(nodeID).Allow() {
		g.notify(nodeID, "rate_mesh", "deny")
		return false
	}
	g.notify(nodeID, "rate", "allow")
	return true
}

// AllowLLMTokens applies the per-peer LLM token bucket, consuming n
// tokens from nodeID's allowance (e.g. a chat completion's estimated
// token count, charged before the call is dispatched).
func (g *Gate) AllowLLMTokens(nodeID string, n int) bool {
	if n <= 0 {
		return true
	}
	ok := g.limiters.llm(nodeID).AllowN(time.Now(), n)
	if !ok {
		g.notify(nodeID, "rate_llm_tokens", "deny")
		return false
	}
	g.notify(nodeID, "rate_llm_tokens", "allow")
	return true
}
