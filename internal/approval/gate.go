package approval

import (
	"sync"
	"time"
)

// DecisionFunc observes every allow/deny decision Gate makes, for metrics
// or audit logging. Kept as a callback rather than a channel so callers
// that don't care (most tests) can leave it nil, the same reason
// AuthorizedPeerGater takes an AuthDecisionFunc instead of depending on
// a concrete metrics package.
type DecisionFunc func(nodeID, check, verdict string)

// Gate is the Approval Gate of spec §4.8. It holds the owner's policy
// plus the mutable mesh-membership state (allow/deny list, pairing
// probation) and per-scope rate limiters. A Gate is safe for concurrent
// use.
type Gate struct {
	mu  sync.RWMutex
	cfg Config

	allow map[string]bool
	deny  map[string]bool

	enrollmentEnabled bool
	probation         map[string]time.Time

	limiters   *limiterSet
	onDecision DecisionFunc
}

// New builds a Gate from a validated Config. Callers that load cfg from
// disk should call cfg.Validate() first; New does not re-validate.
func New(cfg Config) *Gate {
	g := &Gate{
		cfg:       cfg,
		allow:     make(map[string]bool, len(cfg.AllowList)),
		deny:      make(map[string]bool, len(cfg.DenyList)),
		probation: make(map[string]time.Time),
		limiters:  newLimiterSet(cfg.RateLimits.withDefaults()),
	}
	for _, id := range cfg.AllowList {
		g.allow[id] = true
	}
	for _, id := range cfg.DenyList {
		g.deny[id] = true
	}
	return g
}

// Config returns a copy of the policy currently in effect, for
// `atmosphere approval show` and GET /api/approval/config.
func (g *Gate) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// UpdateConfig replaces the policy in effect, the hot-reload counterpart
// of AuthorizedPeerGater.ReloadFromFile: rate limiters are rebuilt from
// the new RateLimits, but membership state (allow/deny/probation) is left
// untouched so an in-flight session isn't dropped by an unrelated policy
// edit. Callers should validate cfg before calling UpdateConfig.
func (g *Gate) UpdateConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.limiters = newLimiterSet(cfg.RateLimits.withDefaults())
}

// SetDecisionCallback installs the observer invoked on every decision.
func (g *Gate) SetDecisionCallback(f DecisionFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDecision = f
}

func (g *Gate) notify(nodeID, check, verdict string) {
	g.mu.RLock()
	f := g.onDecision
	g.mu.RUnlock()
	if f != nil {
		f(nodeID, check, verdict)
	}
}

// SetEnrollmentMode toggles the pairing window during which unknown peers
// are admitted on probation rather than rejected outright, exactly the
// shape of AuthorizedPeerGater.SetEnrollmentMode: disabling it clears any
// peers still on probation, since their window no longer applies.
func (g *Gate) SetEnrollmentMode(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enrollmentEnabled = enabled
	if !enabled {
		g.probation = make(map[string]time.Time)
	}
}

// IsEnrollmentEnabled reports whether the gate is currently in a pairing
// window.
func (g *Gate) IsEnrollmentEnabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enrollmentEnabled
}

// AllowJoin decides whether nodeID may complete the handshake ("checks
// mesh allowlist/denylist"). internal/mesh calls this once the peer's
// node_id is known — after token.Verify has already passed, since the
// token's bearer identity isn't available until the handshake finishes.
func (g *Gate) AllowJoin(nodeID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.cfg.mode() {
	case ModeDenylist:
		if g.deny[nodeID] {
			g.notifyLocked(nodeID, "join", "deny")
			return false
		}
		g.notifyLocked(nodeID, "join", "allow")
		return true

	case ModeAll:
		if g.deny[nodeID] {
			g.notifyLocked(nodeID, "join", "deny")
			return false
		}
		g.notifyLocked(nodeID, "join", "allow")
		return true

	default: // ModeAllowlist
		if g.deny[nodeID] {
			g.notifyLocked(nodeID, "join", "deny")
			return false
		}
		if g.allow[nodeID] {
			g.notifyLocked(nodeID, "join", "allow")
			return true
		}
		if g.enrollmentEnabled {
			if _, onProbation := g.probation[nodeID]; onProbation {
				g.notifyLocked(nodeID, "join", "allow_probation")
				return true
			}
			if len(g.probation) < probationLimit {
				g.probation[nodeID] = time.Now().Add(probationTimeout)
				g.notifyLocked(nodeID, "join", "allow_probation")
				return true
			}
		}
		g.notifyLocked(nodeID, "join", "deny")
		return false
	}
}

// notifyLocked calls onDecision while g.mu is already held. onDecision
// implementations must not call back into Gate.
func (g *Gate) notifyLocked(nodeID, check, verdict string) {
	if g.onDecision != nil {
		g.onDecision(nodeID, check, verdict)
	}
}

// PromotePeer moves a probationary peer to the permanent allowlist,
// the counterpart of AuthorizedPeerGater.PromotePeer for the
// `atmosphere approve` flow.
func (g *Gate) PromotePeer(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.probation, nodeID)
	g.allow[nodeID] = true
}

// Approve adds nodeID to the allowlist directly, without requiring a
// prior probation period (e.g. `atmosphere approve <node_id>` against an
// already-known peer).
func (g *Gate) Approve(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.deny, nodeID)
	g.allow[nodeID] = true
}

// Revoke removes nodeID from the allowlist and adds it to the denylist,
// so a previously-approved peer is rejected even under ModeAllowlist.
func (g *Gate) Revoke(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allow, nodeID)
	g.deny[nodeID] = true
}

// ProbationCount reports the number of peers currently admitted on
// probation.
func (g *Gate) ProbationCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.probation)
}

// CleanupProbation evicts any probationary peer whose window has
// expired, calling evict for each one outside the lock — the same
// deferred-callback shape as AuthorizedPeerGater.CleanupProbation, so a
// caller can disconnect the live session without Gate knowing transport
// exists.
func (g *Gate) CleanupProbation(evict func(nodeID string)) {
	now := time.Now()
	var expired []string

	g.mu.Lock()
	for nodeID, deadline := range g.probation {
		if now.After(deadline) {
			expired = append(expired, nodeID)
			delete(g.probation, nodeID)
		}
	}
	g.mu.Unlock()

	for _, nodeID := range expired {
		g.notify(nodeID, "probation", "evicted")
		if evict != nil {
			evict(nodeID)
		}
	}
}

// AllowedPeers returns a snapshot of the permanent allowlist.
func (g *Gate) AllowedPeers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.allow))
	for id := range g.allow {
		out = append(out, id)
	}
	return out
}
