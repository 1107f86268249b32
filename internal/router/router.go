// Package router implements the routing algorithm of spec §4.5: given an
// intent, find the best-fit online capability by combining semantic
// similarity, cost, and locality, with hysteresis against flapping between
// near-equally-good winners.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/reputation"
	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
)

// Intent is what the caller wants done. Exactly one of ExplicitPath or
// Text should be set for a given call; Type narrows the candidate filter
// when set.
type Intent struct {
	ExplicitPath string                // "namespace/project" or "node_id:cap_label"
	Type         meshmodel.CapabilityType
	Text         string                // natural-language or typed-payload text used for embedding and keyword matching
	Inference    cost.InferenceLoad
}

// Alternative is one runner-up candidate returned alongside the winner.
type Alternative struct {
	CapID string
	Score float64
}

// Result is the outcome of a routing decision (spec §4.5 step 9).
type Result struct {
	ChosenCapID  string
	Score        float64
	Reasoning    string
	Alternatives []Alternative
}

// CostTable supplies the most recently known CostFactors for any node,
// local or remote — fed locally by internal/cost.Collector and remotely by
// the gossip engine's cost_update handler.
type CostTable interface {
	CostFor(nodeID string) (meshmodel.CostFactors, bool)
}

// ApprovalChecker gates whether a capability may be considered for a given
// intent at all (spec §4.8). Candidates rejected here never reach
// scoring.
type ApprovalChecker interface {
	Allowed(cap *meshmodel.Capability, intent Intent) bool
}

type alwaysAllowed struct{}

func (alwaysAllowed) Allowed(*meshmodel.Capability, Intent) bool { return true }

// Option configures a Router at construction time.
type Option func(*Router)

// WithApprovalChecker installs an Approval Gate; the default allows every
// candidate, which is only appropriate before internal/approval is wired
// in by internal/mesh.
func WithApprovalChecker(a ApprovalChecker) Option {
	return func(r *Router) { r.approval = a }
}

// WithThresholds overrides the default similarity threshold, keyword
// boost, and hysteresis minimum-cost-difference (spec §4.5 defaults:
// 0.5, 0.1, 0.20).
func WithThresholds(similarityThreshold, keywordBoost, minCostDifference float64) Option {
	return func(r *Router) {
		r.similarityThreshold = similarityThreshold
		r.keywordBoost = keywordBoost
		r.minCostDifference = minCostDifference
	}
}

// Router combines the Capability Registry, the Semantic Index, a cost
// table, and per-node reputation to pick the best capability for an
// intent.
type Router struct {
	localNodeID string
	registry    *registry.Registry
	index       *semantic.Index
	costTable   CostTable
	reputation  *reputation.History
	approval    ApprovalChecker

	similarityThreshold float64
	keywordBoost        float64
	minCostDifference   float64

	mu       sync.Mutex
	winners  map[string]winner // intent fingerprint -> last winning cap_id + score
}

type winner struct {
	capID string
	score float64
}

// New creates a Router for localNodeID.
func New(localNodeID string, reg *registry.Registry, index *semantic.Index, costTable CostTable, rep *reputation.History, opts ...Option) *Router {
	r := &Router{
		localNodeID:         localNodeID,
		registry:            reg,
		index:               index,
		costTable:           costTable,
		reputation:          rep,
		approval:            alwaysAllowed{},
		similarityThreshold: meshmodel.DefaultSimilarityThreshold,
		keywordBoost:        meshmodel.DefaultKeywordBoost,
		minCostDifference:   meshmodel.DefaultMinCostDifference,
		winners:             make(map[string]winner),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves an intent to the best available capability (spec §4.5
// steps 1-9). Returns meshmodel.ErrNoCapability if nothing qualifies.
func (r *Router) Route(ctx context.Context, intent Intent) (*Result, error) {
	// Step 1: explicit short-circuit.
	if intent.ExplicitPath != "" {
		if cap, err := r.registry.Get(intent.ExplicitPath); err == nil {
			return &Result{ChosenCapID: cap.CapID, Score: 1.0, Reasoning: "explicit path match"}, nil
		}
		if caps, err := r.registry.FindByRouteHint(intent.ExplicitPath); err == nil && len(caps) > 0 {
			return &Result{ChosenCapID: caps[0].CapID, Score: 1.0, Reasoning: "explicit route hint match"}, nil
		}
	}

	// Step 3: candidate filter — online, type-matched (if typed), approved.
	candidates := r.candidateIDs(intent)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no online capability matches the requested type", meshmodel.ErrNoCapability)
	}

	// Step 2, 4, 5: embed intent, cosine-score, keyword boost, threshold filter.
	queryVec := r.index.EmbedIntent(intent.Text)
	matches := r.index.TopK(queryVec, candidates, intent.Text, r.similarityThreshold, r.keywordBoost)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no capability scored above the similarity threshold", meshmodel.ErrNoCapability)
	}

	// Steps 6-8: cost, locality, combined score.
	type scored struct {
		capID   string
		combined float64
	}
	ranked := make([]scored, 0, len(matches))
	for _, m := range matches {
		cap, err := r.registry.Get(m.CapID)
		if err != nil {
			continue
		}
		combined := r.combinedScore(cap, m.Similarity, intent.Inference)
		ranked = append(ranked, scored{capID: m.CapID, combined: combined})
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: no capability survived cost/locality scoring", meshmodel.ErrNoCapability)
	}
	// Tie-break by cap_id lexicographically: combined scores are floats
	// derived from jittery cost/locality inputs, so ties (and near-ties
	// that round to the same float64) are common, and sort.Slice alone is
	// not stable across runs (spec §8's routing-determinism requirement).
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].combined != ranked[j].combined {
			return ranked[i].combined > ranked[j].combined
		}
		return ranked[i].capID < ranked[j].capID
	})

	onlineIDs := make(map[string]bool, len(ranked))
	for _, s := range ranked {
		onlineIDs[s.capID] = true
	}

	best := ranked[0]
	fingerprint := intentFingerprint(intent)
	chosenID, chosenScore := r.applyHysteresis(fingerprint, best.capID, best.combined, onlineIDs)

	alternatives := make([]Alternative, 0, min(3, len(ranked)-1))
	for _, s := range ranked[1:] {
		if len(alternatives) == 3 {
			break
		}
		alternatives = append(alternatives, Alternative{CapID: s.capID, Score: s.combined})
	}

	reasoning := fmt.Sprintf("chose %s: combined score %.4f among %d candidate(s)", chosenID, chosenScore, len(ranked))
	if chosenID != best.capID {
		reasoning = fmt.Sprintf("kept prior winner %s (hysteresis): new best %s scored %.4f, not enough improvement over %.4f",
			chosenID, best.capID, best.combined, chosenScore)
	}

	return &Result{
		ChosenCapID:  chosenID,
		Score:        chosenScore,
		Reasoning:    reasoning,
		Alternatives: alternatives,
	}, nil
}

func (r *Router) candidateIDs(intent Intent) []string {
	var caps []*meshmodel.Capability
	if intent.Type != "" {
		caps = r.registry.FindByType(intent.Type)
	} else {
		caps = r.registry.All()
	}

	ids := make([]string, 0, len(caps))
	for _, cap := range caps {
		if cap.Status != meshmodel.StatusOnline {
			continue
		}
		if !r.approval.Allowed(cap, intent) {
			continue
		}
		ids = append(ids, cap.CapID)
	}
	return ids
}

// combinedScore applies cost (step 6) and locality (step 7), then
// multiplies them into the semantic similarity (step 8):
// combined = semantic * locality / cost.
func (r *Router) combinedScore(cap *meshmodel.Capability, similarity float64, inference cost.InferenceLoad) float64 {
	costScore := 1.0
	if r.costTable != nil {
		if factors, ok := r.costTable.CostFor(cap.NodeID); ok {
			costScore = cost.Score(factors, inference)
		}
	}

	locality := r.localityBonus(cap.NodeID)

	if costScore <= 0 {
		costScore = 1.0
	}
	return similarity * locality / costScore
}

// localityBonus applies spec §4.5 step 7: same-node ×1.3, same-LAN ×1.1,
// >200ms RTT ÷1.25. Same-node always wins regardless of tracked history
// (there is nothing to look up: it's this process).
func (r *Router) localityBonus(nodeID string) float64 {
	if nodeID == r.localNodeID {
		return 1.3
	}
	if r.reputation == nil {
		return 1.0
	}
	rec := r.reputation.Get(nodeID)
	if rec == nil {
		return 1.0
	}
	bonus := 1.0
	if rec.SameLAN {
		bonus *= 1.1
	}
	if rec.AvgRTTMs > 200 {
		bonus /= 1.25
	}
	return bonus
}

// applyHysteresis returns the fingerprint's prior winner unless the new
// best candidate improves on it by at least min_cost_difference (spec
// §4.5 step 8), to avoid flapping between near-tied candidates as cost
// readings jitter tick to tick. A prior winner no longer present among
// online is treated the same as having no prior at all — it went
// offline or deregistered since the last decision, so there is nothing
// to hold hysteresis against.
func (r *Router) applyHysteresis(fingerprint, candidateID string, candidateScore float64, online map[string]bool) (string, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, ok := r.winners[fingerprint]
	if ok && !online[prior.capID] {
		ok = false
	}
	if !ok || candidateID == prior.capID {
		r.winners[fingerprint] = winner{capID: candidateID, score: candidateScore}
		return candidateID, candidateScore
	}

	if candidateScore >= prior.score*(1+r.minCostDifference) {
		r.winners[fingerprint] = winner{capID: candidateID, score: candidateScore}
		return candidateID, candidateScore
	}

	return prior.capID, prior.score
}

// intentFingerprint is SHA-256 of the normalized intent text plus type, so
// the same logical request — however it's phrased on the wire — hashes to
// the same hysteresis bucket.
func intentFingerprint(intent Intent) string {
	norm := strings.ToLower(strings.TrimSpace(intent.Text)) + "|" + string(intent.Type)
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

