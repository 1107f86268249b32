package semantic

import (
	"path"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// Match is one scored candidate returned by the index, before cost and
// locality are folded in by the router.
type Match struct {
	CapID      string
	Similarity float64
}

// Index holds one embedding vector per capability, keyed by cap_id, and
// answers top-k cosine-similarity queries. A RWMutex guards the backing
// maps the same way internal/registry guards its indices: registration is
// rare relative to query volume, so readers should never block each other.
type Index struct {
	embedder Embedder

	mu       sync.RWMutex
	vectors  map[string][]float64
	topics   map[string][]string
	routeHint map[string]string
}

// NewIndex creates an Index using embedder for every future Put.
func NewIndex(embedder Embedder) *Index {
	return &Index{
		embedder:  embedder,
		vectors:   make(map[string][]float64),
		topics:    make(map[string][]string),
		routeHint: make(map[string]string),
	}
}

// Put computes and stores the embedding vector for a capability, derived
// from its label, description, and tool names — the same text surface a
// natural-language intent is likely to mention. Re-embedding a cap_id
// replaces its vector and topic/route-hint metadata in place; the spec's
// "re-embedding requires a new cap_id" invariant is enforced by the
// registry's owner-uniqueness check, not here.
func (idx *Index) Put(cap *meshmodel.Capability) {
	text := capabilityText(cap)
	vec := idx.embedder.Embed(text)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors[cap.CapID] = vec
	idx.topics[cap.CapID] = cap.Topics
	idx.routeHint[cap.CapID] = cap.RouteHint
}

// PutCached is Put, but consults cache first so restarting a node doesn't
// re-embed every capability it already knew about. A cache hit is stored
// into the index directly, skipping embedder.Embed; a miss computes the
// vector as Put would and backfills the cache for next time.
func (idx *Index) PutCached(cap *meshmodel.Capability, cache *Cache) {
	if cache == nil {
		idx.Put(cap)
		return
	}
	vec, ok := cache.Get(cap)
	if !ok {
		vec = idx.embedder.Embed(capabilityText(cap))
		_ = cache.Put(cap, vec)
	}
	idx.mu.Lock()
	idx.vectors[cap.CapID] = vec
	idx.topics[cap.CapID] = cap.Topics
	idx.routeHint[cap.CapID] = cap.RouteHint
	idx.mu.Unlock()
}

// Remove deletes a capability's vector from the index.
func (idx *Index) Remove(capID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, capID)
	delete(idx.topics, capID)
	delete(idx.routeHint, capID)
}

// EmbedIntent computes the query vector for free-text or typed-payload
// intent text, using the same embedder as Put so cosine similarity between
// the two is meaningful (spec §4.5 step 2).
func (idx *Index) EmbedIntent(text string) []float64 {
	return idx.embedder.Embed(text)
}

// TopK returns, among candidateIDs, every one scoring at or above
// similarityThreshold against queryVec, each boosted by keywordBoost
// (capped at similarity 1.0) when intentText mentions one of the
// capability's topics or matches its route_hint glob (spec §4.5 steps 4-5),
// sorted by similarity descending.
func (idx *Index) TopK(queryVec []float64, candidateIDs []string, intentText string, similarityThreshold, keywordBoost float64) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	lowerIntent := strings.ToLower(intentText)
	matches := make([]Match, 0, len(candidateIDs))
	for _, capID := range candidateIDs {
		vec, ok := idx.vectors[capID]
		if !ok {
			continue
		}
		sim := cosineSimilarity(queryVec, vec)
		if idx.matchesKeyword(capID, lowerIntent) {
			sim += keywordBoost
			if sim > 1.0 {
				sim = 1.0
			}
		}
		if sim < similarityThreshold {
			continue
		}
		matches = append(matches, Match{CapID: capID, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches
}

func (idx *Index) matchesKeyword(capID, lowerIntent string) bool {
	for _, topic := range idx.topics[capID] {
		if topic != "" && strings.Contains(lowerIntent, strings.ToLower(topic)) {
			return true
		}
	}
	if hint := idx.routeHint[capID]; hint != "" {
		if ok, err := path.Match(hint, lowerIntent); err == nil && ok {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	dot := floats.Dot(a, b)
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

func capabilityText(cap *meshmodel.Capability) string {
	var b strings.Builder
	b.WriteString(cap.Label)
	b.WriteString(" ")
	b.WriteString(cap.Description)
	for _, tool := range cap.Tools {
		b.WriteString(" ")
		b.WriteString(tool.Name)
		b.WriteString(" ")
		b.WriteString(tool.Description)
	}
	for _, topic := range cap.Topics {
		b.WriteString(" ")
		b.WriteString(topic)
	}
	return b.String()
}
