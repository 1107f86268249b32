// Package semantic computes and indexes capability embedding vectors and
// answers top-k cosine-similarity queries for the router (spec §4.5).
package semantic

import (
	"math"
	"strings"
	"unicode"

	"lukechampine.com/blake3"
)

// Dimensions is the fixed vector width every embedder in this package
// produces. 384 matches commonly-used small sentence-embedding models, so a
// third-party model can be dropped in without changing the index's matrix
// shape.
const Dimensions = 384

// Embedder computes a fixed-dimensional vector for a piece of text. The
// same Embedder must be used for both capability registration and intent
// embedding, or cosine similarity between them is meaningless.
type Embedder interface {
	Embed(text string) []float64
}

// HashEmbedder is the deterministic, dependency-free fallback: it hashes
// character and word n-grams into vector positions with BLAKE3, so two
// pieces of text that share n-grams land close together in cosine space.
// No training, no external model call, stable across process restarts.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing Dimensions-wide vectors.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{dims: Dimensions}
}

// Embed folds every word 1-gram/2-gram and character 3-gram of text into a
// dims-wide vector, then L2-normalizes it so cosine similarity reduces to a
// dot product.
func (h *HashEmbedder) Embed(text string) []float64 {
	vec := make([]float64, h.dims)
	norm := normalize(text)

	words := strings.Fields(norm)
	for _, w := range words {
		h.foldToken(vec, "w1:"+w)
	}
	for i := 0; i+1 < len(words); i++ {
		h.foldToken(vec, "w2:"+words[i]+"_"+words[i+1])
	}

	runes := []rune(norm)
	for i := 0; i+2 < len(runes); i++ {
		h.foldToken(vec, "c3:"+string(runes[i:i+3]))
	}

	return l2Normalize(vec)
}

// foldToken hashes token into a 32-byte BLAKE3 digest and accumulates a
// +1/-1 contribution (sign taken from the following byte) at a handful of
// vector positions derived from the digest, spreading each token's signal
// across several dimensions like a hashing trick / random projection.
func (h *HashEmbedder) foldToken(vec []float64, token string) {
	sum := blake3.Sum256([]byte(token))
	const positionsPerToken = 4
	for i := 0; i < positionsPerToken; i++ {
		idxBytes := sum[i*4 : i*4+4]
		idx := (uint32(idxBytes[0])<<24 | uint32(idxBytes[1])<<16 | uint32(idxBytes[2])<<8 | uint32(idxBytes[3])) % uint32(h.dims)
		sign := 1.0
		if sum[16+i]&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func l2Normalize(vec []float64) []float64 {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return vec
	}
	inv := 1.0 / math.Sqrt(sumSq)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v * inv
	}
	return out
}
