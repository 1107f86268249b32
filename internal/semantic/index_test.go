package semantic

import (
	"testing"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

func chatCapability(capID, label, description string, topics []string) *meshmodel.Capability {
	return &meshmodel.Capability{
		CapID:       capID,
		NodeID:      "node-a",
		Type:        "llm/chat",
		Label:       label,
		Description: description,
		Topics:      topics,
	}
}

func TestIndexTopKFiltersByThreshold(t *testing.T) {
	idx := NewIndex(NewHashEmbedder())
	idx.Put(chatCapability("a:llm", "llama3.2", "general purpose local chat model", nil))
	idx.Put(chatCapability("b:sensor", "kitchen-temp", "kitchen temperature sensor reading", nil))

	query := idx.EmbedIntent("summarize this document with the local chat model")
	matches := idx.TopK(query, []string{"a:llm", "b:sensor"}, "summarize this document", 0.5, 0.1)

	if len(matches) == 0 {
		t.Fatal("expected at least one match above threshold")
	}
	if matches[0].CapID != "a:llm" {
		t.Fatalf("top match = %s, want a:llm", matches[0].CapID)
	}
}

func TestIndexTopKKeywordBoost(t *testing.T) {
	idx := NewIndex(NewHashEmbedder())
	idx.Put(chatCapability("a:llm", "llama3.2", "general purpose chat", []string{"summarization"}))

	query := idx.EmbedIntent("totally unrelated text with no lexical overlap")
	withoutBoost := idx.TopK(query, []string{"a:llm"}, "totally unrelated text", 0.99, 0)
	withBoost := idx.TopK(query, []string{"a:llm"}, "please do a summarization task", 0.05, 0.1)

	if len(withoutBoost) != 0 {
		t.Fatal("expected no match without keyword overlap at a near-1.0 threshold")
	}
	if len(withBoost) == 0 {
		t.Fatal("expected the topic-keyword match to survive with the boost applied")
	}
}

func TestIndexRemove(t *testing.T) {
	idx := NewIndex(NewHashEmbedder())
	idx.Put(chatCapability("a:llm", "llama3.2", "general purpose chat", nil))
	idx.Remove("a:llm")

	query := idx.EmbedIntent("general purpose chat")
	matches := idx.TopK(query, []string{"a:llm"}, "general purpose chat", 0.0, 0)
	if len(matches) != 0 {
		t.Fatal("removed capability must not appear in TopK results")
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	e := NewHashEmbedder()
	v := e.Embed("identical text here")
	sim := cosineSimilarity(v, v)
	if sim < 0.999 {
		t.Fatalf("cosine similarity of a vector with itself = %v, want ~1.0", sim)
	}
}

func TestCosineSimilarityMismatchedDims(t *testing.T) {
	if got := cosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}); got != 0 {
		t.Fatalf("mismatched-dimension vectors should score 0, got %v", got)
	}
}
