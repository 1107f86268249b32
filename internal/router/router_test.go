package router

import (
	"context"
	"testing"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/reputation"
	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
)

type fakeCostTable struct {
	factors map[string]meshmodel.CostFactors
}

func (f *fakeCostTable) CostFor(nodeID string) (meshmodel.CostFactors, bool) {
	factors, ok := f.factors[nodeID]
	return factors, ok
}

func newTestRouter(t *testing.T, localNodeID string) (*Router, *registry.Registry, *semantic.Index) {
	t.Helper()
	reg := registry.New()
	idx := semantic.NewIndex(semantic.NewHashEmbedder())
	rep := reputation.NewHistory(t.TempDir() + "/reputation.json")
	costTable := &fakeCostTable{factors: make(map[string]meshmodel.CostFactors)}
	r := New(localNodeID, reg, idx, costTable, rep)
	return r, reg, idx
}

func registerAndIndex(reg *registry.Registry, idx *semantic.Index, cap *meshmodel.Capability) {
	cap.Status = meshmodel.StatusOnline
	_ = reg.Register(cap)
	idx.Put(cap)
}

func TestRouteExplicitPathShortCircuits(t *testing.T) {
	r, reg, idx := newTestRouter(t, "node-a")
	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-a:llm", NodeID: "node-a", Type: "llm/chat", Label: "llama3.2",
	})

	result, err := r.Route(context.Background(), Intent{ExplicitPath: "node-a:llm"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.ChosenCapID != "node-a:llm" {
		t.Fatalf("ChosenCapID = %s, want node-a:llm", result.ChosenCapID)
	}
	if result.Score != 1.0 {
		t.Fatalf("short-circuit Score = %v, want 1.0", result.Score)
	}
}

func TestRouteNoCapabilityWhenEmpty(t *testing.T) {
	r, _, _ := newTestRouter(t, "node-a")
	_, err := r.Route(context.Background(), Intent{Type: "llm/chat", Text: "summarize this"})
	if err == nil {
		t.Fatal("expected ErrNoCapability for an empty registry")
	}
}

func TestRoutePrefersLocalNode(t *testing.T) {
	r, reg, idx := newTestRouter(t, "node-a")
	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-a:llm", NodeID: "node-a", Type: "llm/chat",
		Label: "llama3.2", Description: "local general purpose chat model",
	})
	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-b:llm", NodeID: "node-b", Type: "llm/chat",
		Label: "llama3.2", Description: "local general purpose chat model",
	})

	result, err := r.Route(context.Background(), Intent{Type: "llm/chat", Text: "local general purpose chat model please"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.ChosenCapID != "node-a:llm" {
		t.Fatalf("expected the local-node capability to win via the locality bonus, got %s", result.ChosenCapID)
	}
}

func TestRouteFiltersByType(t *testing.T) {
	r, reg, idx := newTestRouter(t, "node-a")
	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-a:sensor", NodeID: "node-a", Type: "sensor/temp",
		Label: "kitchen-temp", Description: "kitchen temperature sensor",
	})

	_, err := r.Route(context.Background(), Intent{Type: "llm/chat", Text: "summarize this document"})
	if err == nil {
		t.Fatal("expected ErrNoCapability: the only registered capability doesn't match the requested type")
	}
}

func TestRouteApprovalGateRejectsCandidate(t *testing.T) {
	reg := registry.New()
	idx := semantic.NewIndex(semantic.NewHashEmbedder())
	rep := reputation.NewHistory("")
	costTable := &fakeCostTable{factors: make(map[string]meshmodel.CostFactors)}

	denyAll := approvalFunc(func(*meshmodel.Capability, Intent) bool { return false })
	r := New("node-a", reg, idx, costTable, rep, WithApprovalChecker(denyAll))

	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-a:llm", NodeID: "node-a", Type: "llm/chat",
		Label: "llama3.2", Description: "general chat model",
	})

	_, err := r.Route(context.Background(), Intent{Type: "llm/chat", Text: "general chat model"})
	if err == nil {
		t.Fatal("expected ErrNoCapability when the approval gate rejects every candidate")
	}
}

func TestRouteHysteresisKeepsPriorWinnerOnSmallImprovement(t *testing.T) {
	reg := registry.New()
	idx := semantic.NewIndex(semantic.NewHashEmbedder())
	rep := reputation.NewHistory("")
	costTable := &fakeCostTable{factors: make(map[string]meshmodel.CostFactors)}
	r := New("node-z", reg, idx, costTable, rep, WithThresholds(0.0, 0.1, 0.20))

	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-a:llm", NodeID: "node-a", Type: "llm/chat",
		Label: "llama3.2", Description: "general chat model alpha",
	})
	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-b:llm", NodeID: "node-b", Type: "llm/chat",
		Label: "llama3.2", Description: "general chat model alpha",
	})

	intent := Intent{Type: "llm/chat", Text: "general chat model alpha"}
	first, err := r.Route(context.Background(), intent)
	if err != nil {
		t.Fatalf("first Route: %v", err)
	}

	// Both candidates started perfectly tied (identical descriptions, no
	// locality bonus since neither is local to node-z). Nudge node-a's cost
	// up by only 10% — below the 20% hysteresis threshold — so whichever
	// candidate won the tie should still win, regardless of which one it
	// was.
	cpu := 0.1
	costTable.factors["node-a"] = meshmodel.CostFactors{CPULoad: &cpu}
	second, err := r.Route(context.Background(), intent)
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if second.ChosenCapID != first.ChosenCapID {
		t.Fatalf("expected hysteresis to keep %s, got %s", first.ChosenCapID, second.ChosenCapID)
	}
}

func TestRouteTieBreaksByCapIDLexicographically(t *testing.T) {
	reg := registry.New()
	idx := semantic.NewIndex(semantic.NewHashEmbedder())
	rep := reputation.NewHistory("")
	costTable := &fakeCostTable{factors: make(map[string]meshmodel.CostFactors)}
	r := New("node-z", reg, idx, costTable, rep, WithThresholds(0.0, 0.1, 0.20))

	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-b:llm", NodeID: "node-b", Type: "llm/chat",
		Label: "llama3.2", Description: "general chat model alpha",
	})
	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-a:llm", NodeID: "node-a", Type: "llm/chat",
		Label: "llama3.2", Description: "general chat model alpha",
	})

	intent := Intent{Type: "llm/chat", Text: "general chat model alpha"}
	for i := 0; i < 5; i++ {
		result, err := r.Route(context.Background(), intent)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if result.ChosenCapID != "node-a:llm" {
			t.Fatalf("expected the lexicographically-first cap_id to win a perfect tie, got %s", result.ChosenCapID)
		}
	}
}

func TestRouteHysteresisDropsOfflinePriorWinner(t *testing.T) {
	reg := registry.New()
	idx := semantic.NewIndex(semantic.NewHashEmbedder())
	rep := reputation.NewHistory("")
	costTable := &fakeCostTable{factors: make(map[string]meshmodel.CostFactors)}
	r := New("node-z", reg, idx, costTable, rep, WithThresholds(0.0, 0.1, 0.20))

	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-a:llm", NodeID: "node-a", Type: "llm/chat",
		Label: "llama3.2", Description: "general chat model alpha",
	})
	registerAndIndex(reg, idx, &meshmodel.Capability{
		CapID: "node-b:llm", NodeID: "node-b", Type: "llm/chat",
		Label: "llama3.2", Description: "general chat model alpha",
	})

	intent := Intent{Type: "llm/chat", Text: "general chat model alpha"}
	first, err := r.Route(context.Background(), intent)
	if err != nil {
		t.Fatalf("first Route: %v", err)
	}

	// Knock the prior winner offline without deregistering it; the
	// survivor's score stays tied with the prior winner's, well below the
	// hysteresis threshold. Without the offline-prior-drop, applyHysteresis
	// would still try to return the now-offline winner.
	if err := reg.Heartbeat(first.ChosenCapID, meshmodel.StatusOffline); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	second, err := r.Route(context.Background(), intent)
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if second.ChosenCapID == first.ChosenCapID {
		t.Fatalf("expected the offline prior winner %s to be dropped", first.ChosenCapID)
	}
}

type approvalFunc func(*meshmodel.Capability, Intent) bool

func (f approvalFunc) Allowed(cap *meshmodel.Capability, intent Intent) bool { return f(cap, intent) }
