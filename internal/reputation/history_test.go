package reputation

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestHistory_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node_history.json")

	h := NewHistory(path)
	h.RecordRoute("node-A", "local", 10.0, true)
	h.RecordRoute("node-A", "relay", 50.0, true)
	h.RecordIntroduction("node-A", "mesh-founder")
	h.RecordRoute("node-B", "public", 5.0, false)

	if err := h.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	// Reload into a new instance.
	h2 := NewHistory(path)
	if h2.Count() != 2 {
		t.Fatalf("Count = %d, want 2", h2.Count())
	}

	r := h2.Get("node-A")
	if r == nil {
		t.Fatal("node-A not found")
	}
	if r.RouteCount != 2 {
		t.Errorf("route_count = %d, want 2", r.RouteCount)
	}
	if r.IntroducedBy != "mesh-founder" {
		t.Errorf("introduced_by = %q, want %q", r.IntroducedBy, "mesh-founder")
	}
	if !r.SameLAN {
		t.Error("same_lan should be true")
	}
	if r.PathTypes["local"] != 1 {
		t.Errorf("path_types[local] = %d, want 1", r.PathTypes["local"])
	}
	if r.PathTypes["relay"] != 1 {
		t.Errorf("path_types[relay] = %d, want 1", r.PathTypes["relay"])
	}
}

func TestHistory_RunningAverage(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(filepath.Join(dir, "history.json"))

	// 10, 20, 30 -> avg = 20
	h.RecordRoute("node-X", "local", 10.0, true)
	h.RecordRoute("node-X", "local", 20.0, true)
	h.RecordRoute("node-X", "local", 30.0, true)

	r := h.Get("node-X")
	if r == nil {
		t.Fatal("node-X not found")
	}
	if r.AvgRTTMs < 19.9 || r.AvgRTTMs > 20.1 {
		t.Errorf("avg_rtt_ms = %f, want ~20.0", r.AvgRTTMs)
	}
}

func TestHistory_ConcurrentAccess(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(filepath.Join(dir, "history.json"))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.RecordRoute("node-concurrent", "local", 5.0, true)
		}()
	}
	wg.Wait()

	r := h.Get("node-concurrent")
	if r == nil {
		t.Fatal("node-concurrent not found")
	}
	if r.RouteCount != 100 {
		t.Errorf("route_count = %d, want 100", r.RouteCount)
	}
}

func TestHistory_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent.json")

	h := NewHistory(path)
	if h.Count() != 0 {
		t.Errorf("Count = %d, want 0", h.Count())
	}

	if r := h.Get("nobody"); r != nil {
		t.Error("expected nil for unknown node")
	}
}

func TestHistory_GetReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	h := NewHistory(filepath.Join(dir, "history.json"))

	h.RecordRoute("node-copy", "local", 10.0, true)

	r := h.Get("node-copy")
	r.RouteCount = 999
	r.PathTypes["hacked"] = 1

	r2 := h.Get("node-copy")
	if r2.RouteCount != 1 {
		t.Errorf("mutation leaked: route_count = %d, want 1", r2.RouteCount)
	}
	if _, ok := r2.PathTypes["hacked"]; ok {
		t.Error("mutation leaked: path_types contains 'hacked'")
	}
}

func TestHistory_SaveCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "history.json")

	os.MkdirAll(filepath.Dir(path), 0700)

	h := NewHistory(path)
	h.RecordRoute("node-save", "local", 1.0, true)

	if err := h.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat error: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %v, want 0600", info.Mode().Perm())
	}
}
