// Package reputation tracks sovereign per-node interaction history used by
// the router's locality bonus (same-node / same-LAN / RTT adjustments).
// Each node collects its own local data; there is no gossip of reputation
// and no centralization.
package reputation

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// NodeRecord holds interaction history for a single remote node.
type NodeRecord struct {
	NodeID        string         `json:"node_id"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	RouteCount    int            `json:"route_count"`
	AvgRTTMs      float64        `json:"avg_rtt_ms"`
	PathTypes     map[string]int `json:"path_types"` // "local":12, "public":3, "relay":1
	SameLAN       bool           `json:"same_lan"`
	IntroducedBy  string         `json:"introduced_by,omitempty"`
}

// History manages the local node-interaction history file.
type History struct {
	mu      sync.RWMutex
	path    string
	records map[string]*NodeRecord
}

// NewHistory creates or loads interaction history from the given file path.
func NewHistory(path string) *History {
	h := &History{
		path:    path,
		records: make(map[string]*NodeRecord),
	}
	_ = h.Load() // best-effort load
	return h
}

// RecordRoute updates route count, last_seen, path type counts, and running
// average RTT for a node every time the router sends an intent its way.
func (h *History) RecordRoute(nodeID, pathType string, rttMs float64, sameLAN bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[nodeID]
	if !ok {
		r = &NodeRecord{
			NodeID:    nodeID,
			FirstSeen: time.Now(),
			PathTypes: make(map[string]int),
		}
		h.records[nodeID] = r
	}

	r.LastSeen = time.Now()
	r.RouteCount++
	r.SameLAN = sameLAN

	if pathType != "" {
		r.PathTypes[pathType]++
	}

	// Running average: new_avg = old_avg + (value - old_avg) / count
	if rttMs > 0 {
		r.AvgRTTMs += (rttMs - r.AvgRTTMs) / float64(r.RouteCount)
	}
}

// MarkSameLAN records that nodeID was observed via LAN multicast (mDNS),
// without disturbing route count or RTT average — unlike RecordRoute,
// this reflects locality alone, not an actual invocation.
func (h *History) MarkSameLAN(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[nodeID]
	if !ok {
		r = &NodeRecord{
			NodeID:    nodeID,
			FirstSeen: time.Now(),
			PathTypes: make(map[string]int),
		}
		h.records[nodeID] = r
	}
	r.LastSeen = time.Now()
	r.SameLAN = true
}

// RecordIntroduction records how a node first entered the mesh topology.
func (h *History) RecordIntroduction(nodeID, introducedBy string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[nodeID]
	if !ok {
		r = &NodeRecord{
			NodeID:    nodeID,
			FirstSeen: time.Now(),
			PathTypes: make(map[string]int),
		}
		h.records[nodeID] = r
	}
	r.IntroducedBy = introducedBy
}

// Get returns a copy of the record for the given node, or nil if not found.
func (h *History) Get(nodeID string) *NodeRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.records[nodeID]
	if !ok {
		return nil
	}
	cp := *r
	cp.PathTypes = make(map[string]int, len(r.PathTypes))
	for k, v := range r.PathTypes {
		cp.PathTypes[k] = v
	}
	return &cp
}

// Count returns the number of nodes tracked.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Load reads the history file from disk.
func (h *History) Load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read history: %w", err)
	}

	var records map[string]*NodeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse history: %w", err)
	}

	h.mu.Lock()
	h.records = records
	h.mu.Unlock()
	return nil
}

// Save writes the history file to disk atomically.
func (h *History) Save() error {
	h.mu.RLock()
	data, err := json.MarshalIndent(h.records, "", "  ")
	h.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
