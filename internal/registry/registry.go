// Package registry implements the Capability Registry: the in-memory index
// of every capability this node knows about, local or remote, keyed for
// O(1) lookup by cap_id and fast filtering by type, tool, trigger, and
// route hint.
package registry

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// Registry holds the current view of every capability known to this node.
// Reads (Route, Execute's candidate lookup) happen far more often than
// writes (heartbeats, gossip updates), so it favors RWMutex with short
// critical sections over any single global lock on the routing hot path.
type Registry struct {
	mu sync.RWMutex

	byID      map[string]*meshmodel.Capability
	byType    map[meshmodel.CapabilityType]map[string]struct{}
	byTool    map[string]map[string]struct{} // tool name -> cap_ids
	byTrigger map[string]map[string]struct{} // event name -> cap_ids
	byNode    map[string]map[string]struct{} // node_id -> cap_ids

	staleAfter  time.Duration
	evictAfter  time.Duration
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithStaleness overrides the default staleness/eviction thresholds
// (spec §3 default: stale after 90s, evicted after 300s).
func WithStaleness(stale, evict time.Duration) Option {
	return func(r *Registry) {
		r.staleAfter = stale
		r.evictAfter = evict
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:       make(map[string]*meshmodel.Capability),
		byType:     make(map[meshmodel.CapabilityType]map[string]struct{}),
		byTool:     make(map[string]map[string]struct{}),
		byTrigger:  make(map[string]map[string]struct{}),
		byNode:     make(map[string]map[string]struct{}),
		staleAfter: meshmodel.DefaultCapabilityStaleSeconds * time.Second,
		evictAfter: meshmodel.DefaultCapabilityEvictSeconds * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a capability. cap_id must be globally unique
// per owning node_id: registering a cap_id already owned by a different
// node_id is an owner conflict (spec invariant), not an overwrite.
func (r *Registry) Register(cap *meshmodel.Capability) error {
	if cap.CapID == "" || cap.NodeID == "" || cap.Type == "" {
		return fmt.Errorf("%w: cap_id, node_id, and type are required", meshmodel.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[cap.CapID]; ok && existing.NodeID != cap.NodeID {
		return fmt.Errorf("%w: cap_id %q already owned by node %q", meshmodel.ErrOwnerConflict, cap.CapID, existing.NodeID)
	}

	if cap.Status == "" {
		cap.Status = meshmodel.StatusOnline
	}
	if cap.LastHeartbeat.IsZero() {
		cap.LastHeartbeat = time.Now()
	}

	r.unindexLocked(cap.CapID)
	cp := *cap
	r.byID[cp.CapID] = &cp
	r.indexLocked(&cp)
	return nil
}

// Deregister removes a capability entirely (owner-initiated removal, or
// processing a capability_removed gossip announcement).
func (r *Registry) Deregister(capID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unindexLocked(capID)
	delete(r.byID, capID)
}

// Heartbeat refreshes last_heartbeat and, if provided, status for a
// capability already in the registry. Returns ErrNotFound if unknown.
func (r *Registry) Heartbeat(capID string, status meshmodel.CapabilityStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap, ok := r.byID[capID]
	if !ok {
		return fmt.Errorf("%w: cap_id %q", meshmodel.ErrNotFound, capID)
	}
	cap.LastHeartbeat = time.Now()
	if status != "" {
		cap.Status = status
	}
	return nil
}

// Get returns a copy of the capability, or ErrNotFound.
func (r *Registry) Get(capID string) (*meshmodel.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.byID[capID]
	if !ok {
		return nil, fmt.Errorf("%w: cap_id %q", meshmodel.ErrNotFound, capID)
	}
	cp := *cap
	return &cp, nil
}

// FindByType returns all non-evicted capabilities of the given type.
func (r *Registry) FindByType(t meshmodel.CapabilityType) []*meshmodel.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byType[t]
	out := make([]*meshmodel.Capability, 0, len(ids))
	for id := range ids {
		if cap, ok := r.byID[id]; ok {
			cp := *cap
			out = append(out, &cp)
		}
	}
	return out
}

// FindByTool returns capabilities exposing a tool with the given name.
func (r *Registry) FindByTool(name string) []*meshmodel.Capability {
	return r.findByIndex(r.byTool, name)
}

// FindByTrigger returns capabilities exposing a trigger with the given
// event name.
func (r *Registry) FindByTrigger(eventName string) []*meshmodel.Capability {
	return r.findByIndex(r.byTrigger, eventName)
}

// FindByNode returns every capability owned by node_id.
func (r *Registry) FindByNode(nodeID string) []*meshmodel.Capability {
	return r.findByIndex(r.byNode, nodeID)
}

func (r *Registry) findByIndex(index map[string]map[string]struct{}, key string) []*meshmodel.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := index[key]
	out := make([]*meshmodel.Capability, 0, len(ids))
	for id := range ids {
		if cap, ok := r.byID[id]; ok {
			cp := *cap
			out = append(out, &cp)
		}
	}
	return out
}

// FindByRouteHint returns capabilities whose route_hint matches the glob
// pattern, using path.Match semantics (e.g. "sensor.*" matches both
// "sensor.camera" and "sensor.camera.front", since '*' stops only at '/').
func (r *Registry) FindByRouteHint(pattern string) ([]*meshmodel.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*meshmodel.Capability
	for _, cap := range r.byID {
		if cap.RouteHint == "" {
			continue
		}
		ok, err := path.Match(pattern, cap.RouteHint)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid route hint pattern %q: %v", meshmodel.ErrValidation, pattern, err)
		}
		if ok {
			cp := *cap
			out = append(out, &cp)
		}
	}
	return out, nil
}

// All returns a snapshot of every capability in the registry.
func (r *Registry) All() []*meshmodel.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*meshmodel.Capability, 0, len(r.byID))
	for _, cap := range r.byID {
		cp := *cap
		out = append(out, &cp)
	}
	return out
}

// SweepStale marks capabilities whose last_heartbeat exceeds staleAfter as
// degraded, and evicts those exceeding evictAfter entirely. Intended to be
// called on a periodic ticker (spec default: every 30s).
func (r *Registry) SweepStale(now time.Time) (degraded, evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cap := range r.byID {
		age := now.Sub(cap.LastHeartbeat)
		switch {
		case age >= r.evictAfter:
			r.unindexLocked(id)
			delete(r.byID, id)
			evicted++
		case age >= r.staleAfter && cap.Status == meshmodel.StatusOnline:
			cap.Status = meshmodel.StatusDegraded
			degraded++
		}
	}
	return degraded, evicted
}

// Count returns the number of capabilities currently tracked.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) indexLocked(cap *meshmodel.Capability) {
	addToIndex(r.byType2(cap.Type), cap.CapID)
	for _, tool := range cap.Tools {
		addToIndex(r.indexFor(r.byTool, tool.Name), cap.CapID)
	}
	for _, trig := range cap.Triggers {
		addToIndex(r.indexFor(r.byTrigger, trig.EventName), cap.CapID)
	}
	addToIndex(r.indexFor(r.byNode, cap.NodeID), cap.CapID)
}

func (r *Registry) byType2(t meshmodel.CapabilityType) map[string]struct{} {
	set, ok := r.byType[t]
	if !ok {
		set = make(map[string]struct{})
		r.byType[t] = set
	}
	return set
}

func (r *Registry) indexFor(index map[string]map[string]struct{}, key string) map[string]struct{} {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	return set
}

func addToIndex(set map[string]struct{}, capID string) {
	set[capID] = struct{}{}
}

// unindexLocked removes capID from every secondary index. Caller must hold
// r.mu for writing.
func (r *Registry) unindexLocked(capID string) {
	existing, ok := r.byID[capID]
	if !ok {
		return
	}
	delete(r.byType[existing.Type], capID)
	for _, tool := range existing.Tools {
		delete(r.byTool[tool.Name], capID)
	}
	for _, trig := range existing.Triggers {
		delete(r.byTrigger[trig.EventName], capID)
	}
	delete(r.byNode[existing.NodeID], capID)
}
