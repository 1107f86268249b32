package cost

import (
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// reading pairs a CostFactors snapshot with when it was recorded, so Table
// can answer staleness questions per remote node the same way Collector
// does for the local one.
type reading struct {
	factors   meshmodel.CostFactors
	recordedAt time.Time
}

// Table is the mesh-wide cost table the router consults (spec §4.5 step
// 6): the local node's own Collector reading plus every remote node's
// most recently gossiped cost_update. It implements router.CostTable.
type Table struct {
	localNodeID string
	local       *Collector

	mu      sync.RWMutex
	remote  map[string]reading
}

// NewTable creates a Table that answers CostFor(localNodeID) from local's
// live reading and every other node_id from gossiped updates applied via
// Update.
func NewTable(localNodeID string, local *Collector) *Table {
	return &Table{
		localNodeID: localNodeID,
		local:       local,
		remote:      make(map[string]reading),
	}
}

// Update records a freshly gossiped cost_update for a remote node,
// dropping it if an update with a newer or equal factors.Timestamp has
// already been applied for that node (spec §4.4's per-peer monotonic
// timestamp rule: last-write-wins with stale-drop, since cost_update's
// distinct nonce per message means gossip dedup alone won't catch a
// reordered delivery).
func (t *Table) Update(nodeID string, factors meshmodel.CostFactors) {
	if nodeID == t.localNodeID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.remote[nodeID]; ok && !factors.Timestamp.After(existing.factors.Timestamp) {
		return
	}
	t.remote[nodeID] = reading{factors: factors, recordedAt: time.Now()}
}

// CostFor returns the most recent CostFactors known for nodeID. The
// second return value is false only when nothing has ever been recorded
// for that node; a stale-but-present reading is still returned; the
// Router's cost.Score call treats every factor inside it the same either
// way, since staleness itself isn't a spec scoring input.
func (t *Table) CostFor(nodeID string) (meshmodel.CostFactors, bool) {
	if nodeID == t.localNodeID {
		if t.local == nil {
			return meshmodel.CostFactors{}, false
		}
		return t.local.Current(), true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.remote[nodeID]
	if !ok {
		return meshmodel.CostFactors{}, false
	}
	return r.factors, true
}

// Prune drops remote readings older than maxAge, keeping the table from
// growing unbounded with nodes that have left the mesh without a clean
// capability_removed announcement.
func (t *Table) Prune(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed int
	for nodeID, r := range t.remote {
		if now.Sub(r.recordedAt) > maxAge {
			delete(t.remote, nodeID)
			removed++
		}
	}
	return removed
}
