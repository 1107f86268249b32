package mesh

import (
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/daemon"
)

// topology tracks which node_ids this node has ever heard about, via
// node_join/node_leave gossip or a live transport session, so GET
// /api/mesh/topology can answer with more than just directly-dialed peers.
// It never claims to model the whole mesh's graph — only what has reached
// this node — matching gossip's eventually-consistent, no-global-view
// design.
type topology struct {
	mu    sync.RWMutex
	local string
	peers map[string]struct{}
}

func newTopology(localNodeID string) *topology {
	return &topology{local: localNodeID, peers: make(map[string]struct{})}
}

func (t *topology) observe(nodeID string) {
	if nodeID == "" || nodeID == t.local {
		return
	}
	t.mu.Lock()
	t.peers[nodeID] = struct{}{}
	t.mu.Unlock()
}

func (t *topology) forget(nodeID string) {
	t.mu.Lock()
	delete(t.peers, nodeID)
	t.mu.Unlock()
}

func (t *topology) nodeIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// Topology satisfies daemon.Runtime. Links are reported as this node's view
// of who it has heard from, not a transitive closure over the whole mesh.
func (n *Node) Topology() ([]daemon.TopologyNode, []daemon.TopologyLink) {
	for _, p := range n.Pool.Peers() {
		n.topo.observe(p)
	}

	ids := append([]string{n.id.NodeID}, n.topo.nodeIDs()...)
	nodes := make([]daemon.TopologyNode, 0, len(ids))
	links := make([]daemon.TopologyLink, 0, len(ids)-1)
	for _, id := range ids {
		nodes = append(nodes, daemon.TopologyNode{
			NodeID:          id,
			CapabilityCount: len(n.Registry.FindByNode(id)),
		})
		if id != n.id.NodeID {
			links = append(links, daemon.TopologyLink{From: n.id.NodeID, To: id})
		}
	}
	return nodes, links
}
