package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// Payload shapes carried inside an announcement's opaque Payload bytes.
// Each mirrors the fields the corresponding gossip kind actually needs,
// not the full domain object — capabilityPayload, for instance, ships the
// whole meshmodel.Capability because that's what a newly-joined peer's
// registry and semantic index need to reconstruct it locally.
type capabilityPayload struct {
	Capability *meshmodel.Capability `json:"capability"`
}

type heartbeatPayload struct {
	CapID  string                     `json:"cap_id"`
	Status meshmodel.CapabilityStatus `json:"status"`
}

type removedPayload struct {
	CapID string `json:"cap_id"`
}

type costUpdatePayload struct {
	Factors meshmodel.CostFactors `json:"factors"`
}

type tokenRevokedPayload struct {
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason,omitempty"`
}

type nodePayload struct {
	NodeID string `json:"node_id"`
}

// wireGossipHandlers registers this node's reaction to every announcement
// kind the gossip engine forwards, folding each into the subsystem that
// owns the corresponding state: the registry and semantic index for
// capability lifecycle, the cost table for cost_update, the revocation
// store for token_revoked, and the topology view for node join/leave.
func (n *Node) wireGossipHandlers() {
	n.Gossip.OnKind(meshmodel.KindCapabilityAvailable, n.onCapabilityAvailable)
	n.Gossip.OnKind(meshmodel.KindCapabilityHeartbeat, n.onCapabilityHeartbeat)
	n.Gossip.OnKind(meshmodel.KindCapabilityRemoved, n.onCapabilityRemoved)
	n.Gossip.OnKind(meshmodel.KindCostUpdate, n.onCostUpdate)
	n.Gossip.OnKind(meshmodel.KindTokenRevoked, n.onTokenRevoked)
	n.Gossip.OnKind(meshmodel.KindNodeJoin, n.onNodeJoin)
	n.Gossip.OnKind(meshmodel.KindNodeLeave, n.onNodeLeave)
}

func (n *Node) onCapabilityAvailable(a *meshmodel.Announcement) error {
	var p capabilityPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	if p.Capability == nil {
		return nil
	}
	if err := n.Registry.Register(p.Capability); err != nil {
		return err
	}
	n.Index.PutCached(p.Capability, n.embedCache)
	n.topo.observe(a.FromNode)
	return nil
}

func (n *Node) onCapabilityHeartbeat(a *meshmodel.Announcement) error {
	var p heartbeatPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	n.topo.observe(a.FromNode)
	return n.Registry.Heartbeat(p.CapID, p.Status)
}

func (n *Node) onCapabilityRemoved(a *meshmodel.Announcement) error {
	var p removedPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	n.Registry.Deregister(p.CapID)
	n.Index.Remove(p.CapID)
	return nil
}

func (n *Node) onCostUpdate(a *meshmodel.Announcement) error {
	var p costUpdatePayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	n.CostTable.Update(a.FromNode, p.Factors)
	return nil
}

func (n *Node) onTokenRevoked(a *meshmodel.Announcement) error {
	var p tokenRevokedPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	n.Revoked.RevokeFingerprint(p.Fingerprint, p.Reason)
	return nil
}

func (n *Node) onNodeJoin(a *meshmodel.Announcement) error {
	var p nodePayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	n.topo.observe(p.NodeID)
	return nil
}

func (n *Node) onNodeLeave(a *meshmodel.Announcement) error {
	var p nodePayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	n.topo.forget(p.NodeID)
	for _, cap := range n.Registry.FindByNode(p.NodeID) {
		n.Registry.Deregister(cap.CapID)
		n.Index.Remove(cap.CapID)
	}
	return nil
}

// publishCapabilityAvailable announces cap to the mesh (spec §4.2) when a
// capability registers locally.
func (n *Node) publishCapabilityAvailable(ctx context.Context, cap *meshmodel.Capability) error {
	payload, err := json.Marshal(capabilityPayload{Capability: cap})
	if err != nil {
		return err
	}
	return n.publish(ctx, meshmodel.KindCapabilityAvailable, payload)
}

// publishCapabilityRemoved announces that capID is gone (spec §4.3).
func (n *Node) publishCapabilityRemoved(ctx context.Context, capID string) error {
	payload, err := json.Marshal(removedPayload{CapID: capID})
	if err != nil {
		return err
	}
	return n.publish(ctx, meshmodel.KindCapabilityRemoved, payload)
}

// publishCostUpdate announces this node's freshly sampled cost factors.
func (n *Node) publishCostUpdate(ctx context.Context, factors meshmodel.CostFactors) error {
	payload, err := json.Marshal(costUpdatePayload{Factors: factors})
	if err != nil {
		return err
	}
	return n.publish(ctx, meshmodel.KindCostUpdate, payload)
}

// publishTokenRevoked announces a revocation by fingerprint only, never the
// token itself, so a compromised gossip log can't be replayed as a
// credential.
func (n *Node) publishTokenRevoked(ctx context.Context, fp, reason string) error {
	payload, err := json.Marshal(tokenRevokedPayload{Fingerprint: fp, Reason: reason})
	if err != nil {
		return err
	}
	return n.publish(ctx, meshmodel.KindTokenRevoked, payload)
}

func (n *Node) publishNodeJoin(ctx context.Context) error {
	payload, err := json.Marshal(nodePayload{NodeID: n.id.NodeID})
	if err != nil {
		return err
	}
	return n.publish(ctx, meshmodel.KindNodeJoin, payload)
}

func (n *Node) publishNodeLeave(ctx context.Context) error {
	payload, err := json.Marshal(nodePayload{NodeID: n.id.NodeID})
	if err != nil {
		return err
	}
	return n.publish(ctx, meshmodel.KindNodeLeave, payload)
}

// buildHeartbeat is passed to gossip.WithHeartbeat: once per tick it emits
// a capability_heartbeat (cap_id and status only) for every capability this
// node owns, refreshing it on peers that already hold it, and this node's
// latest cost factors, keeping both fresh without the registrant having to
// republish by hand. A peer that never received a capability's
// capability_available does not learn that capability from its heartbeat.
func (n *Node) buildHeartbeat() []*meshmodel.Announcement {
	var out []*meshmodel.Announcement
	for _, cap := range n.Registry.FindByNode(n.id.NodeID) {
		payload, err := json.Marshal(heartbeatPayload{CapID: cap.CapID, Status: cap.Status})
		if err != nil {
			continue
		}
		out = append(out, &meshmodel.Announcement{Kind: meshmodel.KindCapabilityHeartbeat, Payload: payload})
	}

	if factors, ok := n.CostTable.CostFor(n.id.NodeID); ok {
		if payload, err := json.Marshal(costUpdatePayload{Factors: factors}); err == nil {
			out = append(out, &meshmodel.Announcement{Kind: meshmodel.KindCostUpdate, Payload: payload})
		}
	}
	return out
}

func (n *Node) publish(ctx context.Context, kind meshmodel.AnnouncementKind, payload []byte) error {
	return n.Gossip.Publish(ctx, &meshmodel.Announcement{
		Kind:      kind,
		FromNode:  n.id.NodeID,
		Payload:   payload,
		Timestamp: float64(time.Now().Unix()),
		TTL:       meshmodel.MaxTTL,
	})
}
