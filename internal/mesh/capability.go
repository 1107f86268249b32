package mesh

import (
	"context"
	"fmt"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/validate"
)

// RegisterCapability adds a locally-hosted capability to the registry and
// semantic index, then announces it to the mesh (spec §4.2) if the approval
// gate allows it to be exposed; an unexposed capability stays local. NodeID is
// forced to this node's own id — a node can only register capabilities it
// actually hosts, never on another node's behalf. Tool names are validated
// the same way service names are, since they end up embedded in executor
// routing keys alongside the capability ID.
func (n *Node) RegisterCapability(ctx context.Context, cap *meshmodel.Capability) error {
	if cap == nil {
		return fmt.Errorf("mesh: nil capability")
	}
	for _, t := range cap.Tools {
		if err := validate.ServiceName(t.Name); err != nil {
			return fmt.Errorf("mesh: tool %q: %w", t.Name, err)
		}
	}
	cap.NodeID = n.id.NodeID
	if cap.Status == "" {
		cap.Status = meshmodel.StatusOnline
	}
	if err := n.Registry.Register(cap); err != nil {
		return err
	}
	n.Index.PutCached(cap, n.embedCache)
	if !n.Gate.CanExpose(cap) {
		return nil
	}
	return n.publishCapabilityAvailable(ctx, cap)
}

// DeregisterCapability removes a locally-hosted capability and announces
// its removal (spec §4.3). Removing a capability owned by a different
// node is a local registry error, not a mesh-wide operation — ownership
// of a capability's lifecycle stays with the node that registered it.
func (n *Node) DeregisterCapability(ctx context.Context, capID string) error {
	cap, err := n.Registry.Get(capID)
	if err != nil {
		return err
	}
	if cap.NodeID != n.id.NodeID {
		return fmt.Errorf("mesh: capability %q is owned by %q, not this node", capID, cap.NodeID)
	}
	n.Registry.Deregister(capID)
	n.Index.Remove(capID)
	return n.publishCapabilityRemoved(ctx, capID)
}

// RevokeToken marks a previously issued join token revoked by fingerprint
// and announces the revocation so every node in the mesh rejects it too,
// not just this one (spec §4.7's revocation list).
func (n *Node) RevokeToken(ctx context.Context, fingerprint, reason string) error {
	n.Revoked.RevokeFingerprint(fingerprint, reason)
	return n.publishTokenRevoked(ctx, fingerprint, reason)
}
