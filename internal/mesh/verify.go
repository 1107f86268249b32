package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/macaroon"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

func newMacaroonID() string { return uuid.NewString() }

// VerifyJoinToken satisfies transport.Verifier. Every token this node
// accepts must be one it minted itself: issuer and verifier are always the
// same node (see token.DeriveGrantRootKey), so a peer wanting to attach
// here has to have gotten a token from here first, out of band (QR code,
// invite link, relay-mediated mesh join). The join caveat context carries
// mesh_id and action=join so a grant narrowed with CaveatAction or
// CaveatMeshID is honored at this checkpoint.
//
// This only establishes that the bearer holds a token this node issued and
// that the grant (if any) permits joining. It does not yet know which
// node_id is on the other end of the handshake — that arrives afterward in
// session_established — so the allow/deny list in internal/approval is
// checked separately, in onAccept, once the peer's identity is known.
func (n *Node) VerifyJoinToken(tok *token.Token) (meshID, meshName string, err error) {
	if tok.IssuerNodeID() != n.id.NodeID {
		return "", "", fmt.Errorf("token issued by %q, not this node", tok.IssuerNodeID())
	}
	if tok.MeshID() != n.mesh.MeshID {
		return "", "", fmt.Errorf("token is for mesh %q, not %q", tok.MeshID(), n.mesh.MeshID)
	}
	if n.Revoked.IsRevoked(tok) {
		return "", "", fmt.Errorf("token revoked")
	}

	verifyCtx := macaroon.VerifyContext{
		MeshID: n.mesh.MeshID,
		Action: "join",
		Now:    time.Now(),
	}
	if err := tok.Verify(n.id.PublicKey, time.Now(), n.grantRootKey, &verifyCtx); err != nil {
		return "", "", err
	}
	return n.mesh.MeshID, n.mesh.Name, nil
}

// IssueJoinToken satisfies daemon.Runtime. grants, if non-empty, become
// first-party caveats on a fresh capabilities_granted macaroon (e.g.
// "action=join,route" or "cap_type=tool"); an empty grants list mints an
// unrestricted token, which callers are expected to attenuate themselves
// before handing it to anyone less trusted than the person standing in
// front of them.
func (n *Node) IssueJoinToken(ctx context.Context, ttl time.Duration, grants []string) (*token.Token, error) {
	if ttl <= 0 {
		ttl = DefaultJoinTokenTTL
	}

	var grant *macaroon.Macaroon
	if len(grants) > 0 {
		grant = macaroon.New(n.mesh.MeshID, n.grantRootKey, newMacaroonID())
		grant.AddFirstPartyCaveat(macaroon.CaveatMeshID + "=" + n.mesh.MeshID)
		for _, g := range grants {
			grant.AddFirstPartyCaveat(g)
		}
	}

	endpoints := n.joinEndpoints()
	return token.Issue(n.id.PrivateKey, n.mesh.MeshID, n.id.NodeID, ttl, endpoints, grant)
}

// joinEndpoints converts this node's currently known endpoints into the
// dialable list a join token carries, skipping any not yet discovered.
func (n *Node) joinEndpoints() []token.JoinEndpoint {
	ep := n.Endpoints()
	var out []token.JoinEndpoint
	if ep.Local != "" {
		out = append(out, token.JoinEndpoint{Kind: token.EndpointLocal, Address: ep.Local})
	}
	if ep.Public != "" {
		out = append(out, token.JoinEndpoint{Kind: token.EndpointPublic, Address: ep.Public})
	}
	if ep.Relay != "" {
		out = append(out, token.JoinEndpoint{Kind: token.EndpointRelay, Address: ep.Relay})
	}
	return out
}
