package mesh

import (
	"context"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/reputation"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/transport"
)

// onAccept wires a newly inbound session (via the local listener, the
// public listener, or a relay peer connection — all three call through
// here) the same way Join wires an outbound one: gossip/invoke handlers,
// dead-session cleanup, and registration with the pool before its
// reader/writer/heartbeat loops start.
//
// VerifyJoinToken already confirmed the bearer holds a token this node
// issued; it runs before the peer's node_id is known, so the allow/deny
// list check happens here instead, now that sess.PeerNodeID() is real.
// A denied peer gets its session closed immediately, before anything else
// sees it.
func (n *Node) onAccept(sess *transport.Session, proposedCaps []string) {
	peer := sess.PeerNodeID()
	if !n.Gate.AllowJoin(peer) {
		n.logger.Warn("mesh: peer denied by approval gate", "peer", peer, "path", sess.PathType())
		if n.Audit != nil {
			n.Audit.JoinAttempt(peer, n.mesh.MeshID, "denied")
		}
		sess.Close()
		return
	}
	n.logger.Info("mesh: peer joined", "peer", peer, "path", sess.PathType(), "proposed_caps", proposedCaps)
	if n.Audit != nil {
		n.Audit.JoinAttempt(peer, n.mesh.MeshID, "accepted")
	}
	n.wireSession(sess)
}

// wireSession hooks a session into the gossip engine, the executor's
// inbound invoke path, and pool bookkeeping, then starts its loops.
// Shared by onAccept (founder side) and Join (joining side).
func (n *Node) wireSession(sess *transport.Session) {
	peer := sess.PeerNodeID()
	sess.OnGossip(transport.GossipForwarder(n.Gossip, peer))
	sess.OnInvoke(transport.ExecutorInvokeHandler(n.Executor))
	sess.OnDead(func(s *transport.Session) {
		n.Pool.Remove(s.PeerNodeID())
		n.logger.Info("mesh: peer session ended", "peer", s.PeerNodeID())
	})
	n.Pool.Add(sess)
	sess.Start(n.ctx)
}

// Join drives the client side of the join handshake against tok (spec
// §4.7), wiring the resulting session into this node exactly like an
// accepted inbound one.
func (n *Node) Join(ctx context.Context, tok *token.Token, proposedCaps []string) (*transport.JoinResult, error) {
	d := transport.Dialer{LocalUDPConn: n.udpConn, RelayMux: n.relayMux}
	result, err := transport.Join(ctx, n.id.NodeID, tok, proposedCaps, d)
	if err != nil {
		return nil, err
	}
	n.wireSession(result.Session)
	n.Reputation.RecordIntroduction(tok.IssuerNodeID(), tok.IssuerNodeID())
	return result, nil
}

// reputationDialer adapts transport.Pool to executor.Dialer, recording
// each remote invocation's path type, locality, and round-trip time into
// reputation.History so the router's locality bonus reflects live traffic
// rather than only what mDNS observes at rest.
type reputationDialer struct {
	pool *transport.Pool
	rep  *reputation.History
}

func (d *reputationDialer) Dial(ctx context.Context, nodeID string) (executor.Session, error) {
	sess, err := d.pool.Dial(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	ts, ok := sess.(*transport.Session)
	if !ok {
		return sess, nil
	}
	return &reputationSession{Session: ts, rep: d.rep}, nil
}

type reputationSession struct {
	*transport.Session
	rep *reputation.History
}

func (s *reputationSession) Invoke(ctx context.Context, req *executor.InvokeRequest) (*executor.InvokeResponse, error) {
	start := time.Now()
	resp, err := s.Session.Invoke(ctx, req)
	rttMs := float64(time.Since(start)) / float64(time.Millisecond)
	sameLAN := s.Session.PathType() == transport.PathLocal
	s.rep.RecordRoute(s.Session.PeerNodeID(), string(s.Session.PathType()), rttMs, sameLAN)
	return resp, err
}
