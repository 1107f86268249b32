package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// Pool tracks every established Session this node currently holds, keyed by
// peer node_id, and is the adapter between this package's Session type and
// the narrow interfaces internal/executor and internal/gossip depend on
// (executor.Dialer, gossip.PeerSender) — neither package needs to know
// Session exists.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewPool creates an empty session pool.
func NewPool() *Pool {
	return &Pool{sessions: make(map[string]*Session)}
}

// Add registers sess under its peer's node_id, replacing any prior session
// to the same peer (the old one is left to die on its own; callers that
// care should Close it first).
func (p *Pool) Add(sess *Session) {
	p.mu.Lock()
	p.sessions[sess.PeerNodeID()] = sess
	p.mu.Unlock()
}

// Remove drops nodeID's session from the pool, e.g. from Session.OnDead.
func (p *Pool) Remove(nodeID string) {
	p.mu.Lock()
	delete(p.sessions, nodeID)
	p.mu.Unlock()
}

// Get returns the current session to nodeID, if any.
func (p *Pool) Get(nodeID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[nodeID]
	return s, ok
}

// Peers implements gossip.PeerSender: every node_id with a currently
// established session.
func (p *Pool) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peers := make([]string, 0, len(p.sessions))
	for id, s := range p.sessions {
		if s.State() == StateEstablished {
			peers = append(peers, id)
		}
	}
	return peers
}

// Send implements gossip.PeerSender: enqueue data on nodeID's session as
// low-priority gossip traffic.
func (p *Pool) Send(ctx context.Context, nodeID string, data []byte) error {
	sess, ok := p.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: no session to %s", meshmodel.ErrTransportFailure, nodeID)
	}
	return sess.SendGossip(data)
}

// Dial implements executor.Dialer: only ever reuses an existing established
// session (spec §4.7's sessions are set up by Join/accept, not ad hoc by
// the executor) and fails transport_failure if the peer isn't currently
// reachable, letting Executor/Router fall back to an alternative capability.
func (p *Pool) Dial(ctx context.Context, nodeID string) (executor.Session, error) {
	sess, ok := p.Get(nodeID)
	if !ok || sess.State() != StateEstablished {
		return nil, fmt.Errorf("%w: no established session to %s", meshmodel.ErrTransportFailure, nodeID)
	}
	return sess, nil
}
