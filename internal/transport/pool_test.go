package transport

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

func TestPoolPeersOnlyListsEstablished(t *testing.T) {
	p := NewPool()

	a, b, stop := wireSessions(t)
	defer stop()
	p.Add(a)

	dead, _, stopDead := wireSessions(t)
	dead.Close()
	p.Add(dead)

	peers := p.Peers()
	sort.Strings(peers)
	if len(peers) != 1 || peers[0] != a.PeerNodeID() {
		t.Fatalf("Peers() = %v, want only %q", peers, a.PeerNodeID())
	}
	_ = b
	stopDead()
}

func TestPoolSendUnknownPeerFails(t *testing.T) {
	p := NewPool()
	err := p.Send(context.Background(), "ghost", []byte("x"))
	if !errors.Is(err, meshmodel.ErrTransportFailure) {
		t.Fatalf("err = %v, want ErrTransportFailure", err)
	}
}

func TestPoolDialReusesEstablishedSession(t *testing.T) {
	p := NewPool()
	a, _, stop := wireSessions(t)
	defer stop()
	p.Add(a)

	sess, err := p.Dial(context.Background(), a.PeerNodeID())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sess != a {
		t.Fatal("Dial returned a different session than the one pooled")
	}
}

func TestPoolDialFailsWithoutSession(t *testing.T) {
	p := NewPool()
	_, err := p.Dial(context.Background(), "ghost")
	if !errors.Is(err, meshmodel.ErrTransportFailure) {
		t.Fatalf("err = %v, want ErrTransportFailure", err)
	}
}

func TestPoolRemove(t *testing.T) {
	p := NewPool()
	a, _, stop := wireSessions(t)
	defer stop()
	p.Add(a)
	p.Remove(a.PeerNodeID())

	if _, ok := p.Get(a.PeerNodeID()); ok {
		t.Fatal("session still present after Remove")
	}
}
